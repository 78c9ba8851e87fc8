// Package telegram adapts the Telegram Bot API's long-polling HTTP
// interface into chorus.Orchestrator.RouteRequest calls: it is the inbound
// half of a hosted-bot-service frontend.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/arklow/chorus"
)

var apiBaseURL = "https://api.telegram.org/bot"

// Bot is a Telegram Bot API client plus the long-poll loop that feeds
// incoming messages into an Orchestrator.
type Bot struct {
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Bot at construction time.
type Option func(*Bot)

// WithHTTPClient overrides the default *http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Bot) { b.httpClient = c }
}

// WithLogger sets the structured logger for poll errors and dispatch
// failures.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bot) { b.logger = l }
}

// New creates a Bot authenticated with token.
func New(token string, opts ...Option) *Bot {
	b := &Bot{token: token, httpClient: &http.Client{Timeout: 60 * time.Second}}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.New(slog.DiscardHandler)
	}
	return b
}

// Run long-polls for updates and routes every text message through
// orchestrator, replying with the agent's output. It blocks until ctx is
// done. allowedUserID, if non-empty, restricts handling to that Telegram
// user id; other senders are silently ignored.
func (b *Bot) Run(ctx context.Context, orchestrator *chorus.Orchestrator, allowedUserID string) error {
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		updates, err := b.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.WarnContext(ctx, "telegram poll failed", "error", err)
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil || u.Message.Text == "" {
				continue
			}
			b.handleMessage(ctx, orchestrator, allowedUserID, u.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, orchestrator *chorus.Orchestrator, allowedUserID string, msg *Message) {
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	if msg.From == nil {
		return
	}
	userID := strconv.FormatInt(msg.From.ID, 10)
	if allowedUserID != "" && userID != allowedUserID {
		return
	}

	resp, err := orchestrator.RouteRequest(ctx, msg.Text, userID, chatID, nil)
	if err != nil {
		b.logger.ErrorContext(ctx, "route request failed", "error", err)
		_, _ = b.Send(ctx, chatID, "Sorry, something went wrong.")
		return
	}

	if resp.Streaming {
		b.relayStream(ctx, chatID, resp.Stream)
		return
	}
	if _, err := b.Send(ctx, chatID, resp.Output.Text()); err != nil {
		b.logger.ErrorContext(ctx, "send reply failed", "error", err)
	}
}

// relayStream drains the stream and sends the final text once it ends; no
// placeholder message is sent or edited. Intermediate tokens are not flushed
// as separate Telegram API calls (that would exceed rate limits); the
// orchestrator's forwarded channel is drained purely to reach EndEvent.
func (b *Bot) relayStream(ctx context.Context, chatID string, events <-chan chorus.StreamEvent) {
	var final string
	for ev := range events {
		switch e := ev.(type) {
		case chorus.EndEvent:
			final = e.FinalMessage.Text()
		case chorus.ErrorEvent:
			b.logger.ErrorContext(ctx, "stream error", "error", e.Err)
		}
	}
	if final == "" {
		return
	}
	if _, err := b.Send(ctx, chatID, final); err != nil {
		b.logger.ErrorContext(ctx, "send streamed reply failed", "error", err)
	}
}

func (b *Bot) getUpdates(ctx context.Context, offset int64) ([]Update, error) {
	body := map[string]any{
		"offset":          offset,
		"timeout":         30,
		"allowed_updates": []string{"message"},
	}
	var updates []Update
	if err := b.call(ctx, "getUpdates", body, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// Send delivers text as one or more HTML-formatted messages, splitting on
// Telegram's length limit. Returns the last sent message's id.
func (b *Bot) Send(ctx context.Context, chatID, text string) (string, error) {
	var lastID string
	for _, chunk := range splitMessage(text) {
		body := map[string]any{
			"chat_id":    chatID,
			"text":       MarkdownToHTML(chunk),
			"parse_mode": "HTML",
		}
		var sent Message
		if err := b.call(ctx, "sendMessage", body, &sent); err != nil {
			return "", err
		}
		lastID = strconv.FormatInt(sent.MessageID, 10)
	}
	return lastID, nil
}

func (b *Bot) call(ctx context.Context, method string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("telegram: marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBaseURL+b.token+"/"+method, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s request: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram: read %s response: %w", method, err)
	}

	var envelope ApiResponse[json.RawMessage]
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("telegram: decode %s response: %w", method, err)
	}
	if !envelope.OK {
		return fmt.Errorf("telegram: %s failed (%d): %s", method, envelope.ErrorCode, envelope.Description)
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("telegram: decode %s result: %w", method, err)
		}
	}
	return nil
}
