// Package webfetch implements chorus.Tool by fetching a URL and extracting
// its readable text, for agents that need to pull web content into context.
package webfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/arklow/chorus"
	"github.com/arklow/chorus/retriever/ingest"
)

const maxResponseBytes = 1 << 20 // 1MB

// Tool fetches URLs and extracts readable content.
type Tool struct {
	client    *http.Client
	maxOutput int
}

var _ chorus.Tool = (*Tool)(nil)

// Option configures a Tool.
type Option func(*Tool)

// WithTimeout overrides the default 15-second fetch timeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Tool) { t.client.Timeout = d }
}

// WithMaxOutput caps the returned content length, truncating with a marker
// past that point. Default 8000 bytes; 0 disables truncation.
func WithMaxOutput(n int) Option {
	return func(t *Tool) { t.maxOutput = n }
}

// New creates a Tool with a 15-second fetch timeout.
func New(opts ...Option) *Tool {
	t := &Tool{
		client:    &http.Client{Timeout: 15 * time.Second},
		maxOutput: 8000,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Definitions() []chorus.ToolDefinition {
	return []chorus.ToolDefinition{{
		Name:        "http_fetch",
		Description: "Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"}},"required":["url"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (chorus.ToolResult, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return chorus.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	content, err := t.Fetch(ctx, params.URL)
	if err != nil {
		return chorus.ToolResult{Error: err.Error()}, nil
	}

	if t.maxOutput > 0 && len(content) > t.maxOutput {
		content = content[:t.maxOutput] + "\n... (truncated)"
	}

	return chorus.ToolResult{Content: content}, nil
}

// Fetch downloads a URL and extracts readable text. Exported for use by
// other components that need clean article text without going through the
// tool-call envelope.
func (t *Tool) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; ChorusBot/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	html := string(body)

	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent), nil
	}

	return ingest.StripHTML(html), nil
}
