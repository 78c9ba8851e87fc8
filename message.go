package chorus

import (
	"strings"
	"sync/atomic"
	"time"
)

// ParticipantRole identifies who produced a ConversationMessage.
type ParticipantRole string

const (
	RoleUser      ParticipantRole = "user"
	RoleAssistant ParticipantRole = "assistant"
	RoleSystem    ParticipantRole = "system"
	RoleTool      ParticipantRole = "tool"
)

// ContentBlockKind tags the variant of a ContentBlock.
type ContentBlockKind string

const (
	BlockText       ContentBlockKind = "text"
	BlockToolUse    ContentBlockKind = "tool_use"
	BlockToolResult ContentBlockKind = "tool_result"
	BlockImage      ContentBlockKind = "image"
)

// ContentBlock is one tagged element of a ConversationMessage's content.
// The core only ever inspects Text on the BlockText variant; tool_use,
// tool_result, and image blocks are carried opaquely between an agent and
// storage via Data.
type ContentBlock struct {
	Kind ContentBlockKind `json:"kind"`
	Text string           `json:"text,omitempty"`
	Data any              `json:"data,omitempty"`
}

// TextBlock builds a plain-text ContentBlock.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Kind: BlockText, Text: text}
}

// ConversationMessage is one turn in a conversation. Content is always a
// sequence, possibly empty to mean "no textual output" — never nil.
type ConversationMessage struct {
	Role    ParticipantRole `json:"role"`
	Content []ContentBlock  `json:"content"`
}

// NewTextMessage builds a ConversationMessage with a single text block.
func NewTextMessage(role ParticipantRole, text string) ConversationMessage {
	return ConversationMessage{Role: role, Content: []ContentBlock{TextBlock(text)}}
}

// Text concatenates every BlockText block's text, in order.
func (m ConversationMessage) Text() string {
	var b strings.Builder
	for _, c := range m.Content {
		if c.Kind == BlockText {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// IsEmpty reports whether the message carries no content blocks at all.
func (m ConversationMessage) IsEmpty() bool {
	return len(m.Content) == 0
}

// TimestampedMessage is a ConversationMessage plus the monotonic millisecond
// timestamp it was written under. Storage back-ends persist this shape;
// callers of the fetch contract only ever see the stripped ConversationMessage.
type TimestampedMessage struct {
	ConversationMessage
	Timestamp int64 `json:"timestamp"`
}

var lastMillis atomic.Int64

// NowMillis returns the current time as Unix milliseconds, never less than a
// value it returned before, the clock source conversation-key timestamps are
// assigned from at write time.
func NowMillis() int64 {
	now := time.Now().UnixMilli()
	for {
		last := lastMillis.Load()
		if now <= last {
			return last
		}
		if lastMillis.CompareAndSwap(last, now) {
			return now
		}
	}
}

// Stamp wraps msg with the given timestamp, or NowMillis() if ts is zero.
func Stamp(msg ConversationMessage, ts int64) TimestampedMessage {
	if ts == 0 {
		ts = NowMillis()
	}
	return TimestampedMessage{ConversationMessage: msg, Timestamp: ts}
}

// ConversationKey names one independent append-only log: the triple
// (user_id, session_id, agent_id).
type ConversationKey struct {
	UserID    string
	SessionID string
	AgentID   string
}

// keyDelimiter joins the triple's components when a back-end needs a single
// string key. It must not occur in any component.
const keyDelimiter = "#"

// String encodes the key as "user#session#agent".
func (k ConversationKey) String() string {
	return strings.Join([]string{k.UserID, k.SessionID, k.AgentID}, keyDelimiter)
}

// PromptTemplate is a custom system prompt: a string with {{name}} placeholders
// substituted by Variables' string values. Unresolved placeholders are left
// intact.
type PromptTemplate struct {
	Template  string
	Variables map[string]string
}

// Render substitutes every {{name}} occurrence found in Variables.
func (t PromptTemplate) Render() string {
	if t.Template == "" || len(t.Variables) == 0 {
		return t.Template
	}
	out := t.Template
	for name, val := range t.Variables {
		out = strings.ReplaceAll(out, "{{"+name+"}}", val)
	}
	return out
}
