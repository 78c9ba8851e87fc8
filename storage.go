package chorus

import "context"

// ChatStorage persists conversation turns keyed by (user_id, session_id,
// agent_id) and exposes the cross-agent merged view the classifier reads
// for context. Concrete back-ends (in-process map, durable key-value store)
// are external collaborators; they must honor the invariants documented on
// each method.
//
// maxHistorySize of 0 means "no trimming bound" for SaveMessage,
// SaveMessages, and FetchChat.
type ChatStorage interface {
	// SaveMessage appends msg to (u,s,a). If the log's last stored message
	// has the same role as msg, the write is a no-op and the current log is
	// returned unchanged (same-role suppression). If maxHistorySize > 0, the
	// log is trimmed to the last maxHistorySize entries after append,
	// dropping oldest first. Returns the resulting log with timestamps
	// stripped.
	SaveMessage(ctx context.Context, userID, sessionID, agentID string, msg ConversationMessage, maxHistorySize int) ([]ConversationMessage, error)

	// SaveMessages appends msgs in order. The property "no two consecutive
	// same-role turns persist after the call" SHOULD hold across the whole
	// batch, composed with whatever already sits at the end of the log.
	SaveMessages(ctx context.Context, userID, sessionID, agentID string, msgs []ConversationMessage, maxHistorySize int) ([]ConversationMessage, error)

	// FetchChat returns the agent-scoped log for (u,s,a), most recent
	// maxHistorySize entries if maxHistorySize > 0, with timestamps
	// stripped.
	FetchChat(ctx context.Context, userID, sessionID, agentID string, maxHistorySize int) ([]ConversationMessage, error)

	// FetchAllChats returns the merged cross-agent view for (u,s): every
	// stored message across every agent-scoped log, sorted by timestamp
	// ascending (ties broken by insertion order within an agent's log), with
	// each assistant message's first text block prefixed "[<agent_id>] "
	// exactly once and timestamps stripped.
	FetchAllChats(ctx context.Context, userID, sessionID string) ([]ConversationMessage, error)
}

// SameRole reports whether a and b share a role, the predicate same-role
// suppression is built on. Shared by every ChatStorage implementation.
func SameRole(a, b ConversationMessage) bool {
	return a.Role == b.Role
}

// TrimToBound drops oldest-first entries until len(log) <= bound. bound <= 0
// means "no trimming". It never removes the most recent message. Shared by
// every ChatStorage implementation.
func TrimToBound[T any](log []T, bound int) []T {
	if bound <= 0 || len(log) <= bound {
		return log
	}
	return log[len(log)-bound:]
}

// PrefixAgentTag prepends "[agent_id] " to msg's first text block, if any,
// returning a copy. Messages with no text block (or no content) pass
// through unmodified. Shared by every ChatStorage implementation.
func PrefixAgentTag(msg ConversationMessage, agentID string) ConversationMessage {
	for i, block := range msg.Content {
		if block.Kind == BlockText {
			out := msg
			out.Content = append([]ContentBlock(nil), msg.Content...)
			out.Content[i] = ContentBlock{Kind: BlockText, Text: "[" + agentID + "] " + block.Text, Data: block.Data}
			return out
		}
	}
	return msg
}

// StripTimestamps projects TimestampedMessage entries back to the
// ConversationMessage shape callers of the fetch contract see. Shared by
// every ChatStorage implementation.
func StripTimestamps(log []TimestampedMessage) []ConversationMessage {
	out := make([]ConversationMessage, len(log))
	for i, m := range log {
		out[i] = m.ConversationMessage
	}
	return out
}
