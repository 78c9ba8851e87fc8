// Package memory implements chorus.ChatStorage as an in-process map,
// for tests and single-process deployments with no durability requirement.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/arklow/chorus"
)

// Store implements chorus.ChatStorage backed by an in-process map. Safe for
// concurrent use. Nothing is persisted across process restarts.
type Store struct {
	mu    sync.Mutex
	logs  map[chorus.ConversationKey][]chorus.TimestampedMessage
	order map[string][]chorus.ConversationKey // user#session -> agent keys in first-write order
}

var _ chorus.ChatStorage = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		logs:  make(map[chorus.ConversationKey][]chorus.TimestampedMessage),
		order: make(map[string][]chorus.ConversationKey),
	}
}

// SaveMessage implements chorus.ChatStorage.
func (s *Store) SaveMessage(ctx context.Context, userID, sessionID, agentID string, msg chorus.ConversationMessage, maxHistorySize int) ([]chorus.ConversationMessage, error) {
	return s.SaveMessages(ctx, userID, sessionID, agentID, []chorus.ConversationMessage{msg}, maxHistorySize)
}

// SaveMessages implements chorus.ChatStorage.
func (s *Store) SaveMessages(ctx context.Context, userID, sessionID, agentID string, msgs []chorus.ConversationMessage, maxHistorySize int) ([]chorus.ConversationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := chorus.ConversationKey{UserID: userID, SessionID: sessionID, AgentID: agentID}
	log := s.logs[key]

	var lastMsg *chorus.ConversationMessage
	if n := len(log); n > 0 {
		lastMsg = &log[n-1].ConversationMessage
	}

	for _, msg := range msgs {
		if lastMsg != nil && chorus.SameRole(*lastMsg, msg) {
			continue
		}
		log = append(log, chorus.Stamp(msg, 0))
		m := msg
		lastMsg = &m
	}

	log = chorus.TrimToBound(log, maxHistorySize)
	s.logs[key] = log

	sessionKey := userID + "#" + sessionID
	if !s.hasOrder(sessionKey, key) {
		s.order[sessionKey] = append(s.order[sessionKey], key)
	}

	return chorus.StripTimestamps(log), nil
}

func (s *Store) hasOrder(sessionKey string, key chorus.ConversationKey) bool {
	for _, k := range s.order[sessionKey] {
		if k == key {
			return true
		}
	}
	return false
}

// FetchChat implements chorus.ChatStorage.
func (s *Store) FetchChat(ctx context.Context, userID, sessionID, agentID string, maxHistorySize int) ([]chorus.ConversationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := chorus.ConversationKey{UserID: userID, SessionID: sessionID, AgentID: agentID}
	log := chorus.TrimToBound(s.logs[key], maxHistorySize)
	return chorus.StripTimestamps(log), nil
}

// FetchAllChats implements chorus.ChatStorage.
func (s *Store) FetchAllChats(ctx context.Context, userID, sessionID string) ([]chorus.ConversationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionKey := userID + "#" + sessionID

	type entry struct {
		msg chorus.TimestampedMessage
		idx int // insertion order within its agent's log, for tie-breaking
	}
	var all []entry
	for _, key := range s.order[sessionKey] {
		for i, m := range s.logs[key] {
			tagged := m
			if tagged.Role == chorus.RoleAssistant {
				tagged.ConversationMessage = chorus.PrefixAgentTag(tagged.ConversationMessage, key.AgentID)
			}
			all = append(all, entry{msg: tagged, idx: i})
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].msg.Timestamp < all[j].msg.Timestamp
	})

	out := make([]chorus.ConversationMessage, len(all))
	for i, e := range all {
		out[i] = e.msg.ConversationMessage
	}
	return out, nil
}
