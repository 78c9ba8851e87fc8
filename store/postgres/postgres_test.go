package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arklow/chorus"
)

// testStore connects to CHORUS_TEST_POSTGRES_URL. Skipped when unset, since
// this package has no in-process fake for PostgreSQL.
func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("CHORUS_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("CHORUS_TEST_POSTGRES_URL not set, skipping postgres integration test")
	}
	pool, err := pgxpool.New(context.Background(), url)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	s := New(pool)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DROP TABLE IF EXISTS messages`)
	})
	return s
}

func TestSaveAndFetchChat(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	msgs := []chorus.ConversationMessage{
		chorus.NewTextMessage(chorus.RoleUser, "hello"),
		chorus.NewTextMessage(chorus.RoleAssistant, "hi there"),
		chorus.NewTextMessage(chorus.RoleUser, "bye"),
	}
	for _, m := range msgs {
		if _, err := s.SaveMessage(ctx, "u1", "s1", "a1", m, 0); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	got, err := s.FetchChat(ctx, "u1", "s1", "a1", 0)
	if err != nil {
		t.Fatalf("FetchChat: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Text() != "hello" || got[2].Text() != "bye" {
		t.Errorf("unexpected content: %+v", got)
	}
}

func TestSaveMessageSameRoleSuppressed(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.SaveMessage(ctx, "u1", "s1", "a1", chorus.NewTextMessage(chorus.RoleUser, "one"), 0)
	got, err := s.SaveMessage(ctx, "u1", "s1", "a1", chorus.NewTextMessage(chorus.RoleUser, "two"), 0)
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1 (same-role suppression)", len(got))
	}
}

func TestFetchAllChatsMergesAgentsAndTagsAssistant(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.SaveMessages(ctx, "u1", "s1", "bot-a", []chorus.ConversationMessage{
		chorus.NewTextMessage(chorus.RoleUser, "hi bot a"),
		chorus.NewTextMessage(chorus.RoleAssistant, "hello from a"),
	}, 0)
	s.SaveMessages(ctx, "u1", "s1", "bot-b", []chorus.ConversationMessage{
		chorus.NewTextMessage(chorus.RoleUser, "hi bot b"),
		chorus.NewTextMessage(chorus.RoleAssistant, "hello from b"),
	}, 0)

	got, err := s.FetchAllChats(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("FetchAllChats: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	for _, m := range got {
		if m.Role == chorus.RoleAssistant && m.Text() != "[bot-a] hello from a" && m.Text() != "[bot-b] hello from b" {
			t.Errorf("assistant message missing agent tag: %q", m.Text())
		}
	}
}

var _ chorus.ChatStorage = (*Store)(nil)
