package roster

import (
	"path/filepath"
	"testing"

	"github.com/openclaw/dingbridge/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.RosterConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "roster.db"),
	})
	if err != nil {
		t.Fatalf("open roster: %v", err)
	}
	return s
}

func TestNote_UpsertsBySighting(t *testing.T) {
	s := newTestStore(t)

	if err := s.Note("main", "cid_1", "u1", "Alice"); err != nil {
		t.Fatalf("Note: %v", err)
	}
	if err := s.Note("main", "cid_1", "u1", "Alice Chen"); err != nil {
		t.Fatalf("Note repeat: %v", err)
	}
	if err := s.Note("main", "cid_1", "u2", "Bob"); err != nil {
		t.Fatalf("Note second member: %v", err)
	}

	members, err := s.Members("main", "cid_1")
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("members = %d, want 2", len(members))
	}
	for _, m := range members {
		if m.UserID == "u1" && m.Nick != "Alice Chen" {
			t.Errorf("nick not updated on repeat sighting: %q", m.Nick)
		}
	}
}

func TestMembers_ScopedByConversation(t *testing.T) {
	s := newTestStore(t)
	s.Note("main", "cid_1", "u1", "Alice")
	s.Note("main", "cid_2", "u2", "Bob")
	s.Note("other", "cid_1", "u3", "Carol")

	members, err := s.Members("main", "cid_1")
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(members) != 1 || members[0].UserID != "u1" {
		t.Errorf("members = %+v", members)
	}
}

func TestFormat(t *testing.T) {
	got := Format([]Member{
		{UserID: "u2", Nick: "Bob"},
		{UserID: "u1", Nick: "Alice"},
		{UserID: "u3"},
	})
	want := "Alice (u1), Bob (u2), u3"
	if got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	if _, err := Open(config.RosterConfig{Driver: "postgres"}); err == nil {
		t.Fatal("unknown driver accepted")
	}
}
