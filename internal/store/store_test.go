package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := openTestStore(t)

	events := []Event{
		{Kind: EventConnect, SessionID: "a"},
		{Kind: EventRegister, SessionID: "a", Role: "agent"},
		{Kind: EventCommand, SessionID: "b", Role: "controller", Detail: `{"command":"type"}`},
	}
	for _, ev := range events {
		if err := s.Append(ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := s.Recent(10, "")
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Kind != EventCommand || got[2].Kind != EventConnect {
		t.Errorf("order = %s..%s, want newest first", got[0].Kind, got[2].Kind)
	}
	if got[0].Detail != `{"command":"type"}` {
		t.Errorf("detail = %q", got[0].Detail)
	}
	if got[0].Time.IsZero() {
		t.Error("time not stamped")
	}

	only, err := s.Recent(10, EventRegister)
	if err != nil {
		t.Fatalf("recent filtered: %v", err)
	}
	if len(only) != 1 || only[0].Role != "agent" {
		t.Errorf("filtered = %+v", only)
	}

	limited, err := s.Recent(2, "")
	if err != nil {
		t.Fatalf("recent limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited len = %d", len(limited))
	}
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	old := time.Now().Add(-48 * time.Hour)
	s.Append(Event{Kind: EventConnect, Time: old})
	s.Append(Event{Kind: EventConnect})

	n, err := s.Prune(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	left, _ := s.Recent(10, "")
	if len(left) != 1 {
		t.Errorf("left %d, want 1", len(left))
	}
}

func TestCursor(t *testing.T) {
	s := openTestStore(t)

	v, err := s.Cursor("issues:me/desk#1")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if v != "" {
		t.Errorf("unset cursor = %q", v)
	}

	if err := s.SetCursor("issues:me/desk#1", "100"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetCursor("issues:me/desk#1", "120"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, _ = s.Cursor("issues:me/desk#1")
	if v != "120" {
		t.Errorf("cursor = %q, want 120", v)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.SetCursor("k", "v")
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if v, _ := s.Cursor("k"); v != "v" {
		t.Errorf("cursor after reopen = %q", v)
	}
	if v, err := s.SchemaVersion(); err != nil || v != 1 {
		t.Errorf("schema version = %d, %v; want 1", v, err)
	}
}
