package audit

import (
	"path/filepath"
	"testing"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndList(t *testing.T) {
	store := setupStore(t)

	store.Record("s1", "created", "owner=alice")
	store.Record("s1", "attached", "")
	store.Record("s2", "created", "owner=bob")
	store.Record("s1", "expired", "")

	events, err := store.List("s1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	want := []string{"created", "attached", "expired"}
	for i, e := range events {
		if e.Event != want[i] {
			t.Errorf("event %d: expected %q, got %q", i, want[i], e.Event)
		}
		if e.SessionID != "s1" {
			t.Errorf("event %d: wrong session %q", i, e.SessionID)
		}
	}
	if events[0].Detail != "owner=alice" {
		t.Errorf("unexpected detail %q", events[0].Detail)
	}
	if events[0].CreatedAt.IsZero() {
		t.Error("created_at not populated")
	}
}

func TestListUnknownSessionIsEmpty(t *testing.T) {
	store := setupStore(t)

	events, err := store.List("ghost")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")

	store, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	store.Record("s1", "created", "")
	store.Close()

	reopened, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	events, err := reopened.List("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Errorf("expected persisted event, got %d", len(events))
	}
}
