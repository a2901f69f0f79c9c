package audit

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordStreamStarted_AppearsInRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.RecordStreamStarted(ctx, "stream-1", "container-1", "abc123")

	events, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].EventType != "stream_started" || events[0].StreamID != "stream-1" || events[0].Detail != "abc123" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestRecordStreamEnded_AppearsInRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.RecordStreamStarted(ctx, "stream-1", "container-1", "abc123")
	s.RecordStreamEnded(ctx, "stream-1", "container-1", "client_disconnected")

	events, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	// Recent returns newest first.
	if events[0].EventType != "stream_ended" || events[0].Detail != "client_disconnected" {
		t.Fatalf("unexpected newest event: %+v", events[0])
	}
	if events[1].EventType != "stream_started" {
		t.Fatalf("unexpected oldest event: %+v", events[1])
	}
}

func TestRecent_RespectsLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.RecordStreamStarted(ctx, "stream-1", "container-1", "k")
	}

	events, err := s.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected limit of 3 events, got %d", len(events))
	}
}
