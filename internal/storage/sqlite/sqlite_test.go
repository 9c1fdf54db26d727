package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/jkaninda/clawbridge/internal/history"
	"github.com/jkaninda/clawbridge/internal/session"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{
		Path:      filepath.Join(t.TempDir(), "bridge.db"),
		Retention: 3,
	}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestAppendAndList_ArrivalOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev, err := s.Append(ctx, history.Event{
			SessionID: "main",
			EventType: "message",
			Content:   json.RawMessage(`{"text":"hi"}`),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if ev.Seq != uint64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, ev.Seq)
		}
	}

	events, err := s.List(ctx, "main")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Fatalf("events out of order at index %d", i)
		}
	}
}

func TestList_UnknownSession(t *testing.T) {
	s := openTestStore(t)
	_, err := s.List(context.Background(), "ghost")
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestList_EnsuredSessionIsEmptyNotMissing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.EnsureSession(ctx, "main"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	events, err := s.List(ctx, "main")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected empty listing, got %d events", len(events))
	}
}

func TestPrune_EnforcesRetentionOldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.Append(ctx, history.Event{SessionID: "main", EventType: "message"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	deleted, err := s.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 pruned events, got %d", deleted)
	}

	events, err := s.List(ctx, "main")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 3 || events[0].Seq != 3 {
		t.Fatalf("expected seqs 3..5 retained, got %d events starting at %d", len(events), events[0].Seq)
	}
}

func TestDropSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.Append(ctx, history.Event{SessionID: "main", EventType: "message"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.DropSession(ctx, "main"); err != nil {
		t.Fatalf("DropSession: %v", err)
	}
	if _, err := s.List(ctx, "main"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after drop, got %v", err)
	}
}
