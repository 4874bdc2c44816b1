package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/botwarden/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()
	ctx := context.Background()

	base := time.Now().Add(-time.Minute).UTC()
	start := history.NewEvent(history.EventStart, "bot", base)
	start.PID = 4242
	restart := history.NewEvent(history.EventRestart, "bot", base.Add(30*time.Second))
	restart.PID = 4343
	restart.Reason = "heartbeat failing for 3 consecutive cycles"
	restart.Restarts = 1

	for _, e := range []history.Event{start, restart} {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	var count int
	if err := sink.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM worker_history`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows, got %d", count)
	}

	got, err := sink.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].ID != restart.ID || got[0].Type != history.EventRestart || got[0].Reason != restart.Reason || got[0].Restarts != 1 {
		t.Fatalf("newest event mismatch: %+v", got[0])
	}
	if got[1].PID != 4242 || got[1].Reason != "" {
		t.Fatalf("oldest event mismatch: %+v", got[1])
	}
}

func TestSQLiteSink_Memory(t *testing.T) {
	sink, err := New("sqlite://:memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = sink.Close() }()
	if err := sink.Send(context.Background(), history.NewEvent(history.EventCooldown, "bot", time.Now())); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := sink.Recent(context.Background(), 0)
	if err != nil || len(got) != 1 {
		t.Fatalf("Recent = %v, %v", got, err)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}
