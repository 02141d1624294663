package localstore

import (
	"context"
	"log/slog"
	"testing"

	"github.com/opencampus/pushsync/internal/bridge"
	"github.com/opencampus/pushsync/internal/logger"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	log := logger.New(logger.Config{Level: slog.LevelError})
	s, err := Open(":memory:", 1, log)
	if err != nil {
		t.Fatalf("Open(:memory:) error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBacklogRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := bridge.Notification{ID: "n1", Title: "Exam", Data: map[string]string{"url": "/x"}}
	second := bridge.Notification{ID: "n2", Title: "Library", Data: map[string]string{"url": "/y"}}

	if err := s.AppendBacklog(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendBacklog(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListBacklog(ctx)
	if err != nil {
		t.Fatalf("ListBacklog error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("backlog has %d entries, want 2", len(got))
	}
	if got[0].ID != "n1" || got[1].ID != "n2" {
		t.Errorf("backlog order = [%s %s], want arrival order [n1 n2]", got[0].ID, got[1].ID)
	}
	if got[0].Data["url"] != "/x" {
		t.Errorf("payload data lost: url = %q", got[0].Data["url"])
	}
}

func TestClearBacklog(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.AppendBacklog(ctx, bridge.Notification{ID: "n1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearBacklog(ctx); err != nil {
		t.Fatalf("ClearBacklog error = %v", err)
	}

	got, err := s.ListBacklog(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("backlog has %d entries after clear, want 0", len(got))
	}
}

func TestHistoryInsertIsIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	n := bridge.Notification{ID: "n1", Title: "Exam"}
	for i := 0; i < 3; i++ {
		if err := s.RecordHistory(ctx, n); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListHistory(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("history has %d entries for one id, want 1", len(got))
	}
}

func TestOutboxOrderAndDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ops := []QueuedOperation{
		{ID: "op-1", Method: "POST", Path: "/api/attendance", Payload: []byte(`{"a":1}`)},
		{ID: "op-2", Method: "PUT", Path: "/api/books/7", Payload: []byte(`{"b":2}`)},
		{ID: "op-3", Method: "DELETE", Path: "/api/rooms/3"},
	}
	for _, op := range ops {
		if err := s.EnqueueOperation(ctx, op); err != nil {
			t.Fatal(err)
		}
	}

	// Duplicate enqueue with the same idempotency key is a no-op.
	if err := s.EnqueueOperation(ctx, ops[0]); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListOperations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("outbox has %d operations, want 3", len(got))
	}
	for i, want := range []string{"op-1", "op-2", "op-3"} {
		if got[i].ID != want {
			t.Errorf("outbox[%d] = %s, want %s (enqueue order)", i, got[i].ID, want)
		}
	}

	if err := s.DeleteOperation(ctx, "op-2"); err != nil {
		t.Fatal(err)
	}
	got, err = s.ListOperations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "op-1" || got[1].ID != "op-3" {
		t.Errorf("outbox after delete = %v, want [op-1 op-3]", got)
	}
}

func TestIncrementAttempts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.EnqueueOperation(ctx, QueuedOperation{ID: "op-1", Method: "POST", Path: "/api/x"}); err != nil {
		t.Fatal(err)
	}

	for want := 1; want <= 3; want++ {
		got, err := s.IncrementAttempts(ctx, "op-1")
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("IncrementAttempts = %d, want %d", got, want)
		}
	}
}
