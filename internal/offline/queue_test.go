package offline

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/opencampus/pushsync/internal/localstore"
	"github.com/opencampus/pushsync/internal/logger"
)

type memoryOutbox struct {
	mu  sync.Mutex
	ops []localstore.QueuedOperation
}

func (m *memoryOutbox) EnqueueOperation(_ context.Context, op localstore.QueuedOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.ops {
		if existing.ID == op.ID {
			return nil
		}
	}
	m.ops = append(m.ops, op)
	return nil
}

func (m *memoryOutbox) ListOperations(_ context.Context) ([]localstore.QueuedOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]localstore.QueuedOperation, len(m.ops))
	copy(out, m.ops)
	return out, nil
}

func (m *memoryOutbox) DeleteOperation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.ops[:0]
	for _, op := range m.ops {
		if op.ID != id {
			live = append(live, op)
		}
	}
	m.ops = live
	return nil
}

func (m *memoryOutbox) IncrementAttempts(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.ops {
		if m.ops[i].ID == id {
			m.ops[i].Attempts++
			return m.ops[i].Attempts, nil
		}
	}
	return 0, errors.New("no such operation")
}

func (m *memoryOutbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops)
}

var errUnreachable = &net.DNSError{Err: "no route", IsTimeout: true}

// executorEmulator scripts per-operation outcomes and records the
// delivery order.
type executorEmulator struct {
	mu       sync.Mutex
	failWith map[string][]error
	executed []string
}

func (e *executorEmulator) Execute(_ context.Context, op localstore.QueuedOperation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed = append(e.executed, op.ID)
	if queue := e.failWith[op.ID]; len(queue) > 0 {
		err := queue[0]
		e.failWith[op.ID] = queue[1:]
		return err
	}
	return nil
}

func (e *executorEmulator) order() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.executed...)
}

func testQueue(t *testing.T, store outboxStore, exec Executor, opts Options) *Queue {
	t.Helper()
	log := logger.New(logger.Config{Level: slog.LevelError})
	return New(store, exec, log, opts)
}

func op(id string) localstore.QueuedOperation {
	return localstore.QueuedOperation{
		ID:     id,
		Method: http.MethodPost,
		Path:   "/api/attendance",
	}
}

func TestEnqueueAppliesImmediatelyWhenOnline(t *testing.T) {
	store := &memoryOutbox{}
	q := testQueue(t, store, &executorEmulator{}, Options{})

	outcome, err := q.Enqueue(context.Background(), op("op-1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if outcome != Applied {
		t.Fatalf("expected Applied, got %v", outcome)
	}
	if store.len() != 0 {
		t.Fatalf("applied operation must leave the queue, %d left", store.len())
	}
}

func TestEnqueueKeepsOperationOnConnectivityFailure(t *testing.T) {
	store := &memoryOutbox{}
	exec := &executorEmulator{failWith: map[string][]error{"op-1": {errUnreachable}}}
	q := testQueue(t, store, exec, Options{})

	outcome, err := q.Enqueue(context.Background(), op("op-1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if outcome != Queued {
		t.Fatalf("expected Queued, got %v", outcome)
	}
	if store.len() != 1 {
		t.Fatalf("operation must stay queued, %d in store", store.len())
	}
}

func TestEnqueueDropsRejectedOperation(t *testing.T) {
	store := &memoryOutbox{}
	exec := &executorEmulator{failWith: map[string][]error{
		"op-1": {&RejectionError{StatusCode: 422, Body: "late submission"}},
	}}
	var dropped []string
	q := testQueue(t, store, exec, Options{
		OnDrop: func(op localstore.QueuedOperation, _ error) { dropped = append(dropped, op.ID) },
	})

	outcome, err := q.Enqueue(context.Background(), op("op-1"))
	if outcome != Rejected {
		t.Fatalf("expected Rejected, got %v", outcome)
	}
	var rejection *RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("expected the rejection surfaced, got %v", err)
	}
	if store.len() != 0 {
		t.Fatal("rejected operation must not stay queued")
	}
	if len(dropped) != 1 || dropped[0] != "op-1" {
		t.Fatalf("drop hook not invoked: %v", dropped)
	}
}

func TestReplayDeliversInEnqueueOrder(t *testing.T) {
	store := &memoryOutbox{}
	exec := &executorEmulator{}
	q := testQueue(t, store, exec, Options{})
	ctx := context.Background()

	for _, id := range []string{"op-1", "op-2", "op-3"} {
		store.EnqueueOperation(ctx, op(id))
	}

	report, err := q.ReplayAll(ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if report.Replayed != 3 || report.Dropped != 0 || report.Remaining != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	got := exec.order()
	want := []string{"op-1", "op-2", "op-3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("out of order delivery: %v", got)
		}
	}
	if store.len() != 0 {
		t.Fatalf("replayed operations must leave the queue, %d left", store.len())
	}
}

func TestReplayRejectionDoesNotBlockLaterOperations(t *testing.T) {
	store := &memoryOutbox{}
	exec := &executorEmulator{failWith: map[string][]error{
		"op-2": {&RejectionError{StatusCode: 409, Body: "conflict"}},
	}}
	q := testQueue(t, store, exec, Options{})
	ctx := context.Background()

	for _, id := range []string{"op-1", "op-2", "op-3"} {
		store.EnqueueOperation(ctx, op(id))
	}

	report, err := q.ReplayAll(ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if report.Replayed != 2 || report.Dropped != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if got := exec.order(); len(got) != 3 || got[2] != "op-3" {
		t.Fatalf("op-3 must still be delivered: %v", got)
	}
}

func TestReplayStopsOnConnectivityFailure(t *testing.T) {
	store := &memoryOutbox{}
	exec := &executorEmulator{failWith: map[string][]error{
		"op-2": {errUnreachable},
	}}
	q := testQueue(t, store, exec, Options{})
	ctx := context.Background()

	for _, id := range []string{"op-1", "op-2", "op-3"} {
		store.EnqueueOperation(ctx, op(id))
	}

	report, err := q.ReplayAll(ctx)
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	if report.Replayed != 1 || report.Remaining != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	// op-3 was never attempted ahead of op-2.
	if got := exec.order(); len(got) != 2 {
		t.Fatalf("replay must stop at the failure: %v", got)
	}
	if store.len() != 2 {
		t.Fatalf("expected op-2 and op-3 still queued, %d in store", store.len())
	}
}

func TestReplayGivesUpAfterMaxAttempts(t *testing.T) {
	store := &memoryOutbox{}
	exec := &executorEmulator{failWith: map[string][]error{
		"op-1": {errUnreachable, errUnreachable},
	}}
	var dropped []string
	q := testQueue(t, store, exec, Options{
		MaxAttempts: 2,
		OnDrop:      func(op localstore.QueuedOperation, _ error) { dropped = append(dropped, op.ID) },
	})
	ctx := context.Background()

	store.EnqueueOperation(ctx, op("op-1"))

	if _, err := q.ReplayAll(ctx); !errors.Is(err, ErrOffline) {
		t.Fatalf("first pass should defer, got %v", err)
	}

	report, err := q.ReplayAll(ctx)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if report.Dropped != 1 {
		t.Fatalf("expected the operation given up, got %+v", report)
	}
	if len(dropped) != 1 || dropped[0] != "op-1" {
		t.Fatalf("drop hook not invoked: %v", dropped)
	}
	if store.len() != 0 {
		t.Fatal("given-up operation must leave the queue")
	}
}

func TestRunReplaysOnOnlineSignal(t *testing.T) {
	store := &memoryOutbox{}
	exec := &executorEmulator{}
	q := testQueue(t, store, exec, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store.EnqueueOperation(ctx, op("op-1"))

	online := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		q.Run(ctx, online)
		close(done)
	}()

	online <- struct{}{}

	deadline := time.After(time.Second)
	for store.len() != 0 {
		select {
		case <-deadline:
			t.Fatal("online signal never triggered a replay")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestIsConnectivityErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"net error", errUnreachable, true},
		{"url error", &url.Error{Op: "Post", URL: "http://portal", Err: errors.New("refused")}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"rejection", &RejectionError{StatusCode: 400}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isConnectivityErr(tt.err); got != tt.want {
				t.Fatalf("isConnectivityErr(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestHTTPExecutorVerdicts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Idempotency-Key") == "" {
			t.Error("missing idempotency key")
		}
		switch r.URL.Path {
		case "/api/ok":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "window closed", http.StatusUnprocessableEntity)
		}
	}))
	defer server.Close()

	exec := NewHTTPExecutor(server.URL)
	ctx := context.Background()

	okOp := localstore.QueuedOperation{ID: "op-ok", Method: http.MethodPost, Path: "/api/ok"}
	if err := exec.Execute(ctx, okOp); err != nil {
		t.Fatalf("2xx must apply: %v", err)
	}

	badOp := localstore.QueuedOperation{ID: "op-bad", Method: http.MethodPost, Path: "/api/bad"}
	err := exec.Execute(ctx, badOp)
	var rejection *RejectionError
	if !errors.As(err, &rejection) || rejection.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected a 422 rejection, got %v", err)
	}
	if isConnectivityErr(err) {
		t.Fatal("a portal verdict is not a connectivity failure")
	}

	server.Close()
	downOp := localstore.QueuedOperation{ID: "op-down", Method: http.MethodPost, Path: "/api/ok"}
	err = exec.Execute(ctx, downOp)
	if err == nil || !isConnectivityErr(err) {
		t.Fatalf("expected a connectivity failure, got %v", err)
	}
}
