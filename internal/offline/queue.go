// Package offline queues portal mutations issued without connectivity
// and replays them in order once the network returns. Persistence comes
// first: an operation is on disk before its first delivery attempt, so
// a crash mid-attempt loses nothing.
package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opencampus/pushsync/internal/localstore"
	"github.com/opencampus/pushsync/internal/logger"
)

// ErrOffline reports that a replay pass stopped because the network is
// still unreachable. Queued operations stay put.
var ErrOffline = errors.New("network unreachable, replay deferred")

// outboxStore is the slice of the local store the queue uses.
type outboxStore interface {
	EnqueueOperation(ctx context.Context, op localstore.QueuedOperation) error
	ListOperations(ctx context.Context) ([]localstore.QueuedOperation, error)
	DeleteOperation(ctx context.Context, id string) error
	IncrementAttempts(ctx context.Context, id string) (int, error)
}

// Executor delivers one queued operation to the portal. A nil return
// means applied; a connectivity error keeps the operation queued; any
// other error rejects it permanently.
type Executor interface {
	Execute(ctx context.Context, op localstore.QueuedOperation) error
}

// Outcome is how an enqueued operation fared on its immediate attempt.
type Outcome int

const (
	// Applied: delivered right away, nothing left queued.
	Applied Outcome = iota
	// Queued: connectivity failure, waiting for replay.
	Queued
	// Rejected: the portal refused the operation, it was dropped.
	Rejected
)

// Report summarizes one replay pass.
type Report struct {
	Replayed  int
	Dropped   int
	Remaining int
}

// Options tunes the queue.
type Options struct {
	// MaxAttempts is the replay give-up threshold per operation.
	MaxAttempts int
	// RetryDelay is the wait before the runner retries after a replay
	// pass stopped on connectivity.
	RetryDelay time.Duration
	// OnDrop, when set, is invoked for every operation removed without
	// being applied.
	OnDrop func(op localstore.QueuedOperation, cause error)
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 1500 * time.Millisecond
	}
}

// Queue is the offline mutation queue.
type Queue struct {
	store  outboxStore
	exec   Executor
	logger *logger.Logger
	opts   Options

	// replayMu serializes replay passes so two online signals cannot
	// interleave deliveries out of order.
	replayMu sync.Mutex
}

// New creates a queue.
func New(store outboxStore, exec Executor, log *logger.Logger, opts Options) *Queue {
	opts.applyDefaults()
	return &Queue{
		store:  store,
		exec:   exec,
		logger: log.WithComponent("offline-queue"),
		opts:   opts,
	}
}

// Enqueue persists the operation, then attempts immediate delivery.
// The returned error is non-nil only when persisting failed or the
// portal rejected the operation.
func (q *Queue) Enqueue(ctx context.Context, op localstore.QueuedOperation) (Outcome, error) {
	if err := q.store.EnqueueOperation(ctx, op); err != nil {
		return Queued, fmt.Errorf("failed to persist operation %s: %w", op.ID, err)
	}

	err := q.exec.Execute(ctx, op)
	switch {
	case err == nil:
		if err := q.store.DeleteOperation(ctx, op.ID); err != nil {
			// Already applied; a replay will hit the portal's own
			// idempotency, so log and move on.
			q.logger.Warn("applied operation still queued",
				slog.String("operation_id", op.ID),
				slog.String("error", err.Error()))
		}
		return Applied, nil

	case isConnectivityErr(err):
		q.logger.Info("operation queued for replay",
			slog.String("operation_id", op.ID),
			slog.String("path", op.Path))
		return Queued, nil

	default:
		q.drop(ctx, op, err)
		return Rejected, err
	}
}

// ReplayAll delivers queued operations strictly in enqueue order. A
// connectivity failure stops the pass with ErrOffline so order is
// preserved for the next one; a rejection drops that operation and
// continues, so one poisoned mutation cannot wedge the queue.
func (q *Queue) ReplayAll(ctx context.Context) (Report, error) {
	q.replayMu.Lock()
	defer q.replayMu.Unlock()

	ops, err := q.store.ListOperations(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list queued operations: %w", err)
	}

	var report Report
	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			report.Remaining = len(ops) - i
			return report, err
		}

		err := q.exec.Execute(ctx, op)
		switch {
		case err == nil:
			if delErr := q.store.DeleteOperation(ctx, op.ID); delErr != nil {
				q.logger.Warn("replayed operation still queued",
					slog.String("operation_id", op.ID),
					slog.String("error", delErr.Error()))
			}
			report.Replayed++

		case isConnectivityErr(err):
			attempts, incErr := q.store.IncrementAttempts(ctx, op.ID)
			if incErr != nil {
				q.logger.Error("failed to count replay attempt",
					slog.String("operation_id", op.ID),
					slog.String("error", incErr.Error()))
			}
			if attempts >= q.opts.MaxAttempts {
				q.drop(ctx, op, fmt.Errorf("gave up after %d attempts: %w", attempts, err))
				report.Dropped++
				continue
			}
			report.Remaining = len(ops) - i
			return report, ErrOffline

		default:
			q.drop(ctx, op, err)
			report.Dropped++
		}
	}

	return report, nil
}

// drop removes an operation that will never be applied, leaving an
// error marker in the log and notifying the drop hook.
func (q *Queue) drop(ctx context.Context, op localstore.QueuedOperation, cause error) {
	if err := q.store.DeleteOperation(ctx, op.ID); err != nil {
		q.logger.Error("failed to remove rejected operation",
			slog.String("operation_id", op.ID),
			slog.String("error", err.Error()))
	}
	q.logger.Error("operation dropped without being applied",
		slog.String("operation_id", op.ID),
		slog.String("method", op.Method),
		slog.String("path", op.Path),
		slog.String("cause", cause.Error()))
	if q.opts.OnDrop != nil {
		q.opts.OnDrop(op, cause)
	}
}

// Run replays on every online signal until ctx ends. A pass that stops
// on connectivity is retried after RetryDelay without waiting for the
// next signal.
func (q *Queue) Run(ctx context.Context, online <-chan struct{}) {
	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-online:
			if !ok {
				return
			}
		case <-retry:
		}
		retry = nil

		report, err := q.ReplayAll(ctx)
		if errors.Is(err, ErrOffline) {
			q.logger.Debug("replay deferred",
				slog.Int("remaining", report.Remaining),
				slog.Duration("retry_in", q.opts.RetryDelay))
			retry = time.After(q.opts.RetryDelay)
			continue
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Error("replay pass failed", slog.String("error", err.Error()))
			continue
		}
		if report.Replayed > 0 || report.Dropped > 0 {
			q.logger.Info("replay pass finished",
				slog.Int("replayed", report.Replayed),
				slog.Int("dropped", report.Dropped))
		}
	}
}
