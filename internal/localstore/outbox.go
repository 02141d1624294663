package localstore

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// QueuedOperation is one write captured while offline. The ID doubles
// as the idempotency key: every replay of this row sends the same ID,
// so the server can collapse duplicates if a replay result is lost.
type QueuedOperation struct {
	ID         string
	Method     string
	Path       string
	Payload    []byte
	EnqueuedAt time.Time
	Attempts   int
}

// EnqueueOperation persists an operation before its first network
// attempt. Re-enqueueing the same ID is a no-op.
func (s *Store) EnqueueOperation(ctx context.Context, op QueuedOperation) error {
	if op.ID == "" {
		return fmt.Errorf("localstore: operation ID is required")
	}
	enqueuedAt := op.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now()
	}

	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT OR IGNORE INTO outbox (id, method, path, payload, enqueued_at, attempts)
			 VALUES (?, ?, ?, ?, ?, 0)`,
			&sqlitex.ExecOptions{
				Args: []any{op.ID, op.Method, op.Path, string(op.Payload), enqueuedAt.UnixMilli()},
			})
	})
}

// ListOperations returns every queued operation in enqueue order.
func (s *Store) ListOperations(ctx context.Context) ([]QueuedOperation, error) {
	var out []QueuedOperation
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT id, method, path, payload, enqueued_at, attempts FROM outbox ORDER BY seq`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = append(out, QueuedOperation{
						ID:         stmt.ColumnText(0),
						Method:     stmt.ColumnText(1),
						Path:       stmt.ColumnText(2),
						Payload:    []byte(stmt.ColumnText(3)),
						EnqueuedAt: time.UnixMilli(stmt.ColumnInt64(4)),
						Attempts:   stmt.ColumnInt(5),
					})
					return nil
				},
			})
	})
	return out, err
}

// DeleteOperation removes an operation after confirmed replay success,
// or when it is given up on. Deleting an absent ID is a no-op.
func (s *Store) DeleteOperation(ctx context.Context, id string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`DELETE FROM outbox WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{id}})
	})
}

// IncrementAttempts bumps the attempt counter and returns the new value.
func (s *Store) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn,
			`UPDATE outbox SET attempts = attempts + 1 WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{id}}); err != nil {
			return err
		}
		return sqlitex.Execute(conn,
			`SELECT attempts FROM outbox WHERE id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{id},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					attempts = stmt.ColumnInt(0)
					return nil
				},
			})
	})
	return attempts, err
}
