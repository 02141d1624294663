// Package localstore is the agent's durable storage: the receiver's
// notification backlog, the append-only notification history, and the
// offline mutation outbox all live in one SQLite file. Everything here
// must survive a process restart — a push persisted to backlog while no
// session was reachable is only allowed to disappear after a session
// has durably recorded it and said so.
package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/opencampus/pushsync/internal/bridge"
	"github.com/opencampus/pushsync/internal/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS backlog (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL,
	payload TEXT NOT NULL,
	received_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS history (
	id TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	recorded_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	method TEXT NOT NULL,
	path TEXT NOT NULL,
	payload TEXT NOT NULL,
	enqueued_at INTEGER NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0
);
`

// Store is a fixed-size pool of SQLite connections over the agent's
// local database. Safe for concurrent use; individual connections are
// taken per call and returned when done.
type Store struct {
	pool   *sqlitex.Pool
	logger *logger.Logger
}

// Open creates or opens the store at path. Use ":memory:" in tests; the
// pool size is forced to 1 there since each in-memory connection is an
// independent database.
func Open(path string, poolSize int, log *logger.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("localstore: path is required")
	}
	if poolSize <= 0 {
		poolSize = 4
	}
	dsn := path
	if path == ":memory:" {
		// sqlitex.NewPool rejects the bare ":memory:" path and directs
		// callers to the shared-cache URI form instead.
		poolSize = 1
		dsn = "file::memory:?mode=memory&cache=shared"
	}

	pool, err := sqlitex.NewPool(dsn, sqlitex.PoolOptions{PoolSize: poolSize})
	if err != nil {
		return nil, fmt.Errorf("localstore: failed to open %s: %w", path, err)
	}

	s := &Store{pool: pool, logger: log.WithComponent("localstore")}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("localstore: failed to take connection: %w", err)
	}
	defer pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		pool.Close()
		return nil, fmt.Errorf("localstore: failed to apply schema: %w", err)
	}

	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("localstore: failed to take connection: %w", err)
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// AppendBacklog stores a notification that no session could receive.
// Order of arrival is preserved for the next sync.
func (s *Store) AppendBacklog(ctx context.Context, n bridge.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("localstore: failed to encode notification: %w", err)
	}

	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO backlog (id, payload, received_at) VALUES (?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{n.ID, string(payload), time.Now().UnixMilli()},
			})
	})
}

// ListBacklog returns the queued notifications in arrival order.
func (s *Store) ListBacklog(ctx context.Context) ([]bridge.Notification, error) {
	var out []bridge.Notification
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT payload FROM backlog ORDER BY seq`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					var n bridge.Notification
					if err := json.Unmarshal([]byte(stmt.ColumnText(0)), &n); err != nil {
						return fmt.Errorf("localstore: corrupt backlog row: %w", err)
					}
					out = append(out, n)
					return nil
				},
			})
	})
	return out, err
}

// ClearBacklog purges the backlog. Called only on an explicit
// CLEAR_NOTIFICATIONS after a session recorded the synced batch.
func (s *Store) ClearBacklog(ctx context.Context) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `DELETE FROM backlog`, nil)
	})
}

// RecordHistory appends a notification to the permanent history. The
// insert is idempotent on id, so redundant delivery paths collapse to
// one entry.
func (s *Store) RecordHistory(ctx context.Context, n bridge.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("localstore: failed to encode notification: %w", err)
	}

	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT OR IGNORE INTO history (id, payload, recorded_at) VALUES (?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{n.ID, string(payload), time.Now().UnixMilli()},
			})
	})
}

// ListHistory returns the recorded history, newest last.
func (s *Store) ListHistory(ctx context.Context) ([]bridge.Notification, error) {
	var out []bridge.Notification
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT payload FROM history ORDER BY recorded_at, id`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					var n bridge.Notification
					if err := json.Unmarshal([]byte(stmt.ColumnText(0)), &n); err != nil {
						return fmt.Errorf("localstore: corrupt history row: %w", err)
					}
					out = append(out, n)
					return nil
				},
			})
	})
	return out, err
}
