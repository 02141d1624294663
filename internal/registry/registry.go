package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/opencampus/pushsync/internal/logger"
)

var (
	// ErrInvalidToken is returned when a token string is empty or shorter
	// than the configured minimum. Rejected before any row is written.
	ErrInvalidToken = errors.New("invalid device token")

	// ErrEmptyTarget is returned when a filter names no targeting field.
	// This is a programmer error on the caller's side, never a delivery
	// outcome.
	ErrEmptyTarget = errors.New("empty token filter")
)

// Registry persists device tokens in Postgres. All writes are keyed by
// the unique token string and commutative, so no cross-request locking
// is needed: re-registering or re-deleting an absent token is a no-op.
type Registry struct {
	db             *sql.DB
	logger         *logger.Logger
	minTokenLength int
}

// New creates a registry over an open database handle.
func New(db *sql.DB, log *logger.Logger, minTokenLength int) *Registry {
	return &Registry{
		db:             db,
		logger:         log.WithComponent("token-registry"),
		minTokenLength: minTokenLength,
	}
}

// Register upserts a device token by token string. If the token already
// exists, ownership and metadata are reassigned to the caller: a device
// that logs in as a new user must not keep delivering to the old owner.
// The row always comes back active with a fresh last_used_at, so
// duplicate registration is idempotent rather than an error.
func (r *Registry) Register(ctx context.Context, userID, tokenString string, meta Meta) (*DeviceToken, error) {
	if len(tokenString) < r.minTokenLength {
		return nil, fmt.Errorf("%w: token length %d below minimum %d", ErrInvalidToken, len(tokenString), r.minTokenLength)
	}
	if userID == "" {
		return nil, errors.New("user ID is required")
	}

	topics := meta.Topics
	if topics == nil {
		topics = []string{}
	}

	now := time.Now().UTC()
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO device_tokens (id, user_id, token_string, role, college_id, topics, active, last_used_at, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, TRUE, $7, $7)
		ON CONFLICT (token_string) DO UPDATE SET
			user_id      = EXCLUDED.user_id,
			role         = EXCLUDED.role,
			college_id   = EXCLUDED.college_id,
			topics       = EXCLUDED.topics,
			active       = TRUE,
			last_used_at = EXCLUDED.last_used_at
		RETURNING id, user_id, token_string, role, COALESCE(college_id, ''), topics, active, last_used_at, created_at`,
		uuid.New().String(), userID, tokenString, meta.Role, meta.CollegeID, pq.Array(topics), now,
	)

	var dt DeviceToken
	var topicsOut pq.StringArray
	if err := row.Scan(&dt.ID, &dt.UserID, &dt.TokenString, &dt.Role, &dt.CollegeID, &topicsOut, &dt.Active, &dt.LastUsedAt, &dt.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to register token: %w", err)
	}
	dt.Topics = topicsOut

	r.logger.Debug("registered device token",
		slog.String("user_id", dt.UserID),
		slog.String("token_id", dt.ID))

	return &dt, nil
}

// DeactivateAll flips every token of the user to inactive. Rows are kept
// for audit and re-activation; only the pruner hard-deletes.
func (r *Registry) DeactivateAll(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, errors.New("user ID is required")
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE device_tokens SET active = FALSE WHERE user_id = $1 AND active`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate tokens: %w", err)
	}

	n, _ := res.RowsAffected()
	r.logger.Info("deactivated device tokens",
		slog.String("user_id", userID),
		slog.Int64("count", n))
	return n, nil
}

// ListActive returns the token strings of active rows matching the
// filter. Returns ErrEmptyTarget when no targeting field is set.
func (r *Registry) ListActive(ctx context.Context, f Filter) ([]string, error) {
	if f.Empty() {
		return nil, ErrEmptyTarget
	}

	query := `SELECT token_string FROM device_tokens WHERE active`
	var args []interface{}

	switch {
	case f.UserID != "":
		query += ` AND user_id = $1`
		args = append(args, f.UserID)
	case f.CollegeID != "" && f.Role != "":
		query += ` AND college_id = $1 AND role = $2`
		args = append(args, f.CollegeID, f.Role)
	case f.CollegeID != "":
		query += ` AND college_id = $1`
		args = append(args, f.CollegeID)
	default:
		query += ` AND role = $1`
		args = append(args, f.Role)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list active tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// DeleteTokens hard-deletes rows by exact token string in one bulk
// statement. This is the pruner's operation: the provider has confirmed
// these tokens are dead, so there is nothing left to audit.
func (r *Registry) DeleteTokens(ctx context.Context, tokenStrings []string) (int64, error) {
	if len(tokenStrings) == 0 {
		return 0, nil
	}

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM device_tokens WHERE token_string = ANY($1)`, pq.Array(tokenStrings))
	if err != nil {
		return 0, fmt.Errorf("failed to delete tokens: %w", err)
	}

	n, _ := res.RowsAffected()
	r.logger.Info("pruned dead device tokens", slog.Int64("count", n))
	return n, nil
}

// DeleteStaleInactive removes inactive rows whose last use is older than
// the horizon. Keeps the audit window bounded without touching anything
// a user could still re-activate soon.
func (r *Registry) DeleteStaleInactive(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM device_tokens WHERE NOT active AND last_used_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale tokens: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		r.logger.Info("swept stale inactive tokens", slog.Int64("count", n))
	}
	return n, nil
}
