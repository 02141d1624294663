package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/opencampus/pushsync/internal/dispatch"
	"github.com/opencampus/pushsync/internal/logger"
	"github.com/opencampus/pushsync/internal/registry"
)

// Target selects who receives a notification: a single user, a college
// (optionally narrowed by role), or a role across all colleges.
type Target struct {
	UserID    string `json:"userId,omitempty"`
	CollegeID string `json:"collegeId,omitempty"`
	Role      string `json:"role,omitempty"`
}

// tokenRegistry is the slice of the registry the service uses.
type tokenRegistry interface {
	Register(ctx context.Context, userID, tokenString string, meta registry.Meta) (*registry.DeviceToken, error)
	DeactivateAll(ctx context.Context, userID string) (int64, error)
	ListActive(ctx context.Context, f registry.Filter) ([]string, error)
	DeleteTokens(ctx context.Context, tokenStrings []string) (int64, error)
}

// dispatcher is the slice of the multicast dispatcher the service uses.
type dispatcher interface {
	Send(ctx context.Context, tokens []string, msg dispatch.Message) (dispatch.Result, error)
}

// RetryPolicy bounds the registration retry. Registration hits the
// database once per device login, and a transient failure there would
// otherwise silence the device until the next login.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// Service is the push surface exposed to the portal CRUD layer.
// Delivery-path errors never propagate out of Notify; the only error a
// caller can see is a missing target, which is a bug on their side.
type Service struct {
	registry   tokenRegistry
	dispatcher dispatcher
	logger     *logger.Logger
	retry      RetryPolicy
}

// NewService wires the registry and dispatcher together.
func NewService(reg tokenRegistry, disp dispatcher, log *logger.Logger, retry RetryPolicy) *Service {
	if retry.Attempts <= 0 {
		retry.Attempts = 1
	}
	return &Service{
		registry:   reg,
		dispatcher: disp,
		logger:     log.WithComponent("notify"),
		retry:      retry,
	}
}

// Subscribe registers a device token for the user. Transient registry
// failures are retried under the explicit policy; a malformed token is
// rejected immediately without retry.
func (s *Service) Subscribe(ctx context.Context, userID, tokenString string, meta registry.Meta) (*registry.DeviceToken, error) {
	var lastErr error
	for attempt := 1; attempt <= s.retry.Attempts; attempt++ {
		dt, err := s.registry.Register(ctx, userID, tokenString, meta)
		if err == nil {
			return dt, nil
		}
		if errors.Is(err, registry.ErrInvalidToken) {
			return nil, err
		}
		lastErr = err
		if attempt < s.retry.Attempts {
			s.logger.Warn("token registration failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			select {
			case <-time.After(s.retry.Delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// UnsubscribeAll deactivates every token of the user.
func (s *Service) UnsubscribeAll(ctx context.Context, userID string) (int64, error) {
	return s.registry.DeactivateAll(ctx, userID)
}

// Notify fans the message out to the target's active tokens and prunes
// any tokens the provider reported dead. The returned bool is the only
// delivery signal: push is a best-effort channel and individual
// failures stay silent. The error is non-nil only for an empty target,
// which is a programmer error, not a delivery outcome.
func (s *Service) Notify(ctx context.Context, target Target, title, body string, data map[string]string) (bool, error) {
	filter := registry.Filter{
		UserID:    target.UserID,
		CollegeID: target.CollegeID,
		Role:      target.Role,
	}

	log := s.logger.WithContext(ctx)

	tokens, err := s.registry.ListActive(ctx, filter)
	if err != nil {
		if errors.Is(err, registry.ErrEmptyTarget) {
			return false, err
		}
		log.Error("token lookup failed", slog.String("error", err.Error()))
		return false, nil
	}

	result, err := s.dispatcher.Send(ctx, tokens, dispatch.Message{
		Title: title,
		Body:  body,
		Data:  data,
	})
	if err != nil {
		log.Error("dispatch aborted", slog.String("error", err.Error()))
		return false, nil
	}

	// Pruning is a cleanup side effect in the same unit of work, not a
	// hard dependency: the dispatch result stands whether or not the
	// delete succeeds.
	if len(result.Invalid) > 0 {
		pruned, err := s.registry.DeleteTokens(ctx, result.Invalid)
		if err != nil {
			log.Error("failed to prune dead tokens",
				slog.Int("dead", len(result.Invalid)),
				slog.String("error", err.Error()))
		} else {
			dispatch.PrunedTotal.Add(float64(pruned))
		}
	}

	log.Info("notify complete",
		slog.Int("tokens", len(tokens)),
		slog.Int("sent", result.SuccessCount),
		slog.Int("pruned", len(result.Invalid)))

	return true, nil
}
