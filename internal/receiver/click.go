package receiver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opencampus/pushsync/internal/bridge"
)

// SessionIndex is the receiver's view of open portal sessions. Focus
// brings an existing session for the URL to the front and reports
// whether one was found; Open creates a fresh one.
type SessionIndex interface {
	Focus(ctx context.Context, url string) (bool, error)
	Open(ctx context.Context, url string) error
}

// ClickResult reports how a notification click was resolved.
type ClickResult struct {
	URL     string
	Focused bool
	Opened  bool
}

// HandleClick dismisses the clicked notification and navigates:
// an existing session for the target URL is focused, otherwise a new
// one opens. Never both.
func (r *Receiver) HandleClick(ctx context.Context, n bridge.Notification, sessions SessionIndex) (ClickResult, error) {
	log := r.logger.WithContext(ctx)
	result := ClickResult{URL: n.URL()}

	focused, err := sessions.Focus(ctx, result.URL)
	if err != nil {
		return result, fmt.Errorf("failed to focus session for %s: %w", result.URL, err)
	}
	if focused {
		result.Focused = true
		log.Debug("click focused existing session", slog.String("url", result.URL))
		return result, nil
	}

	if err := sessions.Open(ctx, result.URL); err != nil {
		return result, fmt.Errorf("failed to open session for %s: %w", result.URL, err)
	}
	result.Opened = true
	log.Debug("click opened new session", slog.String("url", result.URL))
	return result, nil
}
