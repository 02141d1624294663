package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opencampus/pushsync/internal/logger"
	"github.com/opencampus/pushsync/internal/registry"
)

// StartSweeper schedules the stale-token sweep: inactive rows unused
// past the horizon are hard-deleted so the audit window stays bounded.
// Returns the running cron so the caller can stop it on shutdown.
func StartSweeper(reg *registry.Registry, log *logger.Logger, schedule string, horizon time.Duration) (*cron.Cron, error) {
	sweepLog := log.WithComponent("token-sweeper")

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		n, err := reg.DeleteStaleInactive(ctx, horizon)
		if err != nil {
			sweepLog.Error("stale token sweep failed", slog.String("error", err.Error()))
			return
		}
		sweepLog.Info("stale token sweep complete", slog.Int64("deleted", n))
	})
	if err != nil {
		return nil, err
	}

	c.Start()
	sweepLog.Info("stale token sweeper scheduled",
		slog.String("schedule", schedule),
		slog.Duration("horizon", horizon))
	return c, nil
}
