// The agent is the device-side half of the push pipeline: a background
// receiver that renders pushes and keeps the durable backlog, a
// foreground surface that shows notifications exactly once, and the
// offline queue that replays portal mutations when connectivity
// returns. With no NATS URL configured the bridge runs in-process.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opencampus/pushsync/internal/bridge"
	"github.com/opencampus/pushsync/internal/config"
	"github.com/opencampus/pushsync/internal/localstore"
	"github.com/opencampus/pushsync/internal/logger"
	"github.com/opencampus/pushsync/internal/offline"
	"github.com/opencampus/pushsync/internal/receiver"
	"github.com/opencampus/pushsync/internal/surface"
)

// logPresenter stands in for the platform notification surface on
// headless installs.
type logPresenter struct {
	log *logger.Logger
}

func (p *logPresenter) Show(n receiver.Rendered) {
	p.log.Info("notification rendered",
		slog.String("notification_id", n.Notification.ID),
		slog.String("title", n.Notification.Title),
		slog.String("tag", n.Tag))
}

func main() {
	config.LoadConfig()

	log := logger.New(logger.FromConfig(config.AppConfig.LogLevel, config.AppConfig.LogFormat))
	tuning := config.AppConfig.Tuning

	// Open the durable local store.
	store, err := localstore.Open(config.AppConfig.AgentStorePath, config.AppConfig.AgentStorePoolSize, log)
	if err != nil {
		log.Error("Failed to open local store", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	// Bridge transport: NATS when configured, in-process otherwise.
	var conn bridge.Conn
	if config.AppConfig.NatsURL != "" {
		nc, err := nats.Connect(config.AppConfig.NatsURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			log.Error("Failed to connect to NATS", slog.Any("error", err))
			os.Exit(1)
		}
		defer nc.Close()
		conn = bridge.NewNATSConn(nc)
		log.Info("bridge over NATS", slog.String("url", config.AppConfig.NatsURL))
	} else {
		conn = bridge.NewMemoryConn()
		log.Info("bridge in-process")
	}
	subjects := bridge.NewSubjects(config.AppConfig.BridgeScope)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background receiver.
	recv := receiver.New(conn, subjects, store, &logPresenter{log: log}, log, receiver.Options{
		AckTimeout: time.Duration(tuning.RelayAckTimeoutMillis) * time.Millisecond,
	})
	if err := recv.Start(ctx); err != nil {
		log.Error("Failed to start background receiver", slog.Any("error", err))
		os.Exit(1)
	}
	defer recv.Stop()

	// Foreground surface.
	pane := surface.New(conn, subjects, store, log, surface.Options{
		DedupWindow:       time.Duration(tuning.DedupWindowSeconds) * time.Second,
		TransientLifetime: time.Duration(tuning.TransientLifetimeSeconds) * time.Second,
		SyncRetryDelay:    time.Duration(tuning.SyncRetryDelayMillis) * time.Millisecond,
		ResubscribeMin:    time.Duration(tuning.SubscribeBackoffMillis) * time.Millisecond,
		ResubscribeMax:    time.Duration(tuning.SubscribeBackoffMaxMs) * time.Millisecond,
	})
	pane.Start(ctx)
	defer pane.Stop()

	// Offline mutation queue, replayed on connectivity transitions.
	queue := offline.New(store, offline.NewHTTPExecutor(config.AppConfig.PortalBaseURL), log, offline.Options{
		MaxAttempts: tuning.ReplayMaxAttempts,
		RetryDelay:  time.Duration(tuning.SyncRetryDelayMillis) * time.Millisecond,
	})
	online := make(chan struct{}, 1)
	go watchConnectivity(ctx, config.AppConfig.PortalBaseURL, online, log)
	go queue.Run(ctx, online)

	log.Info("agent running", slog.String("scope", config.AppConfig.BridgeScope))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down agent...")
}

// watchConnectivity probes the portal and signals offline-to-online
// transitions. The first successful probe also counts, so anything
// queued before startup replays immediately.
func watchConnectivity(ctx context.Context, portalURL string, online chan<- struct{}, log *logger.Logger) {
	client := &http.Client{Timeout: 5 * time.Second}
	wasOnline := false

	probe := func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, portalURL, nil)
		if err != nil {
			return
		}
		resp, err := client.Do(req)
		if err != nil {
			if wasOnline {
				log.Warn("portal unreachable", slog.Any("error", err))
			}
			wasOnline = false
			return
		}
		resp.Body.Close()
		if !wasOnline {
			select {
			case online <- struct{}{}:
			default:
			}
		}
		wasOnline = true
	}

	probe()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}
