// Package surface is the foreground session's notification pane. Every
// delivery channel — direct foreground pushes, live bridge relays, and
// synced backlog batches — funnels through one dedup gate, so a
// notification that raced across channels is shown exactly once per
// reprocess window.
package surface

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opencampus/pushsync/internal/bridge"
	"github.com/opencampus/pushsync/internal/logger"
)

// historyStore is the slice of the local store the surface writes.
type historyStore interface {
	RecordHistory(ctx context.Context, n bridge.Notification) error
}

// Entry is one transient notification visible in the pane.
type Entry struct {
	Notification bridge.Notification
	ShownAt      time.Time
}

// Options tunes the surface. Zero values fall back to defaults.
type Options struct {
	// DedupWindow is how long a processed notification ID blocks
	// re-display. After it elapses the same ID may be shown again.
	DedupWindow time.Duration
	// TransientLifetime is how long an entry stays visible.
	TransientLifetime time.Duration
	// SyncRetryDelay is the wait before the single retry of the
	// startup sync request when no receiver answered.
	SyncRetryDelay time.Duration
	// ResubscribeMin/Max bound the backoff between subscription
	// attempts on the bridge.
	ResubscribeMin time.Duration
	ResubscribeMax time.Duration
	// JanitorInterval is how often expired entries are swept.
	JanitorInterval time.Duration
	// OnNotification, when set, is invoked for every notification that
	// passes the dedup gate.
	OnNotification func(n bridge.Notification)
}

func (o *Options) applyDefaults() {
	if o.DedupWindow <= 0 {
		o.DedupWindow = 5 * time.Second
	}
	if o.TransientLifetime <= 0 {
		o.TransientLifetime = 10 * time.Second
	}
	if o.SyncRetryDelay <= 0 {
		o.SyncRetryDelay = 1500 * time.Millisecond
	}
	if o.ResubscribeMin <= 0 {
		o.ResubscribeMin = 250 * time.Millisecond
	}
	if o.ResubscribeMax <= 0 {
		o.ResubscribeMax = 10 * time.Second
	}
	if o.JanitorInterval <= 0 {
		o.JanitorInterval = time.Second
	}
}

// Surface owns the foreground notification pane.
type Surface struct {
	conn     bridge.Conn
	subjects bridge.Subjects
	history  historyStore
	logger   *logger.Logger
	opts     Options

	mu        sync.Mutex
	processed map[string]time.Time
	entries   []Entry

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a surface. history may be nil when the session keeps no
// durable record.
func New(conn bridge.Conn, subjects bridge.Subjects, history historyStore, log *logger.Logger, opts Options) *Surface {
	opts.applyDefaults()
	return &Surface{
		conn:      conn,
		subjects:  subjects,
		history:   history,
		logger:    log.WithComponent("foreground-surface"),
		opts:      opts,
		processed: make(map[string]time.Time),
	}
}

// Start brings the surface up: the bridge subscription loop and the
// expiry janitor run until Stop, and a sync request goes out
// immediately to drain whatever accumulated while no session existed.
func (s *Surface) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.subscribeLoop(runCtx)
	go s.janitor(runCtx)

	s.RequestSync(runCtx)
}

// Stop tears the surface down and waits for its goroutines.
func (s *Surface) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Entries returns the currently visible transient notifications,
// newest last.
func (s *Surface) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Deliver feeds a notification that arrived on the direct foreground
// channel through the gate.
func (s *Surface) Deliver(ctx context.Context, n bridge.Notification) bool {
	n.DeliveredVia = bridge.ViaForeground
	if !s.admit(n) {
		return false
	}
	s.record(ctx, n)
	return true
}

// RequestSync asks the receiver for the backlog. A missing receiver is
// normal directly after startup, so one retry is scheduled; anything
// beyond that waits for the next session start.
func (s *Surface) RequestSync(ctx context.Context) {
	if s.requestSyncOnce(ctx) {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.SyncRetryDelay):
		}
		if !s.requestSyncOnce(ctx) {
			s.logger.Warn("sync retry failed, backlog stays with the receiver")
		}
	}()
}

func (s *Surface) requestSyncOnce(ctx context.Context) bool {
	req, err := bridge.Envelope{Type: bridge.TypeRequestSync}.Encode()
	if err != nil {
		return false
	}

	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	reply, err := s.conn.Request(reqCtx, s.subjects.Receiver(), req)
	if err != nil {
		s.logger.Debug("sync request unanswered", slog.String("error", err.Error()))
		return false
	}

	env, err := bridge.Decode(reply)
	if err != nil || env.Type != bridge.TypeSyncNotifications {
		s.logger.Warn("unexpected sync reply", slog.String("type", string(env.Type)))
		return false
	}

	s.absorbBatch(ctx, env.Notifications)
	return true
}

// absorbBatch shows a synced batch and acknowledges it. Every item is
// durably recorded before CLEAR_NOTIFICATIONS goes out; if recording
// fails the clear is withheld and the backlog survives for the next
// sync.
func (s *Surface) absorbBatch(ctx context.Context, batch []bridge.Notification) {
	recordedAll := true
	for _, n := range batch {
		s.admit(n)
		if s.history != nil {
			if err := s.history.RecordHistory(ctx, n); err != nil {
				s.logger.Error("failed to record synced notification",
					slog.String("notification_id", n.ID),
					slog.String("error", err.Error()))
				recordedAll = false
			}
		}
	}

	if len(batch) == 0 || !recordedAll {
		return
	}

	clearMsg, err := bridge.Envelope{Type: bridge.TypeClearNotifications}.Encode()
	if err != nil {
		return
	}
	if err := s.conn.Publish(s.subjects.Receiver(), clearMsg); err != nil {
		s.logger.Warn("failed to acknowledge synced batch", slog.String("error", err.Error()))
		return
	}
	s.logger.Debug("synced batch recorded and acknowledged", slog.Int("count", len(batch)))
}

// subscribeLoop keeps a live subscription on the tab subject. Failures
// retry with capped exponential backoff from a flat loop; there is no
// recursive resubscribe to pile up frames on repeated drops.
func (s *Surface) subscribeLoop(ctx context.Context) {
	defer s.wg.Done()

	backoff := s.opts.ResubscribeMin
	for {
		sub, err := s.conn.Subscribe(s.subjects.Tab(), func(msg *bridge.Msg) {
			s.handleBridge(ctx, msg)
		})
		if err != nil {
			s.logger.Warn("bridge subscription failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > s.opts.ResubscribeMax {
				backoff = s.opts.ResubscribeMax
			}
			continue
		}

		backoff = s.opts.ResubscribeMin
		<-ctx.Done()
		sub.Unsubscribe()
		return
	}
}

// handleBridge processes receiver-originated traffic on the tab
// subject.
func (s *Surface) handleBridge(ctx context.Context, msg *bridge.Msg) {
	env, err := bridge.Decode(msg.Data)
	if err != nil {
		s.logger.Warn("dropping malformed bridge message", slog.String("error", err.Error()))
		return
	}

	switch env.Type {
	case bridge.TypeNotificationReceived:
		if env.Notification == nil {
			return
		}
		// Acknowledge first: the receiver only needs to know a session
		// is alive, dedup is this side's concern.
		if err := msg.Respond([]byte("ok")); err != nil {
			s.logger.Debug("relay ack not delivered", slog.String("error", err.Error()))
		}
		n := *env.Notification
		if s.admit(n) {
			s.record(ctx, n)
		}

	case bridge.TypeSyncNotifications:
		s.absorbBatch(ctx, env.Notifications)

	default:
		s.logger.Warn("unexpected bridge message on tab subject", slog.String("type", string(env.Type)))
	}
}

// admit runs the dedup gate and, on pass, makes the notification
// visible. Returns false when the ID was already processed inside the
// reprocess window.
func (s *Surface) admit(n bridge.Notification) bool {
	now := time.Now()

	s.mu.Lock()
	if seen, ok := s.processed[n.ID]; ok && now.Sub(seen) < s.opts.DedupWindow {
		s.mu.Unlock()
		s.logger.Debug("duplicate notification suppressed",
			slog.String("notification_id", n.ID),
			slog.String("channel", string(n.DeliveredVia)))
		return false
	}
	s.processed[n.ID] = now
	s.entries = append(s.entries, Entry{Notification: n, ShownAt: now})
	s.mu.Unlock()

	if s.opts.OnNotification != nil {
		s.opts.OnNotification(n)
	}
	return true
}

func (s *Surface) record(ctx context.Context, n bridge.Notification) {
	if s.history == nil {
		return
	}
	if err := s.history.RecordHistory(ctx, n); err != nil {
		s.logger.Error("failed to record notification",
			slog.String("notification_id", n.ID),
			slog.String("error", err.Error()))
	}
}

// janitor expires transient entries past their lifetime and forgets
// processed IDs whose reprocess window closed.
func (s *Surface) janitor(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

func (s *Surface) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	for _, e := range s.entries {
		if now.Sub(e.ShownAt) < s.opts.TransientLifetime {
			kept = append(kept, e)
		}
	}
	s.entries = kept

	for id, seen := range s.processed {
		if now.Sub(seen) >= s.opts.DedupWindow {
			delete(s.processed, id)
		}
	}
}
