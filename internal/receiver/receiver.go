// Package receiver is the background execution context of the agent:
// it wakes on raw push payloads whether or not any foreground session
// exists, renders a platform notification, and hands the payload to a
// session over the bridge — or persists it to the durable backlog when
// no session acknowledges in time. The persist-or-relay decision is
// made synchronously inside the push event; nothing is deferred past
// its lifetime.
package receiver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opencampus/pushsync/internal/bridge"
	"github.com/opencampus/pushsync/internal/logger"
)

const (
	fallbackTitle = "New Notification"
	fallbackBody  = "You have a new notification"
)

// backlogStore is the slice of the local store the receiver uses.
type backlogStore interface {
	AppendBacklog(ctx context.Context, n bridge.Notification) error
	ListBacklog(ctx context.Context) ([]bridge.Notification, error)
	ClearBacklog(ctx context.Context) error
}

// Presenter displays a rendered platform notification. The agent wires
// the OS notification surface here; tests record calls.
type Presenter interface {
	Show(n Rendered)
}

// Rendered is the platform notification descriptor built for one push.
// Tag is unique per event so the platform never collapses two distinct
// alerts into one visible banner.
type Rendered struct {
	Notification bridge.Notification
	Icon         string
	Badge        string
	Tag          string
}

// Receiver handles push events in the background context.
type Receiver struct {
	conn       bridge.Conn
	subjects   bridge.Subjects
	store      backlogStore
	presenter  Presenter
	logger     *logger.Logger
	ackTimeout time.Duration
	tagCounter atomic.Uint64

	subs []bridge.Subscription
}

// Options configures the receiver.
type Options struct {
	// AckTimeout bounds the wait for a session to acknowledge a live
	// relay before the payload goes to backlog instead.
	AckTimeout time.Duration
}

// New creates a receiver. presenter may be nil when the agent runs
// headless.
func New(conn bridge.Conn, subjects bridge.Subjects, store backlogStore, presenter Presenter, log *logger.Logger, opts Options) *Receiver {
	ackTimeout := opts.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = 300 * time.Millisecond
	}
	return &Receiver{
		conn:       conn,
		subjects:   subjects,
		store:      store,
		presenter:  presenter,
		logger:     log.WithComponent("background-receiver"),
		ackTimeout: ackTimeout,
	}
}

// Start subscribes to the inbound push subject and to the bridge
// control subject. Subscriptions are live before Start returns: the
// receiver intercepts push immediately on installation and serves
// sessions opened before it existed, no reload required.
func (r *Receiver) Start(ctx context.Context) error {
	inboundSub, err := r.conn.Subscribe(r.subjects.Inbound(), func(msg *bridge.Msg) {
		r.HandlePush(ctx, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to inbound push: %w", err)
	}
	r.subs = append(r.subs, inboundSub)

	controlSub, err := r.conn.Subscribe(r.subjects.Receiver(), func(msg *bridge.Msg) {
		r.handleControl(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to bridge control: %w", err)
	}
	r.subs = append(r.subs, controlSub)

	r.logger.Info("background receiver active",
		slog.String("inbound", r.subjects.Inbound()),
		slog.String("control", r.subjects.Receiver()))
	return nil
}

// Stop drops the subscriptions.
func (r *Receiver) Stop() {
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
	r.subs = nil
}

// HandlePush processes one raw push payload to completion: parse,
// render, then relay-or-persist. Runs fully inside the event; by the
// time it returns the payload is either acknowledged by a session or
// durable in the backlog.
func (r *Receiver) HandlePush(ctx context.Context, raw []byte) Rendered {
	log := r.logger.WithContext(ctx)

	n := parsePayload(raw)
	rendered := r.render(n)

	if r.presenter != nil {
		r.presenter.Show(rendered)
	}

	if r.relay(ctx, n) {
		log.Debug("push relayed to a live session", slog.String("notification_id", n.ID))
		return rendered
	}

	if err := r.store.AppendBacklog(ctx, n); err != nil {
		// Worst case: the banner was still shown, only the in-app copy
		// is lost.
		log.Error("failed to persist push to backlog",
			slog.String("notification_id", n.ID),
			slog.String("error", err.Error()))
		return rendered
	}

	log.Info("no session reachable, push persisted to backlog",
		slog.String("notification_id", n.ID))
	return rendered
}

// relay offers the notification to open sessions and reports whether
// at least one acknowledged within the bounded wait.
func (r *Receiver) relay(ctx context.Context, n bridge.Notification) bool {
	live := n
	live.DeliveredVia = bridge.ViaSync

	env := bridge.Envelope{Type: bridge.TypeNotificationReceived, Notification: &live}
	data, err := env.Encode()
	if err != nil {
		return false
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.ackTimeout)
	defer cancel()

	if _, err := r.conn.Request(reqCtx, r.subjects.Tab(), data); err != nil {
		return false
	}
	return true
}

// handleControl serves the tab→receiver half of the bridge protocol.
func (r *Receiver) handleControl(ctx context.Context, msg *bridge.Msg) {
	env, err := bridge.Decode(msg.Data)
	if err != nil {
		r.logger.Warn("dropping malformed bridge message", slog.String("error", err.Error()))
		return
	}

	switch env.Type {
	case bridge.TypeRequestSync:
		backlog, err := r.store.ListBacklog(ctx)
		if err != nil {
			r.logger.Error("failed to read backlog", slog.String("error", err.Error()))
			return
		}
		for i := range backlog {
			backlog[i].DeliveredVia = bridge.ViaBacklog
		}
		reply, err := bridge.Envelope{Type: bridge.TypeSyncNotifications, Notifications: backlog}.Encode()
		if err != nil {
			return
		}
		if err := msg.Respond(reply); err != nil {
			r.logger.Warn("failed to answer sync request", slog.String("error", err.Error()))
		}

	case bridge.TypeClearNotifications:
		// The session has durably recorded the batch; only now is the
		// backlog allowed to go.
		if err := r.store.ClearBacklog(ctx); err != nil {
			r.logger.Error("failed to clear backlog", slog.String("error", err.Error()))
			return
		}
		r.logger.Debug("backlog cleared on session request")

	default:
		// Receiver-originated kinds arriving here mean a confused peer.
		r.logger.Warn("unexpected bridge message on control subject", slog.String("type", string(env.Type)))
	}
}

// render builds the platform notification descriptor.
func (r *Receiver) render(n bridge.Notification) Rendered {
	seq := r.tagCounter.Add(1)
	return Rendered{
		Notification: n,
		Icon:         "/icons/icon-192.png",
		Badge:        "/icons/badge-72.png",
		Tag:          fmt.Sprintf("campus-push-%d-%d", time.Now().UnixMilli(), seq),
	}
}

// wirePayload mirrors the push wire contract. Both field groups are
// optional; whatever is missing gets defaults.
type wirePayload struct {
	Notification *struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	} `json:"notification"`
	Data map[string]string `json:"data"`
}

// parsePayload decodes a raw push payload, substituting generic content
// on any parse failure: the user gets something rather than a silent
// drop.
func parsePayload(raw []byte) bridge.Notification {
	n := bridge.Notification{
		Title: fallbackTitle,
		Body:  fallbackBody,
	}

	var wire wirePayload
	if err := json.Unmarshal(raw, &wire); err == nil {
		if wire.Notification != nil {
			if wire.Notification.Title != "" {
				n.Title = wire.Notification.Title
			}
			if wire.Notification.Body != "" {
				n.Body = wire.Notification.Body
			}
		}
		n.Data = wire.Data
	}

	if n.Data == nil {
		n.Data = map[string]string{}
	}
	if n.Data["url"] == "" {
		n.Data["url"] = "/"
	}
	if n.Data["createdAt"] == "" {
		n.Data["createdAt"] = time.Now().UTC().Format(time.RFC3339)
	}

	n.ID = n.Data["id"]
	if n.ID == "" {
		n.ID = uuid.New().String()
		n.Data["id"] = n.ID
	}

	return n
}
