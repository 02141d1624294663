package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// ErrNoReceiver means nobody answered on the subject within the bounded
// wait: either no context is subscribed at all, or none acknowledged in
// time. The receiver treats both the same way and falls back to the
// backlog store.
var ErrNoReceiver = errors.New("no reachable peer on subject")

// Msg is one inbound bridge message. Respond replies to the requester
// when the message arrived via Request; for plain publishes it is a
// no-op returning an error.
type Msg struct {
	Data    []byte
	respond func([]byte) error
}

// Respond answers a request-reply message.
func (m *Msg) Respond(data []byte) error {
	if m.respond == nil {
		return errors.New("message is not a request")
	}
	return m.respond(data)
}

// Subscription is a live handler registration on a subject.
type Subscription interface {
	Unsubscribe() error
}

// Conn is the broadcast channel between execution contexts. The two
// contexts never share memory: every interaction is a publish, a
// request with a bounded wait, or a subscription. *nats.Conn backs it
// in production via NewNATSConn; NewMemoryConn is the in-process
// loopback used when both contexts live in one agent binary, and in
// tests.
type Conn interface {
	Publish(subject string, data []byte) error
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	Subscribe(subject string, handler func(msg *Msg)) (Subscription, error)
}

// Subjects derives the per-origin subject names for one bridge scope,
// so two portal deployments sharing a broker never cross traffic.
type Subjects struct {
	scope string
}

// NewSubjects creates the subject namespace for a scope.
func NewSubjects(scope string) Subjects {
	if scope == "" {
		scope = "portal"
	}
	return Subjects{scope: scope}
}

// Tab is the subject foreground sessions listen on.
func (s Subjects) Tab() string { return fmt.Sprintf("push.%s.tab", s.scope) }

// Receiver is the subject the background receiver listens on.
func (s Subjects) Receiver() string { return fmt.Sprintf("push.%s.receiver", s.scope) }

// Inbound is the subject raw push payloads arrive on from the platform
// delivery channel.
func (s Subjects) Inbound() string { return fmt.Sprintf("push.%s.inbound", s.scope) }

// natsConn adapts *nats.Conn to the bridge Conn.
type natsConn struct {
	nc *nats.Conn
}

// NewNATSConn wraps an established NATS connection.
func NewNATSConn(nc *nats.Conn) Conn {
	return &natsConn{nc: nc}
}

func (c *natsConn) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

func (c *natsConn) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrNoReceiver
		}
		return nil, err
	}
	return msg.Data, nil
}

func (c *natsConn) Subscribe(subject string, handler func(msg *Msg)) (Subscription, error) {
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		handler(&Msg{
			Data: m.Data,
			respond: func(data []byte) error {
				if m.Reply == "" {
					return errors.New("message is not a request")
				}
				return m.Respond(data)
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}
