package bridge

import (
	"context"
	"sync"
)

// memoryConn is the in-process loopback Conn. Delivery stays strictly
// asynchronous message passing even inside one process: handlers run on
// their own goroutines and the requester only ever sees reply bytes.
type memoryConn struct {
	mu   sync.RWMutex
	subs map[string][]*memorySub
}

// NewMemoryConn creates an in-process bridge connection.
func NewMemoryConn() Conn {
	return &memoryConn{subs: make(map[string][]*memorySub)}
}

type memorySub struct {
	conn    *memoryConn
	subject string
	handler func(msg *Msg)
}

func (s *memorySub) Unsubscribe() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()

	live := s.conn.subs[s.subject][:0]
	for _, sub := range s.conn.subs[s.subject] {
		if sub != s {
			live = append(live, sub)
		}
	}
	s.conn.subs[s.subject] = live
	return nil
}

func (c *memoryConn) Subscribe(subject string, handler func(msg *Msg)) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub := &memorySub{conn: c, subject: subject, handler: handler}
	c.subs[subject] = append(c.subs[subject], sub)
	return sub, nil
}

func (c *memoryConn) Publish(subject string, data []byte) error {
	c.mu.RLock()
	subs := make([]*memorySub, len(c.subs[subject]))
	copy(subs, c.subs[subject])
	c.mu.RUnlock()

	for _, sub := range subs {
		go sub.handler(&Msg{Data: data})
	}
	return nil
}

func (c *memoryConn) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	c.mu.RLock()
	subs := make([]*memorySub, len(c.subs[subject]))
	copy(subs, c.subs[subject])
	c.mu.RUnlock()

	if len(subs) == 0 {
		return nil, ErrNoReceiver
	}

	replies := make(chan []byte, len(subs))
	for _, sub := range subs {
		go sub.handler(&Msg{
			Data: data,
			respond: func(reply []byte) error {
				select {
				case replies <- reply:
				default:
				}
				return nil
			},
		})
	}

	// First acknowledgement wins; a bounded wait with no reply means no
	// peer is reachable, same as an empty subject.
	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return nil, ErrNoReceiver
	}
}
