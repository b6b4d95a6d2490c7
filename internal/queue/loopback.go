package queue

import (
	"context"
	"sync"
	"time"
)

// Loopback is an in-process broker. Every subscriber sees every record
// published after it subscribed.
type Loopback struct {
	mu     sync.Mutex
	subs   map[*loopbackConsumer]struct{}
	closed bool
}

func NewLoopback() *Loopback {
	return &Loopback{subs: make(map[*loopbackConsumer]struct{})}
}

func (l *Loopback) Subscribe(ctx context.Context) Consumer {
	ctx, cancel := context.WithCancel(ctx)
	c := &loopbackConsumer{
		parent: l,
		msgCh:  make(chan Message, 256),
		errCh:  make(chan error),
		cancel: cancel,
	}
	l.mu.Lock()
	if l.closed {
		close(c.msgCh)
	} else {
		l.subs[c] = struct{}{}
	}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()
	return c
}

func (l *Loopback) Publish(ctx context.Context, topic string, key, payload []byte) error {
	msg := Message{
		Topic:     topic,
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), payload...),
		Timestamp: time.Now().UTC(),
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for c := range l.subs {
		select {
		case c.msgCh <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close detaches all subscribers and closes their message channels.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for c := range l.subs {
		delete(l.subs, c)
		close(c.msgCh)
	}
	return nil
}

type loopbackConsumer struct {
	parent *Loopback
	msgCh  chan Message
	errCh  chan error
	cancel context.CancelFunc
	once   sync.Once
}

func (c *loopbackConsumer) Messages() <-chan Message { return c.msgCh }
func (c *loopbackConsumer) Errors() <-chan error     { return c.errCh }

func (c *loopbackConsumer) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.parent.mu.Lock()
		if _, ok := c.parent.subs[c]; ok {
			delete(c.parent.subs, c)
			close(c.msgCh)
		}
		c.parent.mu.Unlock()
	})
	return nil
}
