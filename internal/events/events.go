// Package events carries operation lifecycle events. An in-process Bus feeds
// local subscribers; Forward and Ingest bridge it to a queue so peer engine
// instances see the same events.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rewardpools/stake-engine/internal/staking"
)

const (
	DefaultTopic = "stake.operations.v1"
	eventVersion = "stake.event.v1"
)

var ErrInvalidEvent = errors.New("events: invalid event")

type Type string

const (
	TypeSubmitted  Type = "submitted"
	TypeConfirmed  Type = "confirmed"
	TypeReconciled Type = "reconciled"
	TypeFailed     Type = "failed"
)

type Event struct {
	Version     string          `json:"version"`
	Type        Type            `json:"type"`
	OperationID string          `json:"operationId,omitempty"`
	Kind        staking.Kind    `json:"kind"`
	Pool        staking.PoolRef `json:"pool"`
	User        common.Address  `json:"user"`
	TxHash      common.Hash     `json:"txHash,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Origin      string          `json:"origin,omitempty"`
	At          time.Time       `json:"at"`
}

func (e Event) Pair() staking.Pair { return staking.Pair{User: e.User, Pool: e.Pool} }

func (e Event) Validate() error {
	switch e.Type {
	case TypeSubmitted, TypeConfirmed, TypeReconciled, TypeFailed:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	if e.Pool.IsZero() || e.User == (common.Address{}) {
		return fmt.Errorf("%w: missing pair", ErrInvalidEvent)
	}
	return nil
}

func Encode(e Event) ([]byte, error) {
	if e.Version == "" {
		e.Version = eventVersion
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

func Decode(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if e.Version != eventVersion {
		return Event{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidEvent, e.Version)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Bus fans events out to subscribers. Publish never blocks on a channel
// subscriber: one whose buffer is full misses the event and the drop is
// logged. Handlers registered with Handle see every event.
type Bus struct {
	log *slog.Logger

	mu       sync.Mutex
	subs     map[chan Event]struct{}
	handlers map[int]func(Event)
	nextID   int
	closed   bool
	done     chan struct{}
}

func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{
		log:      log,
		subs:     make(map[chan Event]struct{}),
		handlers: make(map[int]func(Event)),
		done:     make(chan struct{}),
	}
}

// Handle runs fn for every future event, synchronously from Publish, so no
// event is missed. fn must not block. The returned func detaches it.
func (b *Bus) Handle(fn func(Event)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if !b.closed {
		b.handlers[id] = fn
	}
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Done is closed when the bus closes.
func (b *Bus) Done() <-chan struct{} { return b.done }

// Subscribe returns a channel of future events and a function that detaches
// it. The channel is closed on detach or when the bus closes.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subs[ch] = struct{}{}
	}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		})
	}
}

func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.log.Warn("event subscriber full; dropping event", "type", e.Type, "pair", e.Pair().String(), "txHash", e.TxHash.Hex())
		}
	}
	handlers := make([]func(Event), 0, len(b.handlers))
	for _, fn := range b.handlers {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		fn(e)
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	clear(b.handlers)
	close(b.done)
}
