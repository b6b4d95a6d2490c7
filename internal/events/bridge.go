package events

import (
	"context"
	"io"
	"log/slog"

	"github.com/rewardpools/stake-engine/internal/queue"
)

// Forward publishes every bus event that originated locally to topic, keyed by
// pair so a pair's events stay ordered. It returns when ctx is done or the
// bus closes.
func Forward(ctx context.Context, bus *Bus, p queue.Producer, topic, origin string, log *slog.Logger) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if topic == "" {
		topic = DefaultTopic
	}
	ch, cancel := bus.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Origin != "" && e.Origin != origin {
				continue
			}
			e.Origin = origin
			payload, err := Encode(e)
			if err != nil {
				log.Error("encode event", "type", e.Type, "err", err)
				continue
			}
			if err := p.Publish(ctx, topic, []byte(e.Pair().String()), payload); err != nil {
				log.Error("forward event", "type", e.Type, "pair", e.Pair().String(), "txHash", e.TxHash.Hex(), "err", err)
			}
		}
	}
}

// Ingest republishes peers' events from c onto bus. Events stamped with the
// local origin are acknowledged and skipped.
func Ingest(ctx context.Context, c queue.Consumer, bus *Bus, origin string, log *slog.Logger) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	errs := c.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Warn("event consumer error", "err", err)
		case msg, ok := <-c.Messages():
			if !ok {
				return
			}
			e, err := Decode(msg.Value)
			switch {
			case err != nil:
				log.Warn("drop undecodable event", "topic", msg.Topic, "err", err)
			case e.Origin == origin:
			default:
				bus.Publish(e)
			}
			if err := msg.Ack(ctx); err != nil {
				log.Warn("ack event", "err", err)
			}
		}
	}
}
