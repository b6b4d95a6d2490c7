// Package queue carries operation events between engine instances. Kafka is
// the production driver; stdio and an in-process loopback serve local runs
// and tests.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	DriverKafka    = "kafka"
	DriverStdio    = "stdio"
	DriverLoopback = "loopback"
)

const (
	envKafkaTLS          = "STAKE_QUEUE_KAFKA_TLS"
	defaultMaxLineBytes  = 1 << 20
	defaultKafkaMinBytes = 1
	defaultKafkaMaxBytes = 10 << 20
	defaultBatchTimeout  = 10 * time.Millisecond
)

var ErrInvalidConfig = errors.New("queue: invalid config")

// Message is a record delivered to a consumer.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
	// Timestamp is the producer timestamp (Kafka) or local receive time.
	Timestamp time.Time

	ackFn func(context.Context) error
}

// Ack commits the message when the driver tracks offsets.
func (m Message) Ack(ctx context.Context) error {
	if m.ackFn == nil {
		return nil
	}
	return m.ackFn(ctx)
}

type Consumer interface {
	Messages() <-chan Message
	Errors() <-chan error
	Close() error
}

// Producer publishes records. Records sharing a key keep their relative order.
type Producer interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

type ConsumerConfig struct {
	Driver string

	Brokers       []string
	Group         string
	Topics        []string
	KafkaMinBytes int
	KafkaMaxBytes int

	Reader       io.Reader
	MaxLineBytes int

	Loopback *Loopback
}

type ProducerConfig struct {
	Driver string

	Brokers      []string
	BatchTimeout time.Duration

	Writer io.Writer

	Loopback *Loopback
}

func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaConsumer(ctx, cfg)
	case DriverStdio:
		return newStdioConsumer(ctx, cfg), nil
	case DriverLoopback:
		if cfg.Loopback == nil {
			return nil, fmt.Errorf("%w: loopback consumer requires a Loopback", ErrInvalidConfig)
		}
		return cfg.Loopback.Subscribe(ctx), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverStdio:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		return &stdioProducer{w: w}, nil
	case DriverLoopback:
		if cfg.Loopback == nil {
			return nil, fmt.Errorf("%w: loopback producer requires a Loopback", ErrInvalidConfig)
		}
		return cfg.Loopback, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

// SplitCommaList parses flag values like "b1:9092, b2:9092".
func SplitCommaList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func kafkaTLSEnabled() bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
