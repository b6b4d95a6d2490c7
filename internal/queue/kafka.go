package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

type kafkaConsumer struct {
	reader *kafka.Reader

	msgCh chan Message
	errCh chan error

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newKafkaConsumer(parent context.Context, cfg ConsumerConfig) (Consumer, error) {
	brokers := SplitCommaList(strings.Join(cfg.Brokers, ","))
	topics := SplitCommaList(strings.Join(cfg.Topics, ","))
	group := strings.TrimSpace(cfg.Group)
	switch {
	case len(brokers) == 0:
		return nil, fmt.Errorf("%w: kafka consumer requires at least one broker", ErrInvalidConfig)
	case group == "":
		return nil, fmt.Errorf("%w: kafka consumer requires group", ErrInvalidConfig)
	case len(topics) == 0:
		return nil, fmt.Errorf("%w: kafka consumer requires at least one topic", ErrInvalidConfig)
	}
	minBytes, maxBytes := cfg.KafkaMinBytes, cfg.KafkaMaxBytes
	if minBytes <= 0 {
		minBytes = defaultKafkaMinBytes
	}
	if maxBytes <= 0 {
		maxBytes = defaultKafkaMaxBytes
	}
	if maxBytes < minBytes {
		return nil, fmt.Errorf("%w: kafka max bytes must be >= min bytes", ErrInvalidConfig)
	}

	rc := kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     group,
		GroupTopics: topics,
		MinBytes:    minBytes,
		MaxBytes:    maxBytes,
	}
	if kafkaTLSEnabled() {
		rc.Dialer = &kafka.Dialer{
			Timeout: 10 * time.Second,
			TLS:     &tls.Config{MinVersion: tls.VersionTLS12},
		}
	}

	ctx, cancel := context.WithCancel(parent)
	c := &kafkaConsumer{
		reader: kafka.NewReader(rc),
		msgCh:  make(chan Message, 64),
		errCh:  make(chan error, 8),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(ctx)
	return c, nil
}

func stopOnFetchError(err error) bool {
	return errors.Is(err, context.Canceled)
}

func (c *kafkaConsumer) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.msgCh)
	defer close(c.errCh)

	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if stopOnFetchError(err) {
				return
			}
			select {
			case c.errCh <- err:
				continue
			case <-ctx.Done():
				return
			}
		}

		msg := Message{
			Topic:     km.Topic,
			Key:       append([]byte(nil), km.Key...),
			Value:     append([]byte(nil), km.Value...),
			Timestamp: km.Time,
			ackFn: func(ackCtx context.Context) error {
				return c.reader.CommitMessages(ackCtx, km)
			},
		}
		select {
		case c.msgCh <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *kafkaConsumer) Messages() <-chan Message { return c.msgCh }
func (c *kafkaConsumer) Errors() <-chan error     { return c.errCh }

func (c *kafkaConsumer) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.reader.Close()
		<-c.done
	})
	return err
}

type kafkaProducer struct {
	writer *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (Producer, error) {
	brokers := SplitCommaList(strings.Join(cfg.Brokers, ","))
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka producer requires at least one broker", ErrInvalidConfig)
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if kafkaTLSEnabled() {
		w.Transport = &kafka.Transport{TLS: &tls.Config{MinVersion: tls.VersionTLS12}}
	}
	return &kafkaProducer{writer: w}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, topic string, key, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidConfig)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: payload})
}

func (p *kafkaProducer) Close() error { return p.writer.Close() }
