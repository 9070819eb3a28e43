package events

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"

	envKafkaTLS = "VAULT_TRACKER_EVENTS_KAFKA_TLS"
)

var ErrInvalidConfig = errors.New("events: invalid config")

// Publisher emits lifecycle events. Publishing is best-effort from the
// reconciler's point of view: a failed publish is logged and retried on the
// next observed transition, never blocking reconciliation.
type Publisher interface {
	Publish(ctx context.Context, key, payload []byte) error
	Close() error
}

// Config selects and configures a Publisher driver.
type Config struct {
	Driver string
	Topic  string

	// Kafka fields.
	Brokers      []string
	BatchTimeout time.Duration

	// Stdio fields.
	Writer io.Writer
}

func NewPublisher(cfg Config) (Publisher, error) {
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = DefaultTopic
	}
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaPublisher(cfg, topic)
	case DriverStdio:
		return newStdioPublisher(cfg.Writer), nil
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

type kafkaPublisher struct {
	writer *kafka.Writer
	topic  string
}

func newKafkaPublisher(cfg Config, topic string) (*kafkaPublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka publisher requires at least one broker", ErrInvalidConfig)
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if kafkaTLSEnabled() {
		writer.Transport = &kafka.Transport{
			TLS: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		}
	}
	return &kafkaPublisher{writer: writer, topic: topic}, nil
}

func (p *kafkaPublisher) Publish(ctx context.Context, key, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidConfig)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   key,
		Value: payload,
	})
}

func (p *kafkaPublisher) Close() error {
	return p.writer.Close()
}

type stdioPublisher struct {
	mu sync.Mutex
	w  io.Writer
}

func newStdioPublisher(w io.Writer) *stdioPublisher {
	if w == nil {
		w = os.Stdout
	}
	return &stdioPublisher{w: w}
}

func (p *stdioPublisher) Publish(_ context.Context, _, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidConfig)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.w.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("events: stdio write: %w", err)
	}
	return nil
}

func (p *stdioPublisher) Close() error { return nil }

func kafkaTLSEnabled() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
