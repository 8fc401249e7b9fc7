// Package eventbus carries events between services. Delivery is
// at-least-once: a handler error leads to redelivery, and handlers must be
// idempotent.
package eventbus

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/joripage/powerex/pkg/event"
	"github.com/joripage/powerex/pkg/logging"
)

// Handler processes one delivered event. Returning nil acknowledges it.
type Handler func(ctx context.Context, env *event.Envelope, payload event.Payload) error

type Publisher interface {
	// Publish returns nil once the event is durably queued.
	Publish(ctx context.Context, env *event.Envelope) error
}

type Subscriber interface {
	// Subscribe delivers events of topic to h until ctx is done. Subscribers
	// sharing a group split the events between them; every group sees every
	// event.
	Subscribe(ctx context.Context, topic, group string, h Handler) error
}

type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// Topic is the topic events of type t are published to.
func Topic(t event.Type) string {
	return string(t)
}

type Config struct {
	Driver     string   `yaml:"driver"`
	Brokers    []string `yaml:"brokers"`
	NatsURL    string   `yaml:"nats_url"`
	Group      string   `yaml:"group"`
	Workers    int      `yaml:"workers"`
	MaxRetries int      `yaml:"max_retries"`
	DLQSuffix  string   `yaml:"dlq_suffix"`
	// RetryBackoffMs is the first redelivery delay.
	RetryBackoffMs int `yaml:"retry_backoff_ms"`
}

const (
	DriverMemory = "memory"
	DriverKafka  = "kafka"
	DriverNATS   = "nats"
)

func (c *Config) retryBackoff() time.Duration {
	if c.RetryBackoffMs <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

func (c *Config) dlqSuffix() string {
	if c.DLQSuffix == "" {
		return ".dlq"
	}
	return c.DLQSuffix
}

// Open builds the bus named by cfg.Driver.
func Open(cfg *Config, log *zap.Logger) (Bus, error) {
	switch cfg.Driver {
	case DriverKafka:
		return NewKafkaBus(cfg, log)
	case DriverNATS:
		return NewNATSBus(cfg, log)
	case DriverMemory, "":
		return NewMemoryBus(cfg, log), nil
	}
	return nil, fmt.Errorf("unknown event bus driver %q", cfg.Driver)
}

// dispatch decodes data and calls h. Events that cannot be decoded are
// logged and acknowledged so they do not block the topic.
func dispatch(ctx context.Context, log *zap.Logger, h Handler, data []byte) error {
	env, payload, err := event.Decode(data)
	if err != nil {
		log.Warn("dropping undecodable event", zap.Error(err), zap.Int("bytes", len(data)))
		return nil
	}
	ctx = logging.WithCorrelationID(ctx, env.ID)
	return h(ctx, env, payload)
}
