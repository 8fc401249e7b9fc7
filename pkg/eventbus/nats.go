package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/joripage/powerex/pkg/event"
)

const (
	streamName    = "POWEREX"
	subjectPrefix = "powerex."
	fetchBatch    = 10
)

// NATSBus runs on JetStream: one stream for every topic and a durable pull
// consumer per group and topic.
type NATSBus struct {
	cfg *Config
	log *zap.Logger
	nc  *nats.Conn
	js  nats.JetStreamContext
}

var _ Bus = (*NATSBus)(nil)

func NewNATSBus(cfg *Config, log *zap.Logger) (*NATSBus, error) {
	url := cfg.NatsURL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	// Ensure stream
	if _, err := js.StreamInfo(streamName); errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     streamName,
			Subjects: []string{subjectPrefix + ">"},
			Storage:  nats.FileStorage,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("add stream: %w", err)
		}
	} else if err != nil {
		nc.Close()
		return nil, fmt.Errorf("stream info: %w", err)
	}

	return &NATSBus{cfg: cfg, log: log, nc: nc, js: js}, nil
}

func subject(topic string) string {
	return subjectPrefix + topic
}

// durable names the consumer of topic for group. A JetStream consumer is
// bound to one filter subject, so every topic gets its own.
func durable(group, topic string) string {
	return group + "_" + strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(topic)
}

// Publish waits for the stream's ack. The envelope id doubles as the
// JetStream message id, so a retried publish is de-duplicated by the server.
func (b *NATSBus) Publish(ctx context.Context, env *event.Envelope) error {
	data, err := event.Encode(env)
	if err != nil {
		return err
	}
	if _, err := b.js.Publish(subject(Topic(env.Type)), data, nats.MsgId(env.ID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("nats publish %s: %w", env.ID, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	name := durable(group, topic)
	sub, err := b.js.PullSubscribe(subject(topic), name, nats.ManualAck(), nats.AckWait(30*time.Second))
	if err != nil {
		return fmt.Errorf("pull subscribe %s: %w", topic, err)
	}
	defer sub.Unsubscribe() // nolint

	log := b.log.With(zap.String("topic", topic), zap.String("group", group), zap.String("durable", name))
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fctx, cancel := context.WithTimeout(ctx, time.Second)
		msgs, err := sub.Fetch(fetchBatch, nats.Context(fctx))
		cancel()
		switch {
		case err == nil:
			bo.Reset()
		case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			continue
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			wait := bo.NextBackOff()
			log.Warn("fetch error", zap.Duration("retry_in", wait), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		for _, msg := range msgs {
			b.handle(ctx, log, topic, h, msg)
		}
	}
}

func (b *NATSBus) handle(ctx context.Context, log *zap.Logger, topic string, h Handler, msg *nats.Msg) {
	err := dispatch(ctx, log, h, msg.Data)
	if err == nil {
		_ = msg.Ack()
		return
	}

	meta, merr := msg.Metadata()
	if merr == nil && int(meta.NumDelivered) > b.cfg.MaxRetries {
		log.Error("handler failed, dead-lettering", zap.Uint64("delivered", meta.NumDelivered), zap.Error(err))
		if _, perr := b.js.Publish(subject(topic+b.cfg.dlqSuffix()), msg.Data); perr != nil {
			log.Error("dead-letter publish failed", zap.Error(perr))
			_ = msg.Nak()
			return
		}
		_ = msg.Term()
		return
	}
	log.Warn("handler failed, redelivering", zap.Error(err))
	_ = msg.NakWithDelay(b.cfg.retryBackoff())
}

func (b *NATSBus) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}
