package eventbus

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/joripage/powerex/pkg/event"
	kafkawrapper "github.com/joripage/powerex/pkg/kafka_wrapper"
)

// KafkaBus publishes synchronously with acks from all in-sync replicas and
// consumes through committed consumer groups.
type KafkaBus struct {
	cfg      *Config
	log      *zap.Logger
	producer *kafkawrapper.Producer
}

var _ Bus = (*KafkaBus)(nil)

func NewKafkaBus(cfg *Config, log *zap.Logger) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka bus needs at least one broker")
	}
	return &KafkaBus{
		cfg:      cfg,
		log:      log,
		producer: kafkawrapper.NewProducer(kafkawrapper.ProducerConfig{Brokers: cfg.Brokers}),
	}, nil
}

func (b *KafkaBus) Publish(ctx context.Context, env *event.Envelope) error {
	data, err := event.Encode(env)
	if err != nil {
		return err
	}
	headers := map[string]string{
		"event_id":   env.ID,
		"event_type": string(env.Type),
		"source":     env.Source,
	}
	if err := b.producer.Publish(ctx, Topic(env.Type), []byte(env.Key), data, headers); err != nil {
		return fmt.Errorf("kafka publish %s: %w", env.ID, err)
	}
	return nil
}

func (b *KafkaBus) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	cg, err := kafkawrapper.NewConsumerGroup(kafkawrapper.ConsumerConfig{
		Brokers:     b.cfg.Brokers,
		GroupID:     group,
		Topic:       topic,
		WorkerCount: b.cfg.Workers,
		MaxRetries:  b.cfg.MaxRetries,
		BackoffMin:  b.cfg.retryBackoff(),
		DLQTopic:    kafkawrapper.DLQTopic(topic, b.cfg.dlqSuffix()),
		Logger:      b.log,
	})
	if err != nil {
		return err
	}
	defer cg.Close()

	log := b.log.With(zap.String("topic", topic), zap.String("group", group))
	return cg.Run(ctx, func(ctx context.Context, m kafkawrapper.Message) error {
		return dispatch(ctx, log, h, m.Value)
	})
}

func (b *KafkaBus) Close() error {
	return b.producer.Close(context.Background())
}
