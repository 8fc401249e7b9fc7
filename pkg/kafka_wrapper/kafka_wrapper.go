// A small Go package to publish messages to Kafka and run multiple workers consuming a topic.
//
// ConsumerGroup.Run() hands messages to the handler one at a time. Messages
// of one partition always go to the same worker, so offsets are committed in
// order and a message is only committed after its handler returned nil or it
// was moved to the dead-letter topic.

package kafkawrapper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
	Headers   map[string]string
	Raw       kafka.Message
}

type ProducerConfig struct {
	Brokers      []string
	Balancer     kafka.Balancer
	BatchSize    int
	BatchBytes   int64
	BatchTimeout time.Duration
	RequiredAcks kafka.RequiredAcks
	// Async producers return before the broker acknowledges; leave false when
	// a nil error must mean the message is stored.
	Async bool
}

type Producer struct {
	w *kafka.Writer
}

func NewProducer(cfg ProducerConfig) *Producer {
	if cfg.Balancer == nil {
		cfg.Balancer = &kafka.Hash{}
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchBytes == 0 {
		cfg.BatchBytes = 1 << 20
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.RequiredAcks == 0 {
		cfg.RequiredAcks = kafka.RequireAll
	}
	wr := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               cfg.Balancer,
		BatchSize:              cfg.BatchSize,
		BatchBytes:             cfg.BatchBytes,
		BatchTimeout:           cfg.BatchTimeout,
		AllowAutoTopicCreation: true,
		RequiredAcks:           cfg.RequiredAcks,
		Async:                  cfg.Async,
	}
	return &Producer{w: wr}
}

func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	if p == nil || p.w == nil {
		return errors.New("producer not initialized")
	}
	var kh []kafka.Header
	for k, v := range headers {
		kh = append(kh, kafka.Header{Key: k, Value: []byte(v)})
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: kh,
		Time:    time.Now(),
	})
}

func (p *Producer) Close(ctx context.Context) error {
	if p == nil || p.w == nil {
		return nil
	}
	return p.w.Close()
}

type ConsumerConfig struct {
	Brokers     []string
	GroupID     string
	Topic       string
	WorkerCount int
	MaxRetries  int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	DLQTopic    string
	Logger      *zap.Logger
}

type ConsumerGroup struct {
	r          *kafka.Reader
	cfg        ConsumerConfig
	prodForDLQ *Producer
	log        *zap.Logger
}

func NewConsumerGroup(cfg ConsumerConfig) (*ConsumerGroup, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("brokers, topic and group id are required")
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffMin == 0 {
		cfg.BackoffMin = 100 * time.Millisecond
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	rd := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.FirstOffset,
		MaxWait:     500 * time.Millisecond,
		MinBytes:    1,
		MaxBytes:    10 << 20,
	})

	var prod *Producer
	if cfg.DLQTopic != "" {
		prod = NewProducer(ProducerConfig{Brokers: cfg.Brokers})
	}

	return &ConsumerGroup{r: rd, cfg: cfg, prodForDLQ: prod, log: cfg.Logger.With(zap.String("topic", cfg.Topic), zap.String("group", cfg.GroupID))}, nil
}

func (cg *ConsumerGroup) Close() error {
	if cg == nil {
		return nil
	}
	if cg.prodForDLQ != nil {
		_ = cg.prodForDLQ.Close(context.Background())
	}
	if cg.r != nil {
		return cg.r.Close()
	}
	return nil
}

// Run fetches until ctx is done. A handler error is retried with backoff up
// to MaxRetries times; after that the message goes to DLQTopic (if set) and
// is committed.
func (cg *ConsumerGroup) Run(ctx context.Context, handler func(context.Context, Message) error) error {
	if cg == nil || cg.r == nil {
		return errors.New("consumer not initialized")
	}

	shards := make([]chan kafka.Message, cg.cfg.WorkerCount)
	for i := range shards {
		shards[i] = make(chan kafka.Message, 64)
	}

	// Reader loop
	go func() {
		defer func() {
			for _, ch := range shards {
				close(ch)
			}
		}()
		for {
			m, err := cg.r.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				cg.log.Warn("fetch error", zap.Error(err))
				time.Sleep(200 * time.Millisecond)
				continue
			}
			select {
			case shards[shardFor(m.Partition, len(shards))] <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Worker pool
	done := make(chan struct{}, cg.cfg.WorkerCount)
	for i := 0; i < cg.cfg.WorkerCount; i++ {
		go func(in <-chan kafka.Message) {
			defer func() { done <- struct{}{} }()
			for m := range in {
				if !cg.handle(ctx, handler, m) {
					return
				}
			}
		}(shards[i])
	}

	for i := 0; i < cg.cfg.WorkerCount; i++ {
		<-done
	}
	return ctx.Err()
}

// handle returns false when ctx ended before the message was settled.
func (cg *ConsumerGroup) handle(ctx context.Context, handler func(context.Context, Message) error, m kafka.Message) bool {
	msg := wrapMessage(m)
	var attempt int
	for {
		err := handler(ctx, msg)
		if err == nil {
			break
		}
		attempt++
		if attempt > cg.cfg.MaxRetries {
			cg.log.Error("handler failed, giving up",
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			if cg.cfg.DLQTopic != "" && cg.prodForDLQ != nil && !cg.deadLetter(ctx, m, err) {
				return false
			}
			break
		}
		select {
		case <-time.After(backoffDuration(cg.cfg.BackoffMin, cg.cfg.BackoffMax, attempt)):
		case <-ctx.Done():
			return false
		}
	}
	if err := cg.r.CommitMessages(ctx, m); err != nil {
		cg.log.Warn("commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
	}
	return true
}

// deadLetter retries until the message is on the DLQ topic. Committing a later
// offset would commit this one too, so the worker cannot move on before.
func (cg *ConsumerGroup) deadLetter(ctx context.Context, m kafka.Message, cause error) bool {
	headers := headersToMap(m.Headers)
	headers["error"] = cause.Error()
	for attempt := 1; ; attempt++ {
		err := cg.prodForDLQ.Publish(ctx, cg.cfg.DLQTopic, m.Key, m.Value, headers)
		if err == nil {
			return true
		}
		cg.log.Error("dead-letter publish failed", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-time.After(backoffDuration(cg.cfg.BackoffMin, cg.cfg.BackoffMax, attempt)):
		case <-ctx.Done():
			return false
		}
	}
}

func shardFor(partition, n int) int {
	if partition < 0 {
		partition = -partition
	}
	return partition % n
}

func wrapMessage(m kafka.Message) Message {
	return Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Time:      m.Time,
		Headers:   headersToMap(m.Headers),
		Raw:       m,
	}
}

func headersToMap(hs []kafka.Header) map[string]string {
	out := map[string]string{}
	for _, h := range hs {
		out[h.Key] = string(h.Value)
	}
	return out
}

func backoffDuration(min, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	pow := math.Pow(2, float64(attempt-1))
	d := time.Duration(float64(min) * pow)
	if d > max {
		d = max
	}
	if d > 0 {
		d = time.Duration(rand.Int63n(int64(d)))
	}
	return d
}

// DLQTopic names the dead-letter topic of topic.
func DLQTopic(topic, suffix string) string {
	if suffix == "" {
		suffix = ".dlq"
	}
	return fmt.Sprintf("%s%s", topic, suffix)
}
