package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/joripage/powerex/pkg/event"
)

// MemoryBus is an in-process Bus. Each topic is an append-only log and each
// group keeps a cursor into it, so late subscribers still see earlier events.
type MemoryBus struct {
	cfg *Config
	log *zap.Logger

	mu       sync.Mutex
	topics   map[string]*memTopic
	inflight int
}

type memTopic struct {
	entries [][]byte
	cursors map[string]int
	// closed and replaced on every append
	signal chan struct{}
}

var _ Bus = (*MemoryBus)(nil)

func NewMemoryBus(cfg *Config, log *zap.Logger) *MemoryBus {
	if cfg == nil {
		cfg = &Config{}
	}
	return &MemoryBus{cfg: cfg, log: log, topics: make(map[string]*memTopic)}
}

func (b *MemoryBus) topic(name string) *memTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{cursors: make(map[string]int), signal: make(chan struct{})}
		b.topics[name] = t
	}
	return t
}

func (b *MemoryBus) Publish(_ context.Context, env *event.Envelope) error {
	data, err := event.Encode(env)
	if err != nil {
		return err
	}
	b.append(Topic(env.Type), data)
	return nil
}

func (b *MemoryBus) append(topic string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(topic)
	t.entries = append(t.entries, data)
	close(t.signal)
	t.signal = make(chan struct{})
}

// next claims the group's next entry, or returns a channel closed on the
// next append.
func (b *MemoryBus) next(topic, group string) ([]byte, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(topic)
	cur := t.cursors[group]
	if cur < len(t.entries) {
		t.cursors[group] = cur + 1
		b.inflight++
		return t.entries[cur], nil
	}
	return nil, t.signal
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	b.mu.Lock()
	t := b.topic(topic)
	if _, ok := t.cursors[group]; !ok {
		t.cursors[group] = 0
	}
	b.mu.Unlock()

	log := b.log.With(zap.String("topic", topic), zap.String("group", group))
	for {
		data, wait := b.next(topic, group)
		if data == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wait:
			}
			continue
		}
		b.deliver(ctx, log, topic, h, data)
	}
}

func (b *MemoryBus) deliver(ctx context.Context, log *zap.Logger, topic string, h Handler, data []byte) {
	defer func() {
		b.mu.Lock()
		b.inflight--
		b.mu.Unlock()
	}()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.cfg.retryBackoff()
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(max(b.cfg.MaxRetries, 0))), ctx)

	err := backoff.Retry(func() error { return dispatch(ctx, log, h, data) }, policy)
	if err != nil && ctx.Err() == nil {
		log.Error("handler failed, dead-lettering", zap.Error(err))
		b.append(topic+b.cfg.dlqSuffix(), data)
	}
}

// Idle reports whether every subscribed group has consumed every entry and
// no handler is running.
func (b *MemoryBus) Idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inflight > 0 {
		return false
	}
	for _, t := range b.topics {
		for _, cur := range t.cursors {
			if cur < len(t.entries) {
				return false
			}
		}
	}
	return true
}

// Subscriptions counts registered (topic, group) pairs.
func (b *MemoryBus) Subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, t := range b.topics {
		n += len(t.cursors)
	}
	return n
}

// Published returns the envelopes appended to topic so far.
func (b *MemoryBus) Published(topic string) []*event.Envelope {
	b.mu.Lock()
	entries := append([][]byte(nil), b.topic(topic).entries...)
	b.mu.Unlock()

	out := make([]*event.Envelope, 0, len(entries))
	for _, data := range entries {
		env, _, err := event.Decode(data)
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	return out
}

// WaitIdle polls Idle until it holds or timeout passes.
func (b *MemoryBus) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b.Idle() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return b.Idle()
}

func (b *MemoryBus) Close() error {
	return nil
}
