package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/joripage/powerex/pkg/event"
)

func runJetStream(t *testing.T) string {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	go ns.Start()
	t.Cleanup(ns.Shutdown)
	require.True(t, ns.ReadyForConnections(5*time.Second), "nats server not ready")
	return ns.ClientURL()
}

func newTestNATSBus(t *testing.T, cfg *Config) *NATSBus {
	t.Helper()
	cfg.NatsURL = runJetStream(t)
	bus, err := NewNATSBus(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestDurableNamePerTopic(t *testing.T) {
	assert.Equal(t, "wallet_order_create", durable("wallet", "order.create"))
	assert.NotEqual(t, durable("wallet", "order.create"), durable("wallet", "order.matched"))
	assert.Equal(t, "matching_order_cancel_dlq", durable("matching", "order.cancel.dlq"))
}

func TestNATSBus_OneGroupManyTopics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := newTestNATSBus(t, &Config{})

	var got sync.Map
	record := func(_ context.Context, env *event.Envelope, _ event.Payload) error {
		got.Store(env.ID, env.Type)
		return nil
	}
	subscribe(ctx, t, bus, Topic(event.TypeOrderCancel), "matching", record)
	subscribe(ctx, t, bus, Topic(event.TypeOrderFailed), "matching", record)

	cancelEnv := cancelEvent(t, "o1")
	failedEnv, err := event.New("test", event.OrderFailed{OrderID: "o2", UserID: "alice", FailureType: event.FailureInvalidOrder, FailedAt: time.Now()})
	require.NoError(t, err)

	// subscriptions attach asynchronously; the stream keeps what is
	// published before they do
	require.NoError(t, bus.Publish(ctx, cancelEnv))
	require.NoError(t, bus.Publish(ctx, failedEnv))

	require.Eventually(t, func() bool {
		_, a := got.Load(cancelEnv.ID)
		_, b := got.Load(failedEnv.ID)
		return a && b
	}, 10*time.Second, 10*time.Millisecond)
}

func TestNATSBus_RedeliversThenDeadLetters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := newTestNATSBus(t, &Config{MaxRetries: 2, RetryBackoffMs: 10})
	topic := Topic(event.TypeOrderCancel)

	var flaky, broken atomic.Int32
	subscribe(ctx, t, bus, topic, "flaky", func(context.Context, *event.Envelope, event.Payload) error {
		if flaky.Add(1) == 1 {
			return errors.New("store unavailable")
		}
		return nil
	})
	subscribe(ctx, t, bus, topic, "broken", func(context.Context, *event.Envelope, event.Payload) error {
		broken.Add(1)
		return errors.New("always fails")
	})
	dead := make(chan string, 1)
	subscribe(ctx, t, bus, topic+".dlq", "audit", func(_ context.Context, env *event.Envelope, _ event.Payload) error {
		dead <- env.ID
		return nil
	})

	env := cancelEvent(t, "o1")
	require.NoError(t, bus.Publish(ctx, env))

	select {
	case id := <-dead:
		assert.Equal(t, env.ID, id)
	case <-time.After(10 * time.Second):
		t.Fatal("event was not dead-lettered")
	}
	assert.Equal(t, int32(3), broken.Load())
	require.Eventually(t, func() bool { return flaky.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestNATSBus_PublishIsDeduplicated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := newTestNATSBus(t, &Config{})

	var n atomic.Int32
	subscribe(ctx, t, bus, Topic(event.TypeOrderCancel), "oms", func(context.Context, *event.Envelope, event.Payload) error {
		n.Add(1)
		return nil
	})
	env := cancelEvent(t, "o1")
	require.NoError(t, bus.Publish(ctx, env))
	require.NoError(t, bus.Publish(ctx, env))
	marker := cancelEvent(t, "o2")
	require.NoError(t, bus.Publish(ctx, marker))

	require.Eventually(t, func() bool { return n.Load() >= 2 }, 10*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), n.Load())
}
