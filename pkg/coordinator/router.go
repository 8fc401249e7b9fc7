// Package coordinator wires the order lifecycle together. Each service
// reacts to the events addressed to it with one local atomic step and
// publishes the next event; there is no central orchestrator.
package coordinator

import (
	"context"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joripage/powerex/pkg/event"
	"github.com/joripage/powerex/pkg/eventbus"
	"github.com/joripage/powerex/pkg/logging"
)

// Router maps event types to handlers.
type Router struct {
	handlers map[event.Type]eventbus.Handler
	log      *zap.Logger
}

func NewRouter(log *zap.Logger) *Router {
	return &Router{handlers: make(map[event.Type]eventbus.Handler), log: log}
}

// Handle registers h for t, replacing any earlier handler.
func (r *Router) Handle(t event.Type, h eventbus.Handler) *Router {
	r.handlers[t] = h
	return r
}

func (r *Router) Types() []event.Type {
	out := make([]event.Type, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Dispatch calls the handler registered for env.Type. Events nobody handles
// are logged and acknowledged.
func (r *Router) Dispatch(ctx context.Context, env *event.Envelope, payload event.Payload) error {
	h, ok := r.handlers[env.Type]
	if !ok {
		logging.FromContext(ctx, r.log).Warn("no handler for event",
			zap.String("event_type", string(env.Type)),
			zap.String("event_id", env.ID),
		)
		return nil
	}
	return h(ctx, env, payload)
}

// Run subscribes every registered type under group and blocks until ctx is
// done or a subscription fails.
func (r *Router) Run(ctx context.Context, sub eventbus.Subscriber, group string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range r.Types() {
		topic := eventbus.Topic(t)
		g.Go(func() error {
			r.log.Info("subscribing", zap.String("topic", topic), zap.String("group", group))
			return sub.Subscribe(ctx, topic, group, r.Dispatch)
		})
	}
	return g.Wait()
}

// publish wraps p with a deterministic id so a redelivered trigger
// republishes the same event.
func publish(ctx context.Context, pub eventbus.Publisher, source, key string, p event.Payload) error {
	env, err := event.NewWithID(event.DerivedID(p.EventType(), key), source, p)
	if err != nil {
		return err
	}
	return pub.Publish(ctx, env)
}
