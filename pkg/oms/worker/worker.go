// Package worker runs the OMS projection consumer.
package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/joripage/powerex/pkg/coordinator"
	"github.com/joripage/powerex/pkg/eventbus"
	"github.com/joripage/powerex/pkg/oms"
)

type Worker struct {
	router *coordinator.Router
	sub    eventbus.Subscriber
	group  string
}

func NewWorker(o *oms.OMS, sub eventbus.Subscriber, group string, log *zap.Logger) *Worker {
	r := coordinator.NewRouter(log)
	for _, t := range o.Types() {
		r.Handle(t, o.HandleEvent)
	}
	return &Worker{router: r, sub: sub, group: group}
}

// StartConsumer blocks until ctx is done or a subscription fails.
func (w *Worker) StartConsumer(ctx context.Context) error {
	return w.router.Run(ctx, w.sub, w.group)
}
