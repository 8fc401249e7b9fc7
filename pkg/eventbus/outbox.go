package eventbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/joripage/powerex/pkg/event"
)

var (
	outboxLower = []byte("outbox/")
	outboxUpper = []byte("outbox0")
)

func outboxKey(seq uint64) []byte {
	key := make([]byte, 0, len(outboxLower)+8)
	key = append(key, outboxLower...)
	return binary.BigEndian.AppendUint64(key, seq)
}

// Outbox is a Publisher backed by a local pebble store. Publish returns once
// the event is synced to disk; a Relay forwards entries downstream in
// publish order.
type Outbox struct {
	db  *pebble.DB
	log *zap.Logger

	mu     sync.Mutex
	seq    uint64
	notify chan struct{}
}

var _ Publisher = (*Outbox)(nil)

func OpenOutbox(dir string, log *zap.Logger) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open outbox %s: %w", dir, err)
	}
	o := &Outbox{db: db, log: log, notify: make(chan struct{}, 1)}
	if o.seq, err = o.lastSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return o, nil
}

func (o *Outbox) lastSeq() (uint64, error) {
	iter, err := o.db.NewIter(&pebble.IterOptions{LowerBound: outboxLower, UpperBound: outboxUpper})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	return binary.BigEndian.Uint64(iter.Key()[len(outboxLower):]), nil
}

func (o *Outbox) Publish(_ context.Context, env *event.Envelope) error {
	data, err := event.Encode(env)
	if err != nil {
		return err
	}

	o.mu.Lock()
	seq := o.seq + 1
	err = o.db.Set(outboxKey(seq), data, pebble.Sync)
	if err == nil {
		o.seq = seq
	}
	o.mu.Unlock()
	if err != nil {
		return fmt.Errorf("outbox append %s: %w", env.ID, err)
	}

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pending counts entries not yet relayed.
func (o *Outbox) Pending() (int, error) {
	iter, err := o.db.NewIter(&pebble.IterOptions{LowerBound: outboxLower, UpperBound: outboxUpper})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

type entry struct {
	key  []byte
	data []byte
}

// oldest returns up to n entries in publish order.
func (o *Outbox) oldest(n int) ([]entry, error) {
	iter, err := o.db.NewIter(&pebble.IterOptions{LowerBound: outboxLower, UpperBound: outboxUpper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []entry
	for iter.First(); iter.Valid() && len(out) < n; iter.Next() {
		out = append(out, entry{
			key:  append([]byte(nil), iter.Key()...),
			data: append([]byte(nil), iter.Value()...),
		})
	}
	return out, iter.Error()
}

// Relay drains an Outbox into a downstream Publisher.
type Relay struct {
	outbox     *Outbox
	downstream Publisher
	log        *zap.Logger
	interval   time.Duration
	retryDelay time.Duration
	maxElapsed time.Duration
}

func NewRelay(outbox *Outbox, downstream Publisher, log *zap.Logger, interval time.Duration) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{outbox: outbox, downstream: downstream, log: log, interval: interval, retryDelay: 100 * time.Millisecond, maxElapsed: time.Minute}
}

// Run forwards entries until ctx is done. An entry is deleted only after the
// downstream publish succeeded, so a crash can resend it; receivers
// de-duplicate by event id.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("outbox relay", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.outbox.notify:
		case <-ticker.C:
		}
	}
}

// Drain forwards everything currently queued and returns how many entries it
// sent.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	sent := 0
	for {
		batch, err := r.outbox.oldest(128)
		if err != nil {
			return sent, err
		}
		if len(batch) == 0 {
			return sent, nil
		}
		for _, e := range batch {
			if err := r.forward(ctx, e); err != nil {
				return sent, err
			}
			sent++
		}
	}
}

func (r *Relay) forward(ctx context.Context, e entry) error {
	env, _, err := event.Decode(e.data)
	if err != nil {
		r.log.Error("dropping undecodable outbox entry", zap.Error(err))
		return r.outbox.db.Delete(e.key, pebble.Sync)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.retryDelay
	eb.MaxElapsedTime = r.maxElapsed
	err = backoff.Retry(func() error {
		err := r.downstream.Publish(ctx, env)
		if err != nil {
			r.log.Warn("relay publish failed", zap.String("event_id", env.ID), zap.Error(err))
		}
		return err
	}, backoff.WithContext(eb, ctx))
	if err != nil {
		return fmt.Errorf("relay %s: %w", env.ID, err)
	}
	if err := r.outbox.db.Delete(e.key, pebble.Sync); err != nil {
		return errors.Join(fmt.Errorf("outbox delete %s", env.ID), err)
	}
	return nil
}
