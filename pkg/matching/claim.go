package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClaimState is what a Claim call found.
type ClaimState int

const (
	// ClaimNew means the caller now holds a pending claim.
	ClaimNew ClaimState = iota
	// ClaimPending means an earlier attempt took the claim and neither
	// completed nor released it. Its effects are unknown.
	ClaimPending
	// ClaimDone means the work was carried out.
	ClaimDone
)

func (s ClaimState) String() string {
	switch s {
	case ClaimNew:
		return "new"
	case ClaimPending:
		return "pending"
	case ClaimDone:
		return "done"
	}
	return fmt.Sprintf("ClaimState(%d)", int(s))
}

// Claimer records which events the matcher has acted on, so a redelivered
// event is not applied twice.
type Claimer interface {
	// Claim takes key as pending if nobody holds it and reports what it found.
	Claim(ctx context.Context, key string) (ClaimState, error)
	// Complete marks key as done.
	Complete(ctx context.Context, key string) error
	// Release forgets a claim whose work did not take effect.
	Release(ctx context.Context, key string) error
}

type MemoryClaimer struct {
	claimed sync.Map
}

func NewMemoryClaimer() *MemoryClaimer {
	return &MemoryClaimer{}
}

func (c *MemoryClaimer) Claim(_ context.Context, key string) (ClaimState, error) {
	v, loaded := c.claimed.LoadOrStore(key, ClaimPending)
	if !loaded {
		return ClaimNew, nil
	}
	return v.(ClaimState), nil
}

func (c *MemoryClaimer) Complete(_ context.Context, key string) error {
	c.claimed.Store(key, ClaimDone)
	return nil
}

func (c *MemoryClaimer) Release(_ context.Context, key string) error {
	c.claimed.Delete(key)
	return nil
}

const (
	claimKeyPrefix = "match:claim:"

	claimPending = "pending"
	claimDone    = "done"
)

// RedisClaimer shares claims between matcher processes. Claims expire after
// ttl, which must outlast the channel's redelivery window.
type RedisClaimer struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisClaimer(rdb redis.UniversalClient, ttl time.Duration) *RedisClaimer {
	return &RedisClaimer{rdb: rdb, ttl: ttl}
}

func (c *RedisClaimer) Claim(ctx context.Context, key string) (ClaimState, error) {
	ok, err := c.rdb.SetNX(ctx, claimKeyPrefix+key, claimPending, c.ttl).Result()
	if err != nil {
		return ClaimPending, fmt.Errorf("claim %s: %w", key, err)
	}
	if ok {
		return ClaimNew, nil
	}

	v, err := c.rdb.Get(ctx, claimKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		// expired or released in between
		return c.Claim(ctx, key)
	}
	if err != nil {
		return ClaimPending, fmt.Errorf("claim %s: %w", key, err)
	}
	if v == claimDone {
		return ClaimDone, nil
	}
	return ClaimPending, nil
}

func (c *RedisClaimer) Complete(ctx context.Context, key string) error {
	if err := c.rdb.Set(ctx, claimKeyPrefix+key, claimDone, c.ttl).Err(); err != nil {
		return fmt.Errorf("complete claim %s: %w", key, err)
	}
	return nil
}

func (c *RedisClaimer) Release(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, claimKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("release claim %s: %w", key, err)
	}
	return nil
}
