package orderbook

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	orderKeyPrefix = "book:order:"
	userKeyPrefix  = "book:user:"
	seqKey         = "book:seq"

	depthChunk = 256
)

// Each side of a symbol is a sorted set scored by price. Members are
// "<createdAtNanos>:<seq>:<orderID>" zero padded, so lexical order inside one
// score is time priority. The order itself lives in a hash.

// addScript: KEYS = side zset, order hash, user set
// ARGV = price, member, order id, field/value pairs...
var addScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[2]) == 1 then return redis.error_reply("duplicate order") end
	redis.call("ZADD", KEYS[1], ARGV[1], ARGV[2])
	redis.call("HSET", KEYS[2], unpack(ARGV, 4))
	redis.call("SADD", KEYS[3], ARGV[3])
	return "OK"
`)

// popScript: KEYS = opposite side zset
// ARGV = limit price, "asc" for asks or "desc" for bids, order prefix, user prefix
var popScript = redis.NewScript(`
	local member
	if ARGV[2] == "asc" then
		member = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)[1]
	else
		local top = redis.call("ZREVRANGEBYSCORE", KEYS[1], "+inf", ARGV[1], "WITHSCORES", "LIMIT", 0, 1)
		if top[2] then
			member = redis.call("ZRANGEBYSCORE", KEYS[1], top[2], top[2], "LIMIT", 0, 1)[1]
		end
	end
	if not member then return nil end

	redis.call("ZREM", KEYS[1], member)
	local id = string.match(member, "^%d+:%d+:(.+)$")
	local okey = ARGV[3] .. id
	local fields = redis.call("HGETALL", okey)
	if #fields == 0 then return {id} end
	redis.call("DEL", okey)
	for i = 1, #fields, 2 do
		if fields[i] == "user_id" then
			redis.call("SREM", ARGV[4] .. fields[i + 1], id)
		end
	end
	table.insert(fields, 1, id)
	return fields
`)

// removeScript: KEYS = order hash
// ARGV = user prefix, order id
var removeScript = redis.NewScript(`
	local fields = redis.call("HGETALL", KEYS[1])
	if #fields == 0 then return nil end
	local h = {}
	for i = 1, #fields, 2 do h[fields[i]] = fields[i + 1] end
	redis.call("ZREM", h["book_key"], h["member"])
	redis.call("DEL", KEYS[1])
	redis.call("SREM", ARGV[1] .. h["user_id"], ARGV[2])
	return fields
`)

// RedisBook is a Book shared by every matcher process through Redis. All
// mutations are single Lua scripts, so they are atomic with respect to each
// other.
type RedisBook struct {
	rdb redis.UniversalClient
}

var _ Book = (*RedisBook)(nil)

func NewRedisBook(rdb redis.UniversalClient) *RedisBook {
	return &RedisBook{rdb: rdb}
}

func sideKey(symbol string, side Side) string {
	if side == BUY {
		return "book:" + symbol + ":bids"
	}
	return "book:" + symbol + ":asks"
}

func member(o *Order) string {
	return fmt.Sprintf("%019d:%020d:%s", o.CreatedAt.UnixNano(), o.Seq, o.ID)
}

func (b *RedisBook) Add(ctx context.Context, order *Order) error {
	if err := order.validate(); err != nil {
		return err
	}
	if order.Qty == 0 {
		return nil
	}

	o := order.clone()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	if o.Seq == 0 {
		seq, err := b.rdb.Incr(ctx, seqKey).Result()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		o.Seq = uint64(seq)
	}

	bookKey := sideKey(o.Symbol, o.Side)
	m := member(o)
	args := []any{
		o.Price, m, o.ID,
		"id", o.ID,
		"user_id", o.UserID,
		"symbol", o.Symbol,
		"side", string(o.Side),
		"price", o.Price,
		"qty", o.Qty,
		"created_at", o.CreatedAt.UnixNano(),
		"seq", o.Seq,
		"member", m,
		"book_key", bookKey,
	}
	keys := []string{bookKey, orderKeyPrefix + o.ID, userKeyPrefix + o.UserID}
	if err := addScript.Run(ctx, b.rdb, keys, args...).Err(); err != nil {
		if strings.Contains(err.Error(), "duplicate order") {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("add order %s: %w", o.ID, err)
	}
	return nil
}

func (b *RedisBook) PopBestMatch(ctx context.Context, symbol string, takerSide Side, limit int64) (*Order, error) {
	dir := "asc"
	switch takerSide {
	case BUY:
	case SELL:
		dir = "desc"
	default:
		return nil, errUnsupportedSide
	}

	keys := []string{sideKey(symbol, takerSide.Opposite())}
	res, err := popScript.Run(ctx, b.rdb, keys, limit, dir, orderKeyPrefix, userKeyPrefix).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop best match %s: %w", symbol, err)
	}

	id, _ := res[0].(string)
	if len(res) == 1 {
		return nil, fmt.Errorf("%w: %s", ErrStaleOrder, id)
	}
	return parseOrder(pairs(res[1:]))
}

func (b *RedisBook) Remove(ctx context.Context, orderID string) (*Order, bool, error) {
	res, err := removeScript.Run(ctx, b.rdb, []string{orderKeyPrefix + orderID}, userKeyPrefix, orderID).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("remove order %s: %w", orderID, err)
	}
	o, err := parseOrder(pairs(res))
	if err != nil {
		return nil, true, err
	}
	return o, true, nil
}

func (b *RedisBook) Get(ctx context.Context, orderID string) (*Order, error) {
	h, err := b.rdb.HGetAll(ctx, orderKeyPrefix+orderID).Result()
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	if len(h) == 0 {
		return nil, ErrOrderNotFound
	}
	return parseOrder(h)
}

func (b *RedisBook) Depth(ctx context.Context, symbol string, levels int) (*Snapshot, error) {
	snap := &Snapshot{Symbol: symbol, Bids: []Level{}, Asks: []Level{}}
	if levels <= 0 {
		return snap, nil
	}
	var err error
	if snap.Bids, err = b.depth(ctx, symbol, BUY, levels); err != nil {
		return nil, err
	}
	if snap.Asks, err = b.depth(ctx, symbol, SELL, levels); err != nil {
		return nil, err
	}
	return snap, nil
}

// depth walks the side in priority order a chunk at a time until it has seen
// one level more than requested or run out of orders.
func (b *RedisBook) depth(ctx context.Context, symbol string, side Side, levels int) ([]Level, error) {
	key := sideKey(symbol, side)
	lb := levelBuilder{max: levels}
	for start := int64(0); ; start += depthChunk {
		stop := start + depthChunk - 1
		var zs []redis.Z
		var err error
		if side == BUY {
			zs, err = b.rdb.ZRevRangeWithScores(ctx, key, start, stop).Result()
		} else {
			zs, err = b.rdb.ZRangeWithScores(ctx, key, start, stop).Result()
		}
		if err != nil {
			return nil, fmt.Errorf("depth %s: %w", key, err)
		}
		if len(zs) == 0 {
			return lb.levels, nil
		}

		cmds := make([]*redis.StringCmd, len(zs))
		_, err = b.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, z := range zs {
				id := memberID(z.Member.(string))
				cmds[i] = pipe.HGet(ctx, orderKeyPrefix+id, "qty")
			}
			return nil
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("depth quantities %s: %w", key, err)
		}

		// ZREVRANGE lists equal scores in reverse member order; that does not
		// change level totals.
		for i, z := range zs {
			qty, err := cmds[i].Int64()
			if err != nil {
				continue
			}
			if !lb.add(int64(z.Score), qty) {
				return lb.levels, nil
			}
		}
		if len(zs) < depthChunk {
			return lb.levels, nil
		}
	}
}

func (b *RedisBook) BestBid(ctx context.Context, symbol string) (int64, bool, error) {
	return b.best(ctx, sideKey(symbol, BUY), true)
}

func (b *RedisBook) BestAsk(ctx context.Context, symbol string) (int64, bool, error) {
	return b.best(ctx, sideKey(symbol, SELL), false)
}

func (b *RedisBook) best(ctx context.Context, key string, highest bool) (int64, bool, error) {
	var zs []redis.Z
	var err error
	if highest {
		zs, err = b.rdb.ZRevRangeWithScores(ctx, key, 0, 0).Result()
	} else {
		zs, err = b.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
	}
	if err != nil {
		return 0, false, fmt.Errorf("best price %s: %w", key, err)
	}
	if len(zs) == 0 {
		return 0, false, nil
	}
	return int64(zs[0].Score), true, nil
}

func (b *RedisBook) OrdersByUser(ctx context.Context, userID string) ([]*Order, error) {
	ids, err := b.rdb.SMembers(ctx, userKeyPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("orders of %s: %w", userID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = b.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, orderKeyPrefix+id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("orders of %s: %w", userID, err)
	}

	orders := make([]*Order, 0, len(ids))
	for _, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		o, err := parseOrder(h)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	sortByPriority(orders)
	return orders, nil
}

func memberID(m string) string {
	parts := strings.SplitN(m, ":", 3)
	if len(parts) != 3 {
		return m
	}
	return parts[2]
}

// pairs turns a flat field/value reply into a map.
func pairs(flat []any) map[string]string {
	h := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		h[k] = v
	}
	return h
}

func parseOrder(h map[string]string) (*Order, error) {
	price, err := strconv.ParseInt(h["price"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: order %s price: %v", ErrStaleOrder, h["id"], err)
	}
	qty, err := strconv.ParseInt(h["qty"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: order %s qty: %v", ErrStaleOrder, h["id"], err)
	}
	created, err := strconv.ParseInt(h["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: order %s created_at: %v", ErrStaleOrder, h["id"], err)
	}
	seq, err := strconv.ParseUint(h["seq"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: order %s seq: %v", ErrStaleOrder, h["id"], err)
	}
	return &Order{
		ID:        h["id"],
		UserID:    h["user_id"],
		Symbol:    h["symbol"],
		Side:      Side(h["side"]),
		Price:     price,
		Qty:       qty,
		CreatedAt: time.Unix(0, created),
		Seq:       seq,
	}, nil
}
