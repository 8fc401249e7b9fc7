package redis_wrapper

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestInitRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := InitRedisWithBackoff(&RedisConfig{ConnectionURL: "redis://" + mr.Addr() + "/0", PoolSize: 4})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := mr.Get("k"); got != "v" {
		t.Errorf("stored %q, want %q", got, "v")
	}
}

func TestInitRedisBadURL(t *testing.T) {
	if _, err := InitRedis(&RedisConfig{ConnectionURL: "://nope"}); err == nil {
		t.Fatal("expected parse error")
	}
}
