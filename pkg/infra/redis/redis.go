package redis_wrapper

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisConfig struct {
	ConnectionURL         string `yaml:"connection_url"`
	PoolSize              int    `yaml:"pool_size"`
	DialTimeoutSeconds    int    `yaml:"dial_timeout_seconds"`
	ReadTimeoutSeconds    int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds   int    `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds    int    `yaml:"idle_timeout_seconds"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
}

// InitRedis create a redis from config
func InitRedis(redisCfg *RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisCfg.ConnectionURL)
	if err != nil {
		zap.S().Debugf("parse redis url fail: %+v", err)
		return nil, err
	}

	if redisCfg.PoolSize > 0 {
		opts.PoolSize = redisCfg.PoolSize
	}
	if redisCfg.DialTimeoutSeconds > 0 {
		opts.DialTimeout = time.Duration(redisCfg.DialTimeoutSeconds) * time.Second
	}
	if redisCfg.ReadTimeoutSeconds > 0 {
		opts.ReadTimeout = time.Duration(redisCfg.ReadTimeoutSeconds) * time.Second
	}
	if redisCfg.WriteTimeoutSeconds > 0 {
		opts.WriteTimeout = time.Duration(redisCfg.WriteTimeoutSeconds) * time.Second
	}
	if redisCfg.IdleTimeoutSeconds > 0 {
		opts.ConnMaxIdleTime = time.Duration(redisCfg.IdleTimeoutSeconds) * time.Second
	}

	redisClient := redis.NewClient(opts)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		redisClient.Close()
		return nil, err
	}

	zap.S().Debug("connect to redis successful")
	return redisClient, nil
}

// InitRedisWithBackoff retries InitRedis until it connects or
// ConnectTimeoutSeconds (default 60) elapses.
func InitRedisWithBackoff(redisCfg *RedisConfig) (*redis.Client, error) {
	var client *redis.Client
	boff := backoff.NewExponentialBackOff()
	boff.MaxElapsedTime = time.Minute
	if redisCfg.ConnectTimeoutSeconds > 0 {
		boff.MaxElapsedTime = time.Duration(redisCfg.ConnectTimeoutSeconds) * time.Second
	}
	err := backoff.Retry(func() error {
		var err error
		client, err = InitRedis(redisCfg)
		if err != nil {
			zap.S().Warnf("connect redis error: %v", err)
		}
		return err
	}, boff)
	if err != nil {
		return nil, err
	}
	return client, nil
}
