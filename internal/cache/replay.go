// Package cache holds the Redis-backed helpers of the service.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/abcotronics/docreply/internal/config"
)

const (
	defaultKeyPrefix = "docreply:"
	defaultReplayTTL = 7 * 24 * time.Hour
)

// redisCommands is the slice of redis.Cmdable the guard uses.
type redisCommands interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// NewClient connects to Redis using the URL when set, otherwise host/port,
// and pings it.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: cfg.GetRedisAddr(), Password: cfg.Password, DB: cfg.DB}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return client, nil
}

// ReplayGuard claims provider email ids with SETNX so that concurrent or
// repeated deliveries of the same reply are processed once. Claims expire
// after the TTL.
type ReplayGuard struct {
	client redisCommands
	prefix string
	ttl    time.Duration
}

// NewReplayGuard builds a guard over client. Empty prefix and non-positive
// ttl fall back to defaults.
func NewReplayGuard(client redisCommands, prefix string, ttl time.Duration) *ReplayGuard {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = defaultReplayTTL
	}
	return &ReplayGuard{client: client, prefix: prefix, ttl: ttl}
}

func (g *ReplayGuard) key(emailID string) string {
	return g.prefix + "reply:" + emailID
}

// Claim returns true when this caller is the first to claim emailID.
func (g *ReplayGuard) Claim(ctx context.Context, emailID string) (bool, error) {
	if emailID == "" {
		return false, errors.New("empty email id")
	}
	ok, err := g.client.SetNX(ctx, g.key(emailID), time.Now().Unix(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", emailID, err)
	}
	return ok, nil
}

// Release drops a claim so that the reply can be processed again.
func (g *ReplayGuard) Release(ctx context.Context, emailID string) error {
	if err := g.client.Del(ctx, g.key(emailID)).Err(); err != nil {
		return fmt.Errorf("release %s: %w", emailID, err)
	}
	return nil
}
