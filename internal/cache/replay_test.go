package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	keys   map[string]time.Duration
	err    error
	delErr error
}

func (f *fakeRedis) SetNX(_ context.Context, key string, _ interface{}, exp time.Duration) *redis.BoolCmd {
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = exp
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	if f.delErr != nil {
		return redis.NewIntResult(0, f.delErr)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.keys[k]; ok {
			delete(f.keys, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestReplayGuardClaimsOnce(t *testing.T) {
	r := &fakeRedis{keys: map[string]time.Duration{}}
	g := NewReplayGuard(r, "test:", time.Hour)

	ok, err := g.Claim(context.Background(), "em_1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Hour, r.keys["test:reply:em_1"])

	ok, err = g.Claim(context.Background(), "em_1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, g.Release(context.Background(), "em_1"))
	ok, err = g.Claim(context.Background(), "em_1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReplayGuardDefaults(t *testing.T) {
	r := &fakeRedis{keys: map[string]time.Duration{}}
	g := NewReplayGuard(r, "", 0)
	_, err := g.Claim(context.Background(), "em_2")
	require.NoError(t, err)
	assert.Equal(t, defaultReplayTTL, r.keys["docreply:reply:em_2"])

	_, err = g.Claim(context.Background(), "")
	assert.Error(t, err)
}

func TestReplayGuardErrors(t *testing.T) {
	g := NewReplayGuard(&fakeRedis{err: errors.New("connection refused")}, "", 0)
	_, err := g.Claim(context.Background(), "em_1")
	assert.ErrorContains(t, err, "connection refused")

	g = NewReplayGuard(&fakeRedis{keys: map[string]time.Duration{}, delErr: errors.New("readonly")}, "", 0)
	assert.ErrorContains(t, g.Release(context.Background(), "em_1"), "readonly")
}
