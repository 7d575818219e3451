package cob

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisMutex(t *testing.T) (*RedisMutex, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisMutexWithClient(client, "", time.Minute), mr
}

func TestRedisMutex_ExcludesSecondHolder(t *testing.T) {
	m, mr := newRedisMutex(t)

	release, err := m.Acquire(context.Background(), "L1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("loan:mutex:L1"))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "L1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	assert.False(t, mr.Exists("loan:mutex:L1"))

	again, err := m.Acquire(context.Background(), "L1")
	require.NoError(t, err)
	again()
}

func TestRedisMutex_ReleaseKeepsForeignToken(t *testing.T) {
	m, mr := newRedisMutex(t)

	release, err := m.Acquire(context.Background(), "L1")
	require.NoError(t, err)

	// our TTL expired and another instance took the key
	mr.Del("loan:mutex:L1")
	require.NoError(t, mr.Set("loan:mutex:L1", "someone-else"))

	release()
	got, err := mr.Get("loan:mutex:L1")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisMutex_GuardsGate(t *testing.T) {
	m, _ := newRedisMutex(t)
	gate := NewGate(nil, m, nil)
	gate.Timeout = 50 * time.Millisecond

	release, err := m.Acquire(context.Background(), "L1")
	require.NoError(t, err)
	defer release()

	err = gate.Guard(context.Background(), "L1", func(context.Context) error { return nil })
	assert.Error(t, err)
}

func TestNewRedisMutex_ConnectsWithPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	m, err := NewRedisMutex(RedisConfig{Host: mr.Host(), Port: port, KeyPrefix: "test:"}, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { m.Client().Close() })

	release, err := m.Acquire(context.Background(), "L1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:L1"))
	release()
	assert.False(t, mr.Exists("test:L1"))

	mr.Close()
	_, err = NewRedisMutex(RedisConfig{Host: mr.Host(), Port: port}, time.Minute)
	assert.Error(t, err)
}
