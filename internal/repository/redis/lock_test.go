package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/syncqueue/internal/repository/redis"
)

func newLocker(t *testing.T) (*redis.DrainLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return redis.NewDrainLocker(client, "syncq:"), mr
}

func TestDrainLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	l, _ := newLocker(t)

	ok, err := l.Acquire(ctx, "tab-a", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(ctx, "tab-b", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Acquire(ctx, "tab-a", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "owner may refresh its lock")

	holder, err := l.Holder(ctx)
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "tab-a", holder.Owner)

	require.NoError(t, l.Release(ctx, "tab-b"))
	holder, err = l.Holder(ctx)
	require.NoError(t, err)
	assert.NotNil(t, holder)

	require.NoError(t, l.Release(ctx, "tab-a"))
	holder, err = l.Holder(ctx)
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestDrainLocker_StaleLockExpires(t *testing.T) {
	ctx := context.Background()
	l, mr := newLocker(t)

	ok, err := l.Acquire(ctx, "tab-a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(31 * time.Second)

	ok, err = l.Acquire(ctx, "tab-b", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
