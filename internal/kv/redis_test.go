package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client), m
}

func TestGetSetDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, found, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(ctx, "k", "v", 0))
	val, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v", val)

	n, err := store.Delete(ctx, "k", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSetWithTTLExpires(t *testing.T) {
	store, m := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "ephemeral", "v", 30*time.Second))
	m.FastForward(31 * time.Second)

	_, found, err := store.Get(ctx, "ephemeral")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSetNX(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	wrote, err := store.SetNX(ctx, "k", "first", 0)
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = store.SetNX(ctx, "k", "second", 0)
	require.NoError(t, err)
	assert.False(t, wrote)

	val, _, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "first", val)
}

func TestEvalRunsScript(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	res, err := store.Eval(ctx, `return redis.call('INCRBY', KEYS[1], ARGV[1])`,
		[]string{"counter"}, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res)
}

func TestSortedSetOps(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.ZAdd(ctx, "log", 1, "a"))
	require.NoError(t, store.ZAdd(ctx, "log", 2, "b"))
	require.NoError(t, store.ZAdd(ctx, "log", 3, "c"))

	n, err := store.ZCard(ctx, "log")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	members, err := store.ZRevRange(ctx, "log", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, members)

	// Trim to the two newest.
	require.NoError(t, store.ZRemRangeByRank(ctx, "log", 0, -3))
	members, err = store.ZRevRange(ctx, "log", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, members)
}

func TestUpdateCommits(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	err := store.Update(ctx, "state", func(current string, exists bool) (string, error) {
		assert.False(t, exists)
		return "v1", nil
	})
	require.NoError(t, err)

	err = store.Update(ctx, "state", func(current string, exists bool) (string, error) {
		require.True(t, exists)
		assert.Equal(t, "v1", current)
		return "v2", nil
	})
	require.NoError(t, err)

	val, _, err := store.Get(ctx, "state")
	require.NoError(t, err)
	assert.Equal(t, "v2", val)
}

func TestUpdateRetriesOnConflict(t *testing.T) {
	store, m := newTestStore(t)
	ctx := context.Background()

	m.Set("state", "base")

	intruder := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer intruder.Close()

	calls := 0
	err := store.Update(ctx, "state", func(current string, exists bool) (string, error) {
		calls++
		if calls == 1 {
			// Clobber the watched key before our EXEC commits.
			require.NoError(t, intruder.Set(ctx, "state", "intruded", 0).Err())
		}
		return current + "+mine", nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	val, _, err := store.Get(ctx, "state")
	require.NoError(t, err)
	assert.Equal(t, "intruded+mine", val)
}

func TestUpdateSkip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "state", "untouched", 0))
	err := store.Update(ctx, "state", func(current string, exists bool) (string, error) {
		return "", ErrSkipUpdate
	})
	require.NoError(t, err)

	val, _, err := store.Get(ctx, "state")
	require.NoError(t, err)
	assert.Equal(t, "untouched", val)
}

func TestUpdatePropagatesFnError(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sentinel := assert.AnError
	err := store.Update(ctx, "state", func(current string, exists bool) (string, error) {
		return "", sentinel
	})
	require.ErrorIs(t, err, sentinel)

	_, found, err := store.Get(ctx, "state")
	require.NoError(t, err)
	assert.False(t, found)
}
