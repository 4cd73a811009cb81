package killswitch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execgate/internal/kv"
)

func newTestSwitch(t *testing.T) (*Switch, *miniredis.Miniredis) {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(kv.NewRedis(client)), m
}

func TestDefaultsToActive(t *testing.T) {
	s, _ := newTestSwitch(t)
	ctx := context.Background()

	engaged, err := s.IsEngaged(ctx)
	require.NoError(t, err)
	assert.False(t, engaged)

	st, err := s.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateActive, st.State)
	assert.Zero(t, st.EngagementCountToday)
}

func TestEngageDisengageCycle(t *testing.T) {
	s, _ := newTestSwitch(t)
	ctx := context.Background()

	err := s.Engage(ctx, "fat finger", "ops-alice", map[string]any{"desk": "equities"})
	require.NoError(t, err)

	engaged, err := s.IsEngaged(ctx)
	require.NoError(t, err)
	assert.True(t, engaged)

	st, err := s.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateEngaged, st.State)
	assert.Equal(t, "ops-alice", st.EngagedBy)
	assert.Equal(t, "fat finger", st.EngagementReason)
	require.NotNil(t, st.EngagedAt)
	assert.Equal(t, 1, st.EngagementCountToday)

	err = s.Disengage(ctx, "ops-bob", "incident resolved")
	require.NoError(t, err)

	st, err = s.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateActive, st.State)
	assert.Nil(t, st.EngagedAt)
	assert.Empty(t, st.EngagementReason)
	assert.Equal(t, "ops-bob", st.DisengagedBy)
	assert.Equal(t, "incident resolved", st.DisengagementNotes)
	// The counter survives the disengage.
	assert.Equal(t, 1, st.EngagementCountToday)

	history, err := s.GetHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	// Most recent first.
	assert.Equal(t, StateActive, history[0].Action)
	assert.Equal(t, StateEngaged, history[1].Action)
	assert.Equal(t, "fat finger", history[1].Reason)
}

func TestEngageWhileEngaged(t *testing.T) {
	s, _ := newTestSwitch(t)
	ctx := context.Background()

	require.NoError(t, s.Engage(ctx, "first", "ops-alice", nil))
	err := s.Engage(ctx, "second", "ops-bob", nil)
	require.ErrorIs(t, err, ErrAlreadyEngaged)

	st, err := s.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", st.EngagementReason)
	assert.Equal(t, "ops-alice", st.EngagedBy)
	assert.Equal(t, 1, st.EngagementCountToday)

	history, err := s.GetHistory(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestDisengageWhileActive(t *testing.T) {
	s, _ := newTestSwitch(t)
	ctx := context.Background()

	err := s.Disengage(ctx, "ops-alice", "")
	require.ErrorIs(t, err, ErrNotEngaged)
}

func TestEngagementCounterAccumulates(t *testing.T) {
	s, _ := newTestSwitch(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Engage(ctx, "drill", "ops", nil))
		require.NoError(t, s.Disengage(ctx, "ops", ""))
	}

	st, err := s.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.EngagementCountToday)
}

func TestFailClosedAfterRecordLoss(t *testing.T) {
	s, m := newTestSwitch(t)
	ctx := context.Background()

	require.NoError(t, s.Engage(ctx, "halt", "ops", nil))

	// Simulate infra trouble wiping the record after initialization.
	m.Del(stateKey)

	_, err := s.IsEngaged(ctx)
	require.ErrorIs(t, err, ErrStateUnreadable)
}

func TestFailClosedOnCorruptRecord(t *testing.T) {
	s, m := newTestSwitch(t)
	ctx := context.Background()

	m.Set(stateKey, "{not json")

	_, err := s.IsEngaged(ctx)
	require.ErrorIs(t, err, ErrStateUnreadable)
}

func TestSharedStateAcrossInstances(t *testing.T) {
	s1, m := newTestSwitch(t)
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s2 := New(kv.NewRedis(client))

	require.NoError(t, s1.Engage(ctx, "halt", "ops", nil))

	engaged, err := s2.IsEngaged(ctx)
	require.NoError(t, err)
	assert.True(t, engaged)
}

func TestEngageTimestampsUTC(t *testing.T) {
	s, _ := newTestSwitch(t)
	ctx := context.Background()

	fixed := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	require.NoError(t, s.Engage(ctx, "halt", "ops", nil))

	st, err := s.GetStatus(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.EngagedAt)
	assert.True(t, st.EngagedAt.Equal(fixed))
}
