package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAllowsUpToLimit(t *testing.T) {
	l := New(3, time.Minute, true)
	defer l.Close()

	for i := 0; i < 3; i++ {
		res := l.Check("chat:1")
		assert.True(t, res.Allowed, "request %d should pass", i)
	}

	res := l.Check("chat:1")
	assert.False(t, res.Allowed)
	assert.Greater(t, res.ResetIn, time.Duration(0))
	assert.LessOrEqual(t, res.ResetIn, time.Minute)
}

func TestCheckKeysAreIndependentWhenPerUser(t *testing.T) {
	l := New(1, time.Minute, true)
	defer l.Close()

	require.True(t, l.Check("chat:1").Allowed)
	assert.False(t, l.Check("chat:1").Allowed)
	assert.True(t, l.Check("chat:2").Allowed, "other chats keep their own bucket")
}

func TestGlobalPolicySharesOneBucket(t *testing.T) {
	l := New(2, time.Minute, false)
	defer l.Close()

	require.True(t, l.Check("chat:1").Allowed)
	require.True(t, l.Check("chat:2").Allowed)
	assert.False(t, l.Check("chat:3").Allowed, "global bucket is shared across keys")
}

func TestWindowRollover(t *testing.T) {
	now := time.Now()
	l := New(1, time.Minute, true, WithClock(func() time.Time { return now }))
	defer l.Close()

	require.True(t, l.Check("chat:1").Allowed)
	require.False(t, l.Check("chat:1").Allowed)

	now = now.Add(time.Minute + time.Millisecond)
	assert.True(t, l.Check("chat:1").Allowed, "fresh window after rollover")
}

func TestResetInCountsDownWithinWindow(t *testing.T) {
	now := time.Now()
	l := New(1, time.Minute, true, WithClock(func() time.Time { return now }))
	defer l.Close()

	require.True(t, l.Check("chat:1").Allowed)

	now = now.Add(40 * time.Second)
	res := l.Check("chat:1")
	require.False(t, res.Allowed)
	assert.Equal(t, 20*time.Second, res.ResetIn)
}

func TestReset(t *testing.T) {
	l := New(1, time.Minute, true)
	defer l.Close()

	require.True(t, l.Check("chat:1").Allowed)
	require.False(t, l.Check("chat:1").Allowed)
	l.Reset("chat:1")
	assert.True(t, l.Check("chat:1").Allowed)
}
