package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMemoryGetSetExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := NewMemory(WithClock(clock.now))
	ctx := context.Background()

	require.NoError(t, m.SetEX(ctx, "a", []byte("1"), time.Minute))
	v, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	ttl, err := m.TTL(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	clock.advance(time.Minute)
	_, err = m.Get(ctx, "a")
	assert.True(t, errors.Is(err, ErrNotFound))

	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "get", opErr.Op)
}

func TestMemoryIncrAndExpire(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := NewMemory(WithClock(clock.now))
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := m.Incr(ctx, "c")
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	require.NoError(t, m.Expire(ctx, "c", 10*time.Second))
	clock.advance(11 * time.Second)

	n, err := m.Incr(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ttl, err := m.TTL(ctx, "c")
	require.NoError(t, err)
	assert.Zero(t, ttl)
}

func TestMemorySets(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SAdd(ctx, "s", "b", "a"))
	members, err := m.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, members)

	require.NoError(t, m.SRem(ctx, "s", "a", "b"))
	members, err = m.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.Empty(t, members)

	_, err = m.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.ErrorIs(t, m.SAdd(ctx, "counter", "x"), ErrWrongType)
}

func TestMemoryScanAndMove(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SetEX(ctx, "session:1", []byte("x"), time.Hour))
	require.NoError(t, m.SetEX(ctx, "session:2", []byte("y"), time.Hour))
	require.NoError(t, m.SetEX(ctx, "other:1", []byte("z"), time.Hour))

	keys, err := m.Scan(ctx, "session:")
	require.NoError(t, err)
	assert.Equal(t, []string{"session:1", "session:2"}, keys)

	moved, err := m.Move(ctx, "session:1", "session:3")
	require.NoError(t, err)
	assert.True(t, moved)

	_, err = m.Get(ctx, "session:1")
	assert.ErrorIs(t, err, ErrNotFound)
	ttl, err := m.TTL(ctx, "session:3")
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)

	moved, err = m.Move(ctx, "session:1", "session:4")
	require.NoError(t, err)
	assert.False(t, moved)
}

func TestMemoryCanceledContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Get(ctx, "a")
	assert.True(t, IsUnavailable(err))
}

type plainStore struct{ Store }

func TestMoveNonAtomicWritesNewBeforeDeletingOld(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.SetEX(ctx, "old", []byte("v"), time.Hour))

	s := plainStore{m}
	moved, err := Move(ctx, s, "old", "new")
	require.NoError(t, err)
	assert.True(t, moved)

	v, err := m.Get(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
	_, err = m.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)

	moved, err = Move(ctx, s, "old", "newer")
	require.NoError(t, err)
	assert.False(t, moved)
}

func TestMemoryUpdate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	called := false
	err := m.Update(ctx, "missing", time.Minute, func(cur []byte) ([]byte, error) {
		called = true
		return cur, nil
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, called)

	require.NoError(t, m.SetEX(ctx, "k", []byte("a"), time.Minute))
	require.NoError(t, m.Update(ctx, "k", time.Hour, func(cur []byte) ([]byte, error) {
		return append(cur, 'b'), nil
	}))
	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), v)
	ttl, err := m.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)

	boom := errors.New("boom")
	err = m.Update(ctx, "k", time.Hour, func([]byte) ([]byte, error) { return nil, boom })
	assert.Same(t, boom, err)
	v, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), v)

	require.NoError(t, m.SAdd(ctx, "set", "x"))
	err = m.Update(ctx, "set", time.Hour, func(cur []byte) ([]byte, error) { return cur, nil })
	assert.ErrorIs(t, err, ErrWrongType)
}

func TestMemoryIncrWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := NewMemory(WithClock(clock.now))
	ctx := context.Background()

	n, err := m.IncrWindow(ctx, "c", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	clock.advance(30 * time.Second)
	n, err = m.IncrWindow(ctx, "c", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	ttl, err := m.TTL(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, ttl, "window is not extended")

	_, err = m.Incr(ctx, "bare")
	require.NoError(t, err)
	_, err = m.IncrWindow(ctx, "bare", time.Minute)
	require.NoError(t, err)
	ttl, err = m.TTL(ctx, "bare")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)
}

func TestUpdateNonAtomicFallback(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.SetEX(ctx, "k", []byte("1"), time.Hour))

	s := plainStore{m}
	require.NoError(t, Update(ctx, s, "k", time.Hour, func(cur []byte) ([]byte, error) {
		return append(cur, '2'), nil
	}))
	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("12"), v)

	err = Update(ctx, s, "gone", time.Hour, func(cur []byte) ([]byte, error) { return cur, nil })
	assert.ErrorIs(t, err, ErrNotFound)
}
