package kv

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// flakyStore fails every call with ErrUnavailable while down is set.
type flakyStore struct {
	*Memory
	down atomic.Bool
}

func (f *flakyStore) fail(op string) error {
	if f.down.Load() {
		return opErr(op, "", ErrUnavailable)
	}
	return nil
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := f.fail("get"); err != nil {
		return nil, err
	}
	return f.Memory.Get(ctx, key)
}

func (f *flakyStore) SetEX(ctx context.Context, key string, v []byte, ttl time.Duration) error {
	if err := f.fail("setex"); err != nil {
		return err
	}
	return f.Memory.SetEX(ctx, key, v, ttl)
}

func (f *flakyStore) SAdd(ctx context.Context, set string, members ...string) error {
	if err := f.fail("sadd"); err != nil {
		return err
	}
	return f.Memory.SAdd(ctx, set, members...)
}

func (f *flakyStore) Incr(ctx context.Context, key string) (int64, error) {
	if err := f.fail("incr"); err != nil {
		return 0, err
	}
	return f.Memory.Incr(ctx, key)
}

func (f *flakyStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	if err := f.fail("update"); err != nil {
		return err
	}
	return f.Memory.Update(ctx, key, ttl, fn)
}

func (f *flakyStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	if err := f.fail("incr"); err != nil {
		return 0, err
	}
	return f.Memory.IncrWindow(ctx, key, window)
}

func (f *flakyStore) Ping(ctx context.Context) error {
	if err := f.fail("ping"); err != nil {
		return err
	}
	return f.Memory.Ping(ctx)
}

func TestFallbackWithoutLocalReturnsErrors(t *testing.T) {
	primary := &flakyStore{Memory: NewMemory()}
	f := NewFallback(primary, FallbackOptions{Logger: zaptest.NewLogger(t)})
	ctx := context.Background()

	primary.down.Store(true)
	err := f.SetEX(ctx, "k", []byte("v"), time.Minute)
	assert.True(t, IsUnavailable(err))
	assert.True(t, f.Degraded())
	assert.Zero(t, f.JournalLen())
}

func TestFallbackJournalsAndReplays(t *testing.T) {
	primary := &flakyStore{Memory: NewMemory()}
	f := NewFallback(primary, FallbackOptions{Local: true, Logger: zaptest.NewLogger(t)})
	ctx := context.Background()

	primary.down.Store(true)
	require.NoError(t, f.SetEX(ctx, "session:1", []byte("rec"), time.Hour))
	require.NoError(t, f.SAdd(ctx, "user_sessions:u", "1"))
	n, err := f.Incr(ctx, "ratelimit:login:ip")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	v, err := f.Get(ctx, "session:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("rec"), v)
	assert.Equal(t, 3, f.JournalLen())

	assert.Error(t, f.Recover(ctx))

	primary.down.Store(false)
	require.NoError(t, f.Recover(ctx))
	assert.False(t, f.Degraded())
	assert.Zero(t, f.JournalLen())

	v, err = primary.Memory.Get(ctx, "session:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("rec"), v)
	members, err := primary.Memory.SMembers(ctx, "user_sessions:u")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, members)
}

func TestFallbackJournalIsBounded(t *testing.T) {
	primary := &flakyStore{Memory: NewMemory()}
	f := NewFallback(primary, FallbackOptions{Local: true, MaxJournal: 2})
	ctx := context.Background()

	primary.down.Store(true)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, f.SetEX(ctx, k, []byte(k), time.Minute))
	}
	assert.Equal(t, 2, f.JournalLen())
}

func TestFallbackWatchMarksDegraded(t *testing.T) {
	primary := &flakyStore{Memory: NewMemory()}
	f := NewFallback(primary, FallbackOptions{Local: true})
	primary.down.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go f.Watch(ctx, 10*time.Millisecond)

	require.Eventually(t, f.Degraded, time.Second, 5*time.Millisecond)
	primary.down.Store(false)
	require.Eventually(t, func() bool { return !f.Degraded() }, time.Second, 5*time.Millisecond)
}

func TestFallbackUpdateJournalsStoredValue(t *testing.T) {
	primary := &flakyStore{Memory: NewMemory()}
	f := NewFallback(primary, FallbackOptions{Local: true, Logger: zaptest.NewLogger(t)})
	ctx := context.Background()

	primary.down.Store(true)
	require.NoError(t, f.SetEX(ctx, "session:1", []byte("a"), time.Hour))
	require.NoError(t, f.Update(ctx, "session:1", time.Hour, func(cur []byte) ([]byte, error) {
		return append(cur, 'b'), nil
	}))
	n, err := f.IncrWindow(ctx, "ratelimit:login:ip", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	primary.down.Store(false)
	require.NoError(t, f.Recover(ctx))
	v, err := primary.Memory.Get(ctx, "session:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), v)
	ttl, err := primary.Memory.TTL(ctx, "ratelimit:login:ip")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

// gatedStore parks the first SetEX of key made while up until gate is closed.
type gatedStore struct {
	*flakyStore
	key     string
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (g *gatedStore) SetEX(ctx context.Context, key string, v []byte, ttl time.Duration) error {
	if key == g.key && !g.down.Load() {
		g.once.Do(func() {
			close(g.entered)
			<-g.gate
		})
	}
	return g.flakyStore.SetEX(ctx, key, v, ttl)
}

func TestFallbackWriteDuringReplayReachesPrimary(t *testing.T) {
	primary := &gatedStore{
		flakyStore: &flakyStore{Memory: NewMemory()},
		key:        "session:1",
		entered:    make(chan struct{}),
		gate:       make(chan struct{}),
	}
	f := NewFallback(primary, FallbackOptions{Local: true, Logger: zaptest.NewLogger(t)})
	ctx := context.Background()

	primary.down.Store(true)
	require.NoError(t, f.SetEX(ctx, "session:1", []byte("journalled"), time.Hour))
	primary.down.Store(false)

	recovered := make(chan error, 1)
	go func() { recovered <- f.Recover(ctx) }()
	<-primary.entered

	written := make(chan error, 1)
	go func() { written <- f.SetEX(ctx, "session:2", []byte("late"), time.Hour) }()
	// Give the write time to queue behind the replay.
	time.Sleep(20 * time.Millisecond)
	close(primary.gate)

	require.NoError(t, <-recovered)
	require.NoError(t, <-written)
	assert.False(t, f.Degraded())
	assert.Zero(t, f.JournalLen())

	v, err := primary.Memory.Get(ctx, "session:2")
	require.NoError(t, err)
	assert.Equal(t, []byte("late"), v)
	v, err = primary.Memory.Get(ctx, "session:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("journalled"), v)
}
