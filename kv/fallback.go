package kv

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type journalOp int

const (
	opSetEX journalOp = iota
	opDelete
	opIncr
	opExpire
	opSAdd
	opSRem
	opMove
	opIncrWindow
)

type journalEntry struct {
	op      journalOp
	key     string
	keys    []string
	value   []byte
	members []string
	ttl     time.Duration
	dst     string
}

// FallbackOptions configures NewFallback.
type FallbackOptions struct {
	// Local enables serving from an in-process store while the primary is
	// down. Only valid when a single process owns the keyspace.
	Local bool
	// MaxJournal caps buffered writes; older entries are dropped first.
	MaxJournal int
	Logger     *zap.Logger
}

// Fallback routes calls to a primary store and tracks its health. When the
// primary is unreachable and local mode is on, calls are served by a Memory
// store and writes are journalled for replay once the primary recovers.
type Fallback struct {
	primary Store
	local   *Memory
	opts    FallbackOptions
	logger  *zap.Logger

	degraded atomic.Bool

	mu      sync.Mutex
	journal []journalEntry
	dropped int
}

// NewFallback wraps primary.
func NewFallback(primary Store, opts FallbackOptions) *Fallback {
	if opts.MaxJournal <= 0 {
		opts.MaxJournal = 100000
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fallback{
		primary: primary,
		local:   NewMemory(),
		opts:    opts,
		logger:  logger.Named("kv"),
	}
}

// Degraded reports whether the primary is currently considered down.
func (f *Fallback) Degraded() bool { return f.degraded.Load() }

// JournalLen reports buffered writes awaiting replay.
func (f *Fallback) JournalLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.journal)
}

func (f *Fallback) markDegraded(err error) {
	if f.degraded.CompareAndSwap(false, true) {
		f.logger.Warn("primary store unavailable", zap.Error(err), zap.Bool("local_fallback", f.opts.Local))
	}
}

func (f *Fallback) useLocal() bool {
	return f.opts.Local && f.degraded.Load()
}

// appendJournal buffers e for replay. Caller holds mu.
func (f *Fallback) appendJournal(e journalEntry) {
	if len(f.journal) >= f.opts.MaxJournal {
		f.journal = f.journal[1:]
		f.dropped++
	}
	f.journal = append(f.journal, e)
}

// read runs fn against the primary, switching to local mode on failure.
func (f *Fallback) read(fn func(Store) error) error {
	if !f.useLocal() {
		err := fn(f.primary)
		if err == nil || !IsUnavailable(err) {
			return err
		}
		f.markDegraded(err)
		if !f.opts.Local {
			return err
		}
	}
	return fn(f.local)
}

// write is read plus journalling of calls served locally.
func (f *Fallback) write(e journalEntry, fn func(Store) error) error {
	return f.writeEntry(func() journalEntry { return e }, fn)
}

// writeEntry builds the journal entry after fn has run locally, for writes
// whose stored value is only known once they complete. The local call and
// the journal append happen under mu, the lock Recover replays under, so a
// write is either replayed or sent to the primary.
func (f *Fallback) writeEntry(entry func() journalEntry, fn func(Store) error) error {
	if !f.useLocal() {
		err := fn(f.primary)
		if err == nil || !IsUnavailable(err) {
			return err
		}
		f.markDegraded(err)
		if !f.opts.Local {
			return err
		}
	}

	f.mu.Lock()
	if !f.degraded.Load() {
		// Recovered while this call waited for the journal.
		f.mu.Unlock()
		return fn(f.primary)
	}
	defer f.mu.Unlock()
	if err := fn(f.local); err != nil {
		return err
	}
	f.appendJournal(entry())
	return nil
}

func (f *Fallback) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := f.read(func(s Store) error {
		var err error
		out, err = s.Get(ctx, key)
		return err
	})
	return out, err
}

func (f *Fallback) SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	e := journalEntry{op: opSetEX, key: key, value: append([]byte(nil), value...), ttl: ttl}
	return f.write(e, func(s Store) error { return s.SetEX(ctx, key, value, ttl) })
}

func (f *Fallback) Delete(ctx context.Context, keys ...string) error {
	e := journalEntry{op: opDelete, keys: append([]string(nil), keys...)}
	return f.write(e, func(s Store) error { return s.Delete(ctx, keys...) })
}

func (f *Fallback) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := f.write(journalEntry{op: opIncr, key: key}, func(s Store) error {
		var err error
		n, err = s.Incr(ctx, key)
		return err
	})
	return n, err
}

func (f *Fallback) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	var n int64
	err := f.write(journalEntry{op: opIncrWindow, key: key, ttl: window}, func(s Store) error {
		var err error
		n, err = IncrWindow(ctx, s, key, window)
		return err
	})
	return n, err
}

func (f *Fallback) Expire(ctx context.Context, key string, ttl time.Duration) error {
	e := journalEntry{op: opExpire, key: key, ttl: ttl}
	return f.write(e, func(s Store) error { return s.Expire(ctx, key, ttl) })
}

func (f *Fallback) TTL(ctx context.Context, key string) (time.Duration, error) {
	var d time.Duration
	err := f.read(func(s Store) error {
		var err error
		d, err = s.TTL(ctx, key)
		return err
	})
	return d, err
}

func (f *Fallback) SAdd(ctx context.Context, set string, members ...string) error {
	e := journalEntry{op: opSAdd, key: set, members: append([]string(nil), members...)}
	return f.write(e, func(s Store) error { return s.SAdd(ctx, set, members...) })
}

func (f *Fallback) SRem(ctx context.Context, set string, members ...string) error {
	e := journalEntry{op: opSRem, key: set, members: append([]string(nil), members...)}
	return f.write(e, func(s Store) error { return s.SRem(ctx, set, members...) })
}

func (f *Fallback) SMembers(ctx context.Context, set string) ([]string, error) {
	var out []string
	err := f.read(func(s Store) error {
		var err error
		out, err = s.SMembers(ctx, set)
		return err
	})
	return out, err
}

func (f *Fallback) Scan(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := f.read(func(s Store) error {
		var err error
		out, err = s.Scan(ctx, prefix)
		return err
	})
	return out, err
}

func (f *Fallback) Move(ctx context.Context, src, dst string) (bool, error) {
	var moved bool
	err := f.write(journalEntry{op: opMove, key: src, dst: dst}, func(s Store) error {
		var err error
		moved, err = Move(ctx, s, src, dst)
		return err
	})
	return moved, err
}

// Update journals the value it stored, so replay does not depend on the
// primary's copy of key.
func (f *Fallback) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	var stored []byte
	capture := func(current []byte) ([]byte, error) {
		next, err := fn(current)
		if err == nil {
			stored = append(stored[:0], next...)
		}
		return next, err
	}
	entry := func() journalEntry {
		return journalEntry{op: opSetEX, key: key, value: append([]byte(nil), stored...), ttl: ttl}
	}
	return f.writeEntry(entry, func(s Store) error { return Update(ctx, s, key, ttl, capture) })
}

// Ping checks the primary only.
func (f *Fallback) Ping(ctx context.Context) error {
	return f.primary.Ping(ctx)
}

func (f *Fallback) Close() error {
	return f.primary.Close()
}

// Recover replays journalled writes against the primary and, when all of
// them succeed, returns traffic to it. It is a no-op while healthy.
func (f *Fallback) Recover(ctx context.Context) error {
	if !f.degraded.Load() {
		return nil
	}
	if err := f.primary.Ping(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for i, e := range f.journal {
		if err := f.apply(ctx, e); err != nil {
			f.journal = f.journal[i:]
			return err
		}
	}
	replayed := len(f.journal)
	f.journal = nil
	f.local.Reset()
	f.degraded.Store(false)
	f.logger.Warn("primary store recovered",
		zap.Int("replayed", replayed),
		zap.Int("dropped", f.dropped),
	)
	f.dropped = 0
	return nil
}

func (f *Fallback) apply(ctx context.Context, e journalEntry) error {
	switch e.op {
	case opSetEX:
		return f.primary.SetEX(ctx, e.key, e.value, e.ttl)
	case opDelete:
		return f.primary.Delete(ctx, e.keys...)
	case opIncr:
		_, err := f.primary.Incr(ctx, e.key)
		return err
	case opExpire:
		return f.primary.Expire(ctx, e.key, e.ttl)
	case opSAdd:
		return f.primary.SAdd(ctx, e.key, e.members...)
	case opSRem:
		return f.primary.SRem(ctx, e.key, e.members...)
	case opMove:
		_, err := Move(ctx, f.primary, e.key, e.dst)
		return err
	case opIncrWindow:
		_, err := IncrWindow(ctx, f.primary, e.key, e.ttl)
		return err
	}
	return nil
}

// Watch pings the primary every interval, marking it degraded on failure
// and replaying the journal once it answers again. It returns when ctx ends.
func (f *Fallback) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.check(ctx, interval)
		}
	}
}

func (f *Fallback) check(ctx context.Context, interval time.Duration) {
	pingCtx, cancel := context.WithTimeout(ctx, interval)
	defer cancel()

	if err := f.primary.Ping(pingCtx); err != nil {
		f.markDegraded(err)
		return
	}
	if err := f.Recover(pingCtx); err != nil {
		f.logger.Warn("journal replay failed", zap.Error(err))
	}
}
