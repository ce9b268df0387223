package kv

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	value   []byte
	set     map[string]struct{}
	expires time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// Memory is an in-process Store. It is only correct for a single process.
type Memory struct {
	mu   sync.Mutex
	data map[string]*memEntry
	now  func() time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory returns an empty in-process store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{data: make(map[string]*memEntry), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// lookup returns a live entry, evicting it when expired. Caller holds mu.
func (m *Memory) lookup(key string) (*memEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return nil, false
	}
	if e.expired(m.now()) {
		delete(m.data, key)
		return nil, false
	}
	return e, true
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, opErr("get", key, ErrUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok {
		return nil, opErr("get", key, ErrNotFound)
	}
	if e.set != nil {
		return nil, opErr("get", key, ErrWrongType)
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *Memory) SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return opErr("setex", key, ErrUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return opErr("delete", "", ErrUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *Memory) Incr(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, opErr("incr", key, ErrUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, _, err := m.incrLocked(key)
	return n, err
}

// IncrWindow increments key and sets its expiry to window when it has none.
func (m *Memory) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, opErr("incr", key, ErrUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, e, err := m.incrLocked(key)
	if err != nil {
		return 0, err
	}
	if e.expires.IsZero() && window > 0 {
		e.expires = m.now().Add(window)
	}
	return n, nil
}

// incrLocked bumps a counter entry. Caller holds mu.
func (m *Memory) incrLocked(key string) (int64, *memEntry, error) {
	e, ok := m.lookup(key)
	if !ok {
		e = &memEntry{value: []byte("1")}
		m.data[key] = e
		return 1, e, nil
	}
	if e.set != nil {
		return 0, nil, opErr("incr", key, ErrWrongType)
	}
	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, nil, opErr("incr", key, ErrWrongType)
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	return n, e, nil
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return opErr("expire", key, ErrUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok {
		return nil
	}
	if ttl <= 0 {
		delete(m.data, key)
		return nil
	}
	e.expires = m.now().Add(ttl)
	return nil
}

func (m *Memory) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, opErr("ttl", key, ErrUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok {
		return 0, opErr("ttl", key, ErrNotFound)
	}
	if e.expires.IsZero() {
		return 0, nil
	}
	return e.expires.Sub(m.now()), nil
}

func (m *Memory) SAdd(ctx context.Context, set string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return opErr("sadd", set, ErrUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(set)
	if !ok {
		e = &memEntry{set: make(map[string]struct{})}
		m.data[set] = e
	}
	if e.set == nil {
		return opErr("sadd", set, ErrWrongType)
	}
	for _, member := range members {
		e.set[member] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(ctx context.Context, set string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return opErr("srem", set, ErrUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(set)
	if !ok {
		return nil
	}
	if e.set == nil {
		return opErr("srem", set, ErrWrongType)
	}
	for _, member := range members {
		delete(e.set, member)
	}
	if len(e.set) == 0 {
		delete(m.data, set)
	}
	return nil
}

func (m *Memory) SMembers(ctx context.Context, set string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, opErr("smembers", set, ErrUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(set)
	if !ok {
		return []string{}, nil
	}
	if e.set == nil {
		return nil, opErr("smembers", set, ErrWrongType)
	}
	out := make([]string, 0, len(e.set))
	for member := range e.set {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Scan(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, opErr("scan", prefix, ErrUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []string
	for k, e := range m.data {
		if e.expired(now) {
			delete(m.data, k)
			continue
		}
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Move renames src to dst under the store lock, keeping the expiry.
func (m *Memory) Move(ctx context.Context, src, dst string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, opErr("move", src, ErrUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(src)
	if !ok {
		return false, nil
	}
	delete(m.data, src)
	m.data[dst] = e
	return true, nil
}

// Update applies fn under the store lock and resets the expiry to ttl.
func (m *Memory) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return opErr("update", key, ErrUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok {
		return opErr("update", key, ErrNotFound)
	}
	if e.set != nil {
		return opErr("update", key, ErrWrongType)
	}
	next, err := fn(append([]byte(nil), e.value...))
	if err != nil {
		return err
	}
	e = &memEntry{value: append([]byte(nil), next...)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return opErr("ping", "", ErrUnavailable)
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// Len reports the number of live keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for _, e := range m.data {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Reset drops every key.
func (m *Memory) Reset() {
	m.mu.Lock()
	m.data = make(map[string]*memEntry)
	m.mu.Unlock()
}
