package kv

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist or has expired.
	ErrNotFound = errors.New("kv: key not found")
	// ErrUnavailable is returned when the backing store cannot be reached,
	// including expired deadlines on a call.
	ErrUnavailable = errors.New("kv: backend unavailable")
	// ErrWrongType is returned when an operation targets a key holding a
	// different kind of value (for example SADD on a counter).
	ErrWrongType = errors.New("kv: wrong value type")
	// ErrConflict is returned when an atomic update keeps losing races with
	// other writers.
	ErrConflict = errors.New("kv: concurrent update")
)

// Store is the set of operations the session core needs from a key/value
// backend. Implementations must be safe for concurrent use and must isolate
// failures per call.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	SAdd(ctx context.Context, set string, members ...string) error
	SRem(ctx context.Context, set string, members ...string) error
	SMembers(ctx context.Context, set string) ([]string, error)
	Scan(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Mover is implemented by stores that can rename a key atomically while
// preserving its remaining TTL. Move reports false when src is absent.
type Mover interface {
	Move(ctx context.Context, src, dst string) (bool, error)
}

// WindowCounter is implemented by stores that can increment a counter and
// start its expiry window in one atomic step. A counter that exists without
// an expiry gets window as its TTL.
type WindowCounter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// UpdateFunc maps the current value of a key to its replacement. It may run
// more than once for one update and must not have side effects.
type UpdateFunc func(current []byte) ([]byte, error)

// Updater is implemented by stores that can read, modify and write one key
// atomically. Update returns ErrNotFound without calling fn when the key is
// absent; an error from fn aborts the update and is returned unchanged.
type Updater interface {
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
}

// OpError describes a failed store operation.
type OpError struct {
	Op  string
	Key string
	Err error
}

func (e *OpError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("kv %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("kv %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Key: key, Err: err}
}

// IsUnavailable reports whether err means the backend could not serve the call.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// MoveNonAtomic renames src to dst on stores without Mover. The new key is
// written before the old one is deleted, so both may be readable for a short
// window; callers get at-most-once semantics only within that window.
func MoveNonAtomic(ctx context.Context, s Store, src, dst string) (bool, error) {
	value, err := s.Get(ctx, src)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	ttl, err := s.TTL(ctx, src)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := s.SetEX(ctx, dst, value, ttl); err != nil {
		return false, err
	}
	if err := s.Delete(ctx, src); err != nil {
		return false, err
	}
	return true, nil
}

// Move uses the store's atomic rename when available.
func Move(ctx context.Context, s Store, src, dst string) (bool, error) {
	if m, ok := s.(Mover); ok {
		return m.Move(ctx, src, dst)
	}
	return MoveNonAtomic(ctx, s, src, dst)
}

// UpdateNonAtomic is Get followed by SetEX for stores without Updater. A
// write landing between the two calls is lost.
func UpdateNonAtomic(ctx context.Context, s Store, key string, ttl time.Duration, fn UpdateFunc) error {
	current, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	return s.SetEX(ctx, key, next, ttl)
}

// Update uses the store's atomic read-modify-write when available.
func Update(ctx context.Context, s Store, key string, ttl time.Duration, fn UpdateFunc) error {
	if u, ok := s.(Updater); ok {
		return u.Update(ctx, key, ttl, fn)
	}
	return UpdateNonAtomic(ctx, s, key, ttl, fn)
}

// IncrWindow increments key and makes sure it carries an expiry. Stores
// without WindowCounter take separate calls; a failed expiry is returned
// alongside the new count and repaired by the next call.
func IncrWindow(ctx context.Context, s Store, key string, window time.Duration) (int64, error) {
	if c, ok := s.(WindowCounter); ok {
		return c.IncrWindow(ctx, key, window)
	}
	n, err := s.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	if n > 1 {
		ttl, err := s.TTL(ctx, key)
		if err != nil || ttl > 0 {
			return n, nil
		}
	}
	if err := s.Expire(ctx, key, window); err != nil {
		return n, err
	}
	return n, nil
}
