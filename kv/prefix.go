package kv

import (
	"context"
	"strings"
	"time"
)

// Prefixed namespaces every key of an underlying store, so several
// deployments can share one Redis database.
type Prefixed struct {
	Store
	prefix string
}

// WithPrefix wraps s. An empty prefix returns s unchanged.
func WithPrefix(s Store, prefix string) Store {
	if prefix == "" {
		return s
	}
	return &Prefixed{Store: s, prefix: prefix}
}

func (p *Prefixed) k(key string) string { return p.prefix + key }

func (p *Prefixed) Get(ctx context.Context, key string) ([]byte, error) {
	return p.Store.Get(ctx, p.k(key))
}

func (p *Prefixed) SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.Store.SetEX(ctx, p.k(key), value, ttl)
}

func (p *Prefixed) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = p.k(key)
	}
	return p.Store.Delete(ctx, full...)
}

func (p *Prefixed) Incr(ctx context.Context, key string) (int64, error) {
	return p.Store.Incr(ctx, p.k(key))
}

func (p *Prefixed) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return p.Store.Expire(ctx, p.k(key), ttl)
}

func (p *Prefixed) TTL(ctx context.Context, key string) (time.Duration, error) {
	return p.Store.TTL(ctx, p.k(key))
}

func (p *Prefixed) SAdd(ctx context.Context, set string, members ...string) error {
	return p.Store.SAdd(ctx, p.k(set), members...)
}

func (p *Prefixed) SRem(ctx context.Context, set string, members ...string) error {
	return p.Store.SRem(ctx, p.k(set), members...)
}

func (p *Prefixed) SMembers(ctx context.Context, set string) ([]string, error) {
	return p.Store.SMembers(ctx, p.k(set))
}

// Scan returns keys with the namespace stripped.
func (p *Prefixed) Scan(ctx context.Context, prefix string) ([]string, error) {
	keys, err := p.Store.Scan(ctx, p.k(prefix))
	if err != nil {
		return nil, err
	}
	for i, key := range keys {
		keys[i] = strings.TrimPrefix(key, p.prefix)
	}
	return keys, nil
}

func (p *Prefixed) Move(ctx context.Context, src, dst string) (bool, error) {
	return Move(ctx, p.Store, p.k(src), p.k(dst))
}

func (p *Prefixed) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	return Update(ctx, p.Store, p.k(key), ttl, fn)
}

func (p *Prefixed) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	return IncrWindow(ctx, p.Store, p.k(key), window)
}
