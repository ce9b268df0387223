package userstore

import (
	"context"
	"fmt"
	"strings"
)

// OpenOptions tune Open.
type OpenOptions struct {
	MaxConnections int
	// Migrate applies the Postgres schema after connecting.
	Migrate bool
}

// Open selects a backend from dsn: postgres:// or postgresql:// for
// Postgres, bolt://path for a bbolt file, memory:// (or empty) for an
// in-memory store.
func Open(ctx context.Context, dsn string, opts OpenOptions) (Store, error) {
	switch {
	case dsn == "" || strings.HasPrefix(dsn, "memory://"):
		return NewMemory(), nil
	case strings.HasPrefix(dsn, "bolt://"):
		path := strings.TrimPrefix(dsn, "bolt://")
		if path == "" {
			return nil, fmt.Errorf("userstore: bolt url needs a path")
		}
		return OpenBolt(path)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		pg, err := OpenPostgres(ctx, dsn, opts.MaxConnections)
		if err != nil {
			return nil, err
		}
		if opts.Migrate {
			if err := Migrate(ctx, pg.DB()); err != nil {
				_ = pg.Close()
				return nil, fmt.Errorf("userstore: migrate: %w", err)
			}
		}
		return pg, nil
	}
	return nil, fmt.Errorf("userstore: unsupported DATABASE_URL scheme in %q", redact(dsn))
}

func redact(dsn string) string {
	scheme, _, ok := strings.Cut(dsn, "://")
	if !ok {
		return "<invalid>"
	}
	return scheme + "://…"
}
