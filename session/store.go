package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrEthical07/authcore/kv"
)

// ErrNotFound is returned for a missing or expired record.
var ErrNotFound = errors.New("session: not found")

const (
	sessionPrefix = "session:"
	subjectPrefix = "user_sessions:"
	refreshInfix  = "_refresh_token:"

	sweepParallelism = 16
)

// Store reads and writes session state.
type Store struct {
	kv kv.Store
}

// NewStore returns a Store over s.
func NewStore(s kv.Store) *Store {
	return &Store{kv: s}
}

// SessionKey is the key of a session record.
func SessionKey(sid string) string { return sessionPrefix + sid }

// SubjectKey is the key of a subject's session set.
func SubjectKey(subject string) string { return subjectPrefix + subject }

// RefreshKey is the key of a refresh record.
func RefreshKey(actor ActorClass, handle string) string {
	return string(actor) + refreshInfix + handle
}

// Save writes rec with the given idle TTL and indexes it under its subject.
func (s *Store) Save(ctx context.Context, rec *Record, ttl time.Duration) error {
	data, err := encode(rec)
	if err != nil {
		return err
	}
	if err := s.kv.SetEX(ctx, SessionKey(rec.SessionID), data, ttl); err != nil {
		return err
	}
	return s.kv.SAdd(ctx, SubjectKey(rec.SubjectID), rec.SessionID)
}

// Update applies mutate to the stored record of sid atomically and resets
// the idle TTL. Fields mutate leaves alone keep whatever a concurrent writer
// stored. A missing session yields ErrNotFound and is never recreated.
func (s *Store) Update(ctx context.Context, sid string, ttl time.Duration, mutate func(*Record) error) (*Record, error) {
	var out *Record
	err := kv.Update(ctx, s.kv, SessionKey(sid), ttl, func(current []byte) ([]byte, error) {
		rec, err := decodeRecord(current)
		if err != nil {
			return nil, err
		}
		if err := mutate(rec); err != nil {
			return nil, err
		}
		out = rec
		return encode(rec)
	})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Touch advances last_activity to at, never backwards, and resets the idle
// TTL. Other fields are left as stored.
func (s *Store) Touch(ctx context.Context, sid string, at time.Time, ttl time.Duration) (*Record, error) {
	at = at.UTC().Truncate(time.Second)
	return s.Update(ctx, sid, ttl, func(rec *Record) error {
		if at.After(rec.LastActivity) {
			rec.LastActivity = at
		}
		return nil
	})
}

// Get loads a session record.
func (s *Store) Get(ctx context.Context, sid string) (*Record, error) {
	data, err := s.kv.Get(ctx, SessionKey(sid))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

// Delete removes a session, its current refresh handle, and its index
// entry. Deleting a missing session is not an error.
func (s *Store) Delete(ctx context.Context, sid string) (*Record, error) {
	rec, err := s.Get(ctx, sid)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, nil
	case errors.Is(err, ErrCorrupt):
		return nil, s.kv.Delete(ctx, SessionKey(sid))
	case err != nil:
		return nil, err
	}
	return rec, s.deleteRecord(ctx, rec)
}

func (s *Store) deleteRecord(ctx context.Context, rec *Record) error {
	keys := []string{SessionKey(rec.SessionID)}
	if rec.RefreshToken != "" {
		keys = append(keys, RefreshKey(rec.ActorClass, rec.RefreshToken))
	}
	if err := s.kv.Delete(ctx, keys...); err != nil {
		return err
	}
	return s.kv.SRem(ctx, SubjectKey(rec.SubjectID), rec.SessionID)
}

// SubjectSessions lists indexed session ids for subject. The set may
// contain ids whose records already expired.
func (s *Store) SubjectSessions(ctx context.Context, subject string) ([]string, error) {
	return s.kv.SMembers(ctx, SubjectKey(subject))
}

// DeleteAllForSubject removes every session of subject except the ids in
// keep and returns how many records were deleted.
//
// A session created while this runs may survive; the caller can repeat.
func (s *Store) DeleteAllForSubject(ctx context.Context, subject string, keep ...string) (int, error) {
	ids, err := s.SubjectSessions(ctx, subject)
	if err != nil {
		return 0, err
	}
	skip := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		skip[id] = struct{}{}
	}

	deleted := 0
	for _, id := range ids {
		if _, ok := skip[id]; ok {
			continue
		}
		rec, err := s.Delete(ctx, id)
		if err != nil {
			return deleted, err
		}
		if rec != nil {
			deleted++
		} else if err := s.kv.SRem(ctx, SubjectKey(subject), id); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// SaveRefresh stores a refresh record that expires at rec.ExpiresAt.
func (s *Store) SaveRefresh(ctx context.Context, handle string, rec *RefreshRecord, now time.Time) error {
	ttl := rec.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return fmt.Errorf("session: refresh record already expired")
	}
	data, err := encode(rec)
	if err != nil {
		return err
	}
	return s.kv.SetEX(ctx, RefreshKey(rec.ActorClass, handle), data, ttl)
}

// GetRefresh loads the record behind handle.
func (s *Store) GetRefresh(ctx context.Context, actor ActorClass, handle string) (*RefreshRecord, error) {
	data, err := s.kv.Get(ctx, RefreshKey(actor, handle))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRefresh(data)
}

// RotateRefresh moves the record from oldHandle to newHandle, keeping its
// remaining TTL. It returns ErrNotFound when oldHandle was already used or
// has expired, so at most one caller wins a given handle.
func (s *Store) RotateRefresh(ctx context.Context, actor ActorClass, oldHandle, newHandle string) error {
	moved, err := kv.Move(ctx, s.kv, RefreshKey(actor, oldHandle), RefreshKey(actor, newHandle))
	if err != nil {
		return err
	}
	if !moved {
		return ErrNotFound
	}
	return nil
}

// DeleteRefresh removes a refresh handle.
func (s *Store) DeleteRefresh(ctx context.Context, actor ActorClass, handle string) error {
	return s.kv.Delete(ctx, RefreshKey(actor, handle))
}

// SweepStats summarises one sweep.
type SweepStats struct {
	Scanned  int
	Deleted  int
	Repaired int
}

// Sweep deletes sessions idle for at least idle and drops index entries
// that point at missing records. Concurrent sweeps are safe.
func (s *Store) Sweep(ctx context.Context, idle time.Duration, now time.Time) (SweepStats, error) {
	var stats SweepStats

	keys, err := s.kv.Scan(ctx, sessionPrefix)
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(keys)

	deleted := make([]bool, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for i, key := range keys {
		g.Go(func() error {
			sid := strings.TrimPrefix(key, sessionPrefix)
			rec, err := s.Get(gctx, sid)
			switch {
			case errors.Is(err, ErrNotFound):
				return nil
			case errors.Is(err, ErrCorrupt):
				deleted[i] = true
				return s.kv.Delete(gctx, key)
			case err != nil:
				return err
			}
			if rec.IsActive && rec.Idle(now) < idle {
				return nil
			}
			deleted[i] = true
			return s.deleteRecord(gctx, rec)
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	for _, d := range deleted {
		if d {
			stats.Deleted++
		}
	}

	repaired, err := s.repairIndexes(ctx)
	stats.Repaired = repaired
	return stats, err
}

func (s *Store) repairIndexes(ctx context.Context) (int, error) {
	sets, err := s.kv.Scan(ctx, subjectPrefix)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, set := range sets {
		members, err := s.kv.SMembers(ctx, set)
		if errors.Is(err, kv.ErrWrongType) {
			continue
		}
		if err != nil {
			return repaired, err
		}
		var stale []string
		for _, sid := range members {
			_, err := s.kv.Get(ctx, SessionKey(sid))
			if errors.Is(err, kv.ErrNotFound) {
				stale = append(stale, sid)
				continue
			}
			if err != nil {
				return repaired, err
			}
		}
		if len(stale) == 0 {
			continue
		}
		if err := s.kv.SRem(ctx, set, stale...); err != nil {
			return repaired, err
		}
		repaired += len(stale)
	}
	return repaired, nil
}
