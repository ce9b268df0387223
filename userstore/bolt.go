package userstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/MrEthical07/authcore/session"
)

var (
	usersBucket = []byte("users")
	indexBucket = []byte("identifiers")
)

// Bolt stores users as JSON in a single bbolt file, with an identifier
// index mapping "{actor}:{kind}:{value}" to user ids.
type Bolt struct {
	db *bbolt.DB
}

type boltUser struct {
	ID           string             `json:"id"`
	ActorClass   session.ActorClass `json:"actor_class"`
	Email        string             `json:"email,omitempty"`
	Username     string             `json:"username,omitempty"`
	ServiceID    string             `json:"service_id,omitempty"`
	PasswordHash string             `json:"hashed_password"`
	IsActive     bool               `json:"is_active"`
	IsBanned     bool               `json:"is_banned"`
	IsSuspended  bool               `json:"is_suspended"`
	TwoFactor    TwoFactor          `json:"totp"`
	LastLogin    time.Time          `json:"last_login,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

func toBolt(u *User) boltUser {
	return boltUser{
		ID: u.ID, ActorClass: u.ActorClass, Email: u.Email, Username: u.Username, ServiceID: u.ServiceID,
		PasswordHash: u.PasswordHash, IsActive: u.IsActive, IsBanned: u.IsBanned, IsSuspended: u.IsSuspended,
		TwoFactor: u.TwoFactor, LastLogin: u.LastLogin, CreatedAt: u.CreatedAt,
	}
}

func (b boltUser) user() *User {
	return &User{
		ID: b.ID, ActorClass: b.ActorClass, Email: b.Email, Username: b.Username, ServiceID: b.ServiceID,
		PasswordHash: b.PasswordHash, IsActive: b.IsActive, IsBanned: b.IsBanned, IsSuspended: b.IsSuspended,
		TwoFactor: b.TwoFactor, LastLogin: b.LastLogin, CreatedAt: b.CreatedAt,
	}
}

// NewBolt prepares buckets in an open database.
func NewBolt(db *bbolt.DB) (*Bolt, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{usersBucket, indexBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("userstore: init bolt buckets: %w", err)
	}
	return &Bolt{db: db}, nil
}

// OpenBolt opens or creates the database file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewBolt(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func indexKeys(u *User) [][]byte {
	var keys [][]byte
	add := func(kind, v string) {
		if v = NormalizeIdentifier(v); v != "" {
			keys = append(keys, []byte(string(u.ActorClass)+":"+kind+":"+v))
		}
	}
	add("email", u.Email)
	add("username", u.Username)
	add("service_id", u.ServiceID)
	return keys
}

func lookupKinds(actor session.ActorClass) []string {
	switch actor {
	case session.ActorUser:
		return []string{"email"}
	case session.ActorService:
		return []string{"service_id"}
	case session.ActorAdmin:
		return []string{"username", "email"}
	}
	return nil
}

func getBoltUser(tx *bbolt.Tx, id string) (*boltUser, error) {
	data := tx.Bucket(usersBucket).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var u boltUser
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("userstore: decode user %s: %w", id, err)
	}
	return &u, nil
}

func putBoltUser(tx *bbolt.Tx, u *boltUser) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return tx.Bucket(usersBucket).Put([]byte(u.ID), data)
}

func (s *Bolt) FindByIdentifier(_ context.Context, actor session.ActorClass, identifier string) (*User, error) {
	ident := NormalizeIdentifier(identifier)
	if ident == "" {
		return nil, ErrNotFound
	}
	var out *User
	err := s.db.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(indexBucket)
		for _, kind := range lookupKinds(actor) {
			if id := idx.Get([]byte(string(actor) + ":" + kind + ":" + ident)); id != nil {
				u, err := getBoltUser(tx, string(id))
				if err != nil {
					return err
				}
				out = u.user()
				return nil
			}
		}
		if actor == session.ActorAdmin {
			u, err := getBoltUser(tx, identifier)
			if err == nil && u.ActorClass == actor {
				out = u.user()
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (s *Bolt) GetByID(_ context.Context, id string) (*User, error) {
	var out *User
	err := s.db.View(func(tx *bbolt.Tx) error {
		u, err := getBoltUser(tx, id)
		if err != nil {
			return err
		}
		out = u.user()
		return nil
	})
	return out, err
}

func (s *Bolt) Create(_ context.Context, u *User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	rec := toBolt(u)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(usersBucket).Get([]byte(u.ID)) != nil {
			return ErrDuplicate
		}
		idx := tx.Bucket(indexBucket)
		keys := indexKeys(u)
		for _, k := range keys {
			if idx.Get(k) != nil {
				return ErrDuplicate
			}
		}
		for _, k := range keys {
			if err := idx.Put(k, []byte(u.ID)); err != nil {
				return err
			}
		}
		return putBoltUser(tx, &rec)
	})
}

func (s *Bolt) update(id string, fn func(*boltUser) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		u, err := getBoltUser(tx, id)
		if err != nil {
			return err
		}
		if err := fn(u); err != nil {
			return err
		}
		return putBoltUser(tx, u)
	})
}

func (s *Bolt) UpdatePasswordHash(_ context.Context, id, hash string) error {
	return s.update(id, func(u *boltUser) error { u.PasswordHash = hash; return nil })
}

func (s *Bolt) SetLastLogin(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(u *boltUser) error { u.LastLogin = at; return nil })
}

func (s *Bolt) SetTwoFactor(_ context.Context, id string, tf TwoFactor) error {
	return s.update(id, func(u *boltUser) error { u.TwoFactor = tf; return nil })
}

// SetStatus changes the account flags.
func (s *Bolt) SetStatus(_ context.Context, id string, active, banned, suspended bool) error {
	return s.update(id, func(u *boltUser) error {
		u.IsActive, u.IsBanned, u.IsSuspended = active, banned, suspended
		return nil
	})
}

var errCodeAbsent = errors.New("backup code absent")

func (s *Bolt) ConsumeBackupCode(_ context.Context, id, codeHash string) (bool, error) {
	err := s.update(id, func(u *boltUser) error {
		for i, h := range u.TwoFactor.backupCodes {
			if h == codeHash {
				u.TwoFactor = u.TwoFactor.WithoutBackupCode(i)
				return nil
			}
		}
		return errCodeAbsent
	})
	if errors.Is(err, errCodeAbsent) {
		return false, nil
	}
	return err == nil, err
}

func (s *Bolt) Close() error { return s.db.Close() }
