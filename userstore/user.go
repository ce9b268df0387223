package userstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/authcore/session"
)

var (
	// ErrNotFound is returned when no user matches.
	ErrNotFound = errors.New("userstore: user not found")
	// ErrDuplicate is returned when an identifier is already taken.
	ErrDuplicate = errors.New("userstore: duplicate identifier")
	// ErrInvalidUser is returned for records missing required fields.
	ErrInvalidUser = errors.New("userstore: invalid user")
	// ErrInvalidTwoFactor is returned for an enabled state without a secret.
	ErrInvalidTwoFactor = errors.New("userstore: enabled two-factor requires a secret")
)

// User is the persisted principal record.
type User struct {
	ID           string
	ActorClass   session.ActorClass
	Email        string
	Username     string
	ServiceID    string
	PasswordHash string
	IsActive     bool
	IsBanned     bool
	IsSuspended  bool
	TwoFactor    TwoFactor
	LastLogin    time.Time
	CreatedAt    time.Time
}

// Disabled reports whether the account may not authenticate.
func (u *User) Disabled() bool {
	return !u.IsActive || u.IsBanned || u.IsSuspended
}

// Validate checks required fields for the user's class.
func (u *User) Validate() error {
	if u.ID == "" || u.PasswordHash == "" || !u.ActorClass.Valid() {
		return ErrInvalidUser
	}
	switch u.ActorClass {
	case session.ActorUser:
		if u.Email == "" {
			return ErrInvalidUser
		}
	case session.ActorService:
		if u.ServiceID == "" {
			return ErrInvalidUser
		}
	case session.ActorAdmin:
		if u.Username == "" && u.Email == "" {
			return ErrInvalidUser
		}
	}
	return nil
}

// Store is the contract the session core needs from durable storage.
type Store interface {
	// FindByIdentifier resolves a login identifier for actor: email for
	// users, service id for agents, and username, email or id for admins.
	FindByIdentifier(ctx context.Context, actor session.ActorClass, identifier string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	Create(ctx context.Context, u *User) error
	UpdatePasswordHash(ctx context.Context, id, hash string) error
	SetLastLogin(ctx context.Context, id string, at time.Time) error
	SetTwoFactor(ctx context.Context, id string, tf TwoFactor) error
	// ConsumeBackupCode atomically removes codeHash from the user's backup
	// codes and reports whether it was present.
	ConsumeBackupCode(ctx context.Context, id, codeHash string) (bool, error)
	Close() error
}

// NormalizeIdentifier trims and lower-cases an identifier for lookup.
func NormalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func matchesIdentifier(u *User, actor session.ActorClass, ident string) bool {
	if u.ActorClass != actor {
		return false
	}
	switch actor {
	case session.ActorUser:
		return NormalizeIdentifier(u.Email) == ident
	case session.ActorService:
		return NormalizeIdentifier(u.ServiceID) == ident
	case session.ActorAdmin:
		return NormalizeIdentifier(u.Username) == ident ||
			NormalizeIdentifier(u.Email) == ident ||
			NormalizeIdentifier(u.ID) == ident
	}
	return false
}

func clone(u *User) *User {
	c := *u
	c.TwoFactor = u.TwoFactor.clone()
	return &c
}
