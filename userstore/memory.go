package userstore

import (
	"context"
	"sync"
	"time"

	"github.com/MrEthical07/authcore/session"
)

// Memory keeps users in a map.
type Memory struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{users: make(map[string]*User)}
}

func (m *Memory) FindByIdentifier(_ context.Context, actor session.ActorClass, identifier string) (*User, error) {
	ident := NormalizeIdentifier(identifier)
	if ident == "" {
		return nil, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if matchesIdentifier(u, actor, ident) {
			return clone(u), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetByID(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(u), nil
}

func (m *Memory) Create(_ context.Context, u *User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range m.users {
		if conflicts(existing, u) {
			return ErrDuplicate
		}
	}
	c := clone(u)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.users[u.ID] = c
	return nil
}

func conflicts(a, b *User) bool {
	if a.ActorClass != b.ActorClass {
		return false
	}
	eq := func(x, y string) bool { return x != "" && NormalizeIdentifier(x) == NormalizeIdentifier(y) }
	return eq(a.Email, b.Email) || eq(a.Username, b.Username) || eq(a.ServiceID, b.ServiceID)
}

func (m *Memory) update(id string, fn func(*User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	return nil
}

func (m *Memory) UpdatePasswordHash(_ context.Context, id, hash string) error {
	return m.update(id, func(u *User) { u.PasswordHash = hash })
}

func (m *Memory) SetLastLogin(_ context.Context, id string, at time.Time) error {
	return m.update(id, func(u *User) { u.LastLogin = at })
}

func (m *Memory) SetTwoFactor(_ context.Context, id string, tf TwoFactor) error {
	return m.update(id, func(u *User) { u.TwoFactor = tf.clone() })
}

// SetStatus changes the account flags.
func (m *Memory) SetStatus(_ context.Context, id string, active, banned, suspended bool) error {
	return m.update(id, func(u *User) {
		u.IsActive, u.IsBanned, u.IsSuspended = active, banned, suspended
	})
}

func (m *Memory) ConsumeBackupCode(_ context.Context, id, codeHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return false, ErrNotFound
	}
	for i, h := range u.TwoFactor.backupCodes {
		if h == codeHash {
			u.TwoFactor = u.TwoFactor.WithoutBackupCode(i)
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) Close() error { return nil }
