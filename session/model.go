package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ActorClass is the kind of principal a session belongs to.
type ActorClass string

const (
	ActorUser    ActorClass = "user"
	ActorService ActorClass = "service"
	ActorAdmin   ActorClass = "admin"
)

// Valid reports whether c is one of the three known classes.
func (c ActorClass) Valid() bool {
	switch c {
	case ActorUser, ActorService, ActorAdmin:
		return true
	}
	return false
}

// ErrCorrupt is returned when a stored record cannot be decoded.
var ErrCorrupt = errors.New("session: corrupt record")

// Record is the server-side session state.
type Record struct {
	SessionID         string     `json:"session_id"`
	ActorClass        ActorClass `json:"actor_class"`
	SubjectID         string     `json:"subject_id"`
	CreatedAt         time.Time  `json:"created_at"`
	LastActivity      time.Time  `json:"last_activity"`
	DeviceFingerprint string     `json:"device_fingerprint,omitempty"`
	IPAddress         string     `json:"ip_address,omitempty"`
	UserAgent         string     `json:"user_agent,omitempty"`
	IsActive          bool       `json:"is_active"`
	TOTPVerified      bool       `json:"totp_verified"`
	// RefreshToken is the handle currently paired with the session so it can
	// be deleted on logout.
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Idle reports how long the session has been unused at now.
func (r *Record) Idle(now time.Time) time.Duration {
	return now.Sub(r.LastActivity)
}

// RefreshRecord is stored under a refresh handle. Its content never changes
// across rotation, so ExpiresAt stays anchored to the first issue.
type RefreshRecord struct {
	SessionID  string     `json:"session_id"`
	SubjectID  string     `json:"subject_id"`
	ActorClass ActorClass `json:"actor_class"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decodeRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if r.SessionID == "" || r.SubjectID == "" || !r.ActorClass.Valid() {
		return nil, ErrCorrupt
	}
	return &r, nil
}

func decodeRefresh(data []byte) (*RefreshRecord, error) {
	var r RefreshRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if r.SubjectID == "" || !r.ActorClass.Valid() {
		return nil, ErrCorrupt
	}
	return &r, nil
}
