package userstore

import (
	"encoding/json"
	"fmt"
)

// TwoFactorState names the admin second-factor lifecycle stage.
type TwoFactorState uint8

const (
	TwoFactorDisabled TwoFactorState = iota
	TwoFactorPendingSetup
	TwoFactorEnabled
)

func (s TwoFactorState) String() string {
	switch s {
	case TwoFactorPendingSetup:
		return "pending_setup"
	case TwoFactorEnabled:
		return "enabled"
	}
	return "disabled"
}

// ParseTwoFactorState is the inverse of String.
func ParseTwoFactorState(s string) (TwoFactorState, error) {
	switch s {
	case "", "disabled":
		return TwoFactorDisabled, nil
	case "pending_setup":
		return TwoFactorPendingSetup, nil
	case "enabled":
		return TwoFactorEnabled, nil
	}
	return 0, fmt.Errorf("userstore: unknown two-factor state %q", s)
}

// TwoFactor is a tagged variant over the three states. Fields are
// unexported so an enabled state without a secret cannot be built.
type TwoFactor struct {
	state       TwoFactorState
	secret      string
	backupCodes []string
}

// NoTwoFactor is the disabled state.
func NoTwoFactor() TwoFactor { return TwoFactor{} }

// PendingTwoFactor records that setup started with secret.
func PendingTwoFactor(secret string) (TwoFactor, error) {
	if secret == "" {
		return TwoFactor{}, ErrInvalidTwoFactor
	}
	return TwoFactor{state: TwoFactorPendingSetup, secret: secret}, nil
}

// EnabledTwoFactor is the active state with hashed backup codes.
func EnabledTwoFactor(secret string, backupCodeHashes []string) (TwoFactor, error) {
	if secret == "" {
		return TwoFactor{}, ErrInvalidTwoFactor
	}
	return TwoFactor{
		state:       TwoFactorEnabled,
		secret:      secret,
		backupCodes: append([]string(nil), backupCodeHashes...),
	}, nil
}

// RestoreTwoFactor rebuilds a variant from stored columns.
func RestoreTwoFactor(state, secret string, backupCodeHashes []string) (TwoFactor, error) {
	st, err := ParseTwoFactorState(state)
	if err != nil {
		return TwoFactor{}, err
	}
	switch st {
	case TwoFactorPendingSetup:
		return PendingTwoFactor(secret)
	case TwoFactorEnabled:
		return EnabledTwoFactor(secret, backupCodeHashes)
	}
	return NoTwoFactor(), nil
}

func (t TwoFactor) State() TwoFactorState { return t.state }
func (t TwoFactor) Enabled() bool         { return t.state == TwoFactorEnabled }

// Secret is the base32 TOTP secret, empty when disabled.
func (t TwoFactor) Secret() string { return t.secret }

// BackupCodes returns a copy of the stored backup code hashes.
func (t TwoFactor) BackupCodes() []string {
	return append([]string(nil), t.backupCodes...)
}

// WithoutBackupCode returns t minus the hash at index i.
func (t TwoFactor) WithoutBackupCode(i int) TwoFactor {
	if i < 0 || i >= len(t.backupCodes) {
		return t.clone()
	}
	out := t.clone()
	out.backupCodes = append(out.backupCodes[:i], out.backupCodes[i+1:]...)
	return out
}

func (t TwoFactor) clone() TwoFactor {
	t.backupCodes = append([]string(nil), t.backupCodes...)
	return t
}

type twoFactorJSON struct {
	State       string   `json:"state"`
	Secret      string   `json:"secret,omitempty"`
	BackupCodes []string `json:"backup_codes,omitempty"`
}

func (t TwoFactor) MarshalJSON() ([]byte, error) {
	return json.Marshal(twoFactorJSON{State: t.state.String(), Secret: t.secret, BackupCodes: t.backupCodes})
}

func (t *TwoFactor) UnmarshalJSON(data []byte) error {
	var raw twoFactorJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	tf, err := RestoreTwoFactor(raw.State, raw.Secret, raw.BackupCodes)
	if err != nil {
		return err
	}
	*t = tf
	return nil
}
