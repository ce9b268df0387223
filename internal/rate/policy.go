package rate

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Class names an endpoint group that shares one limit.
type Class string

const (
	Login            Class = "login"
	AdminLogin       Class = "admin_login"
	Register         Class = "register"
	PasswordReset    Class = "password_reset"
	VerificationSend Class = "verification_send"
	APIRead          Class = "api_read"
	APIWrite         Class = "api_write"
	Upload           Class = "upload"
	AdminOperation   Class = "admin_operation"
)

// Policy is the limit for one class.
type Policy struct {
	Limit      int
	Window     time.Duration
	FailClosed bool
}

// Policies maps each class to its policy.
type Policies map[Class]Policy

// DefaultPolicies is the only place default limits are defined.
func DefaultPolicies() Policies {
	return Policies{
		Login:            {Limit: 10, Window: time.Minute, FailClosed: true},
		AdminLogin:       {Limit: 5, Window: time.Minute, FailClosed: true},
		Register:         {Limit: 5, Window: time.Minute},
		PasswordReset:    {Limit: 3, Window: time.Minute, FailClosed: true},
		VerificationSend: {Limit: 3, Window: time.Minute, FailClosed: true},
		APIRead:          {Limit: 300, Window: time.Minute},
		APIWrite:         {Limit: 60, Window: time.Minute},
		Upload:           {Limit: 20, Window: time.Minute},
		AdminOperation:   {Limit: 120, Window: time.Minute, FailClosed: true},
	}
}

// Classes lists the known classes in table order.
func Classes() []Class {
	return []Class{Login, AdminLogin, Register, PasswordReset, VerificationSend, APIRead, APIWrite, Upload, AdminOperation}
}

// Clone returns an independent copy.
func (p Policies) Clone() Policies {
	out := make(Policies, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ApplyEnv applies RATE_LIMIT_<CLASS>=<limit>/<window> and
// RATE_LIMIT_<CLASS>_FAILURE=open|closed overrides. A window without a unit
// is in seconds.
func (p Policies) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, class := range Classes() {
		name := "RATE_LIMIT_" + strings.ToUpper(string(class))
		policy := p[class]

		if raw, ok := lookup(name); ok && strings.TrimSpace(raw) != "" {
			limit, window, err := parseLimit(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			policy.Limit, policy.Window = limit, window
		}
		if raw, ok := lookup(name + "_FAILURE"); ok && strings.TrimSpace(raw) != "" {
			switch strings.ToLower(strings.TrimSpace(raw)) {
			case "open":
				policy.FailClosed = false
			case "closed":
				policy.FailClosed = true
			default:
				return fmt.Errorf("%s_FAILURE: want open or closed, got %q", name, raw)
			}
		}
		p[class] = policy
	}
	return nil
}

// Validate rejects non-positive limits and windows.
func (p Policies) Validate() error {
	for class, policy := range p {
		if policy.Limit <= 0 {
			return fmt.Errorf("rate class %s: limit must be > 0", class)
		}
		if policy.Window < time.Second {
			return fmt.Errorf("rate class %s: window must be at least 1s", class)
		}
	}
	return nil
}

func parseLimit(raw string) (int, time.Duration, error) {
	limitStr, windowStr, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok {
		return 0, 0, fmt.Errorf("want <limit>/<window>, got %q", raw)
	}
	limit, err := strconv.Atoi(strings.TrimSpace(limitStr))
	if err != nil || limit <= 0 {
		return 0, 0, fmt.Errorf("invalid limit %q", limitStr)
	}
	windowStr = strings.TrimSpace(windowStr)
	if secs, err := strconv.Atoi(windowStr); err == nil {
		if secs <= 0 {
			return 0, 0, fmt.Errorf("invalid window %q", windowStr)
		}
		return limit, time.Duration(secs) * time.Second, nil
	}
	window, err := time.ParseDuration(windowStr)
	if err != nil || window < time.Second {
		return 0, 0, fmt.Errorf("invalid window %q", windowStr)
	}
	return limit, window, nil
}
