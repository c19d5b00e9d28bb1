// Package mfa implements the multi-factor challenge subsystem: TOTP
// verification per RFC 6238 plus channel-delivered codes, with a
// pending/approved/denied/expired challenge lifecycle.
package mfa

import "time"

// Method identifies how a challenge is satisfied.
type Method string

const (
	// MethodTOTP verifies against the principal's enrolled TOTP secret.
	MethodTOTP Method = "totp"
	// MethodSMS delivers a 6-digit code by text message.
	MethodSMS Method = "sms"
	// MethodEmail delivers a 6-digit code by email.
	MethodEmail Method = "email"
	// MethodPush carries no code; approval arrives out of band.
	MethodPush Method = "push"
)

// IsValid checks if the method is a known value.
func (m Method) IsValid() bool {
	switch m {
	case MethodTOTP, MethodSMS, MethodEmail, MethodPush:
		return true
	}
	return false
}

// HasCode reports whether the method stores a delivered code on the
// challenge.
func (m Method) HasCode() bool {
	return m == MethodSMS || m == MethodEmail
}

// Status is the challenge lifecycle state.
type Status string

const (
	// StatusPending means the challenge awaits verification.
	StatusPending Status = "pending"
	// StatusApproved means verification succeeded.
	StatusApproved Status = "approved"
	// StatusDenied means the attempt limit was exhausted.
	StatusDenied Status = "denied"
	// StatusExpired means the TTL lapsed before verification.
	StatusExpired Status = "expired"
)

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusDenied || s == StatusExpired
}

// Challenge defaults.
const (
	// DefaultTimeout is the challenge TTL.
	DefaultTimeout = 120 * time.Second
	// DefaultMaxAttempts is the verification attempt limit.
	DefaultMaxAttempts = 3
	// CodeDigits is the length of generated codes.
	CodeDigits = 6
)

// Challenge tracks one multi-factor verification demand against a
// principal.
type Challenge struct {
	// ID is a random identifier handed back to the principal.
	ID string
	// PrincipalID is the principal the challenge binds to. Verification
	// by any other principal fails without consuming an attempt.
	PrincipalID string
	// Method selects the verification path.
	Method Method
	// Action labels what the challenge authorizes, for audit trails.
	Action string
	// Code is the delivered channel code for sms/email methods. Empty
	// for totp and push. Never serialized to clients.
	Code string `json:"-"`
	// CreatedAt is when the challenge was issued (UTC).
	CreatedAt time.Time
	// ExpiresAt is when the challenge lapses (UTC).
	ExpiresAt time.Time
	// Status is the lifecycle state.
	Status Status
	// Attempts counts verification tries, successful or not.
	Attempts int
	// MaxAttempts is the limit beyond which the challenge is denied.
	MaxAttempts int
}

// IsExpired checks if the challenge has exceeded its TTL.
func (c *Challenge) IsExpired() bool {
	return time.Now().UTC().After(c.ExpiresAt)
}
