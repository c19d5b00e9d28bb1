package mfa

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// TOTP parameters per RFC 6238.
const (
	// TOTPSecretBytes is the raw secret length before base32 encoding.
	TOTPSecretBytes = 20
	// TOTPPeriod is the time-step size.
	TOTPPeriod = 30 * time.Second
	// DefaultTOTPWindow accepts codes one step either side of now.
	DefaultTOTPWindow = 1
)

// GenerateTOTPSecret returns a new random secret, base32-encoded.
func GenerateTOTPSecret() (string, error) {
	buf := make([]byte, TOTPSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate totp secret: %w", err)
	}
	return base32.StdEncoding.EncodeToString(buf), nil
}

// GenerateTOTP computes the 6-digit code for a secret at a point in time.
func GenerateTOTP(secret string, t time.Time) (string, error) {
	key, err := decodeTOTPSecret(secret)
	if err != nil {
		return "", err
	}
	step := uint64(t.Unix()) / uint64(TOTPPeriod/time.Second)
	return hotp(key, step), nil
}

// VerifyTOTP checks a code against the secret, accepting time steps
// within window steps of t. Comparison is constant-time per candidate
// and does not short-circuit on a match.
func VerifyTOTP(secret, code string, t time.Time, window int) (bool, error) {
	key, err := decodeTOTPSecret(secret)
	if err != nil {
		return false, err
	}
	if window < 0 {
		window = DefaultTOTPWindow
	}

	step := t.Unix() / int64(TOTPPeriod/time.Second)
	match := false
	for offset := -window; offset <= window; offset++ {
		s := step + int64(offset)
		if s < 0 {
			continue
		}
		candidate := hotp(key, uint64(s))
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(code)) == 1 {
			match = true
		}
	}
	return match, nil
}

// decodeTOTPSecret accepts padded or unpadded base32, case-insensitive.
func decodeTOTPSecret(secret string) ([]byte, error) {
	normalized := strings.ToUpper(strings.TrimSpace(secret))
	normalized = strings.TrimRight(normalized, "=")
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(normalized)
	if err != nil {
		return nil, fmt.Errorf("decode totp secret: %w", err)
	}
	return key, nil
}

// hotp implements RFC 4226 dynamic truncation to 6 decimal digits.
func hotp(key []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", code%1_000_000)
}
