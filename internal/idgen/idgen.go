// Package idgen provides cryptographically random identifiers for tenants,
// ledger entries, and referral codes.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// Prefixes used for persisted identifiers.
const (
	AgencyPrefix     = "agy_"
	ClientPrefix     = "cli_"
	CommissionPrefix = "com_"
)

// referralAlphabet is Crockford base32 without I, L, O, U so codes can be
// read aloud and typed back without ambiguity.
const referralAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// WithPrefix generates a random ID with a prefix (e.g. "agy_", "com_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// ReferralCode returns a human-shareable code of n characters.
func ReferralCode(n int) string {
	if n <= 0 {
		n = 8
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	var sb strings.Builder
	sb.Grow(n)
	for _, v := range b {
		sb.WriteByte(referralAlphabet[int(v)%len(referralAlphabet)])
	}
	return sb.String()
}

// NormalizeReferralCode uppercases and trims a user-supplied code.
func NormalizeReferralCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
