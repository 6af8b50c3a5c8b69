package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// GenerateToken returns a cryptographically random opaque token built from n
// bytes of entropy, encoded as unpadded base64url. It is used for state tokens,
// anti-CSRF state parameters, flow IDs and fallback binding secrets.
//
// The function panics if the system RNG fails, which indicates a critical
// system-level failure that must not be papered over with a weak token.
func GenerateToken(n int) string {
	if n <= 0 {
		n = 32
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand.Read failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// ConstantTimeEqual compares two strings in constant time. Used for the
// anti-CSRF state comparison so the check does not leak prefix matches
// through early-exit timing.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
