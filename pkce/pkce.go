// Package pkce implements Proof Key for Code Exchange (RFC 7636) primitives:
// code verifier generation and the S256 code challenge derivation.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const (
	// MinVerifierLength is the minimum code verifier length allowed by RFC 7636
	MinVerifierLength = 43

	// MaxVerifierLength is the maximum code verifier length allowed by RFC 7636
	MaxVerifierLength = 128

	// DefaultVerifierLength is the verifier length used when callers pass 0
	DefaultVerifierLength = 43

	// MethodS256 is the only code challenge method this package produces.
	// The "plain" method is deprecated in OAuth 2.1 and deliberately unsupported.
	MethodS256 = "S256"
)

// verifierAlphabet is the unreserved character set from RFC 3986 section 2.3,
// which RFC 7636 mandates for code verifiers.
const verifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// GenerateVerifier returns a cryptographically random code verifier of the
// given length drawn uniformly from the RFC 7636 unreserved alphabet.
// A length of 0 selects DefaultVerifierLength. Lengths outside the RFC 7636
// range of 43-128 are rejected.
func GenerateVerifier(length int) (string, error) {
	if length == 0 {
		length = DefaultVerifierLength
	}
	if length < MinVerifierLength || length > MaxVerifierLength {
		return "", fmt.Errorf("pkce: verifier length %d outside RFC 7636 range [%d, %d]",
			length, MinVerifierLength, MaxVerifierLength)
	}

	// Rejection sampling keeps the distribution uniform over the 66-character
	// alphabet. 198 is the largest multiple of 66 below 256.
	const limit = 198

	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("pkce: reading random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, verifierAlphabet[int(b)%len(verifierAlphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// Challenge derives the S256 code challenge for a verifier: the SHA-256 hash
// of the verifier encoded as unpadded base64url. Pure function.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
