package security

import "time"

// DefaultClockSkewGracePeriod is the default grace period applied to expiry
// checks. It absorbs typical NTP drift between this broker, the identity
// provider, and clients without meaningfully extending token lifetime.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpired reports whether expiresAt has passed relative to now, with the
// default clock skew grace period. A zero expiresAt never expires.
func IsExpired(now, expiresAt time.Time) bool {
	return IsExpiredWithGrace(now, expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGrace reports whether expiresAt has passed relative to now
// by more than the given grace period.
func IsExpiredWithGrace(now, expiresAt time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(grace))
}

// ExpiresWithin reports whether expiresAt falls inside the next threshold
// duration from now. Used to refresh credentials before the edge of expiry.
func ExpiresWithin(now, expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.Add(threshold).After(expiresAt)
}
