// Package security provides the security primitives shared across the broker:
// random opaque token generation, constant-time comparison, expiry helpers
// with clock skew tolerance, per-IP rate limiting, request ID propagation,
// security response headers, and audit logging of authentication events.
package security
