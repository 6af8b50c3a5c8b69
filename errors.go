package broker

import (
	"fmt"
	"net/http"
)

// Error codes returned to clients. These are the only failure identifiers
// that ever cross the HTTP boundary; upstream detail stays in logs.
const (
	ErrorCodeInvalidRequest           = "invalid_request"
	ErrorCodeStateMismatch            = "state_mismatch"
	ErrorCodeTokenExchangeFailed      = "token_exchange_failed"
	ErrorCodeStateTokenInvalidExpired = "state_token_invalid_or_expired"
	ErrorCodeInvalidToken             = "invalid_token"
	ErrorCodeRefreshInvalidGrant      = "refresh_invalid_grant"
	ErrorCodeUpstreamTimeout          = "upstream_timeout"
	ErrorCodeUpstreamUnavailable      = "upstream_unavailable"
	ErrorCodeRateLimitExceeded        = "rate_limit_exceeded"
	ErrorCodeServerError              = "server_error"
)

// AuthError is a client-visible authentication failure.
type AuthError struct {
	Code    string // taxonomy code (e.g. "state_mismatch")
	Message string // generic human-readable description
	Status  int    // HTTP status code
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAuthError creates an authentication error.
func NewAuthError(code, message string, status int) *AuthError {
	return &AuthError{
		Code:    code,
		Message: message,
		Status:  status,
	}
}

// Common errors as constructor functions, so each gets a fresh instance.
var (
	// ErrInvalidRequest indicates a malformed request or missing parameters.
	ErrInvalidRequest = func(msg string) *AuthError {
		return NewAuthError(ErrorCodeInvalidRequest, msg, http.StatusBadRequest)
	}

	// ErrStateMismatch indicates the callback's state parameter did not match
	// the value minted at login. The code exchange is never attempted.
	ErrStateMismatch = func() *AuthError {
		return NewAuthError(ErrorCodeStateMismatch, "Authentication state did not match", http.StatusBadRequest)
	}

	// ErrTokenExchangeFailed indicates the provider rejected the code exchange.
	ErrTokenExchangeFailed = func() *AuthError {
		return NewAuthError(ErrorCodeTokenExchangeFailed, "Authorization code exchange failed", http.StatusBadGateway)
	}

	// ErrStateTokenInvalidOrExpired covers consumed, expired and never-issued
	// state tokens alike; the client cannot distinguish them.
	ErrStateTokenInvalidOrExpired = func() *AuthError {
		return NewAuthError(ErrorCodeStateTokenInvalidExpired, "State token is invalid or expired", http.StatusUnauthorized)
	}

	// ErrInvalidToken indicates a bearer token that failed verification.
	ErrInvalidToken = func() *AuthError {
		return NewAuthError(ErrorCodeInvalidToken, "Access token is invalid or expired", http.StatusUnauthorized)
	}

	// ErrRefreshInvalidGrant indicates the refresh token was rejected by the
	// provider. The user must sign in interactively again.
	ErrRefreshInvalidGrant = func() *AuthError {
		return NewAuthError(ErrorCodeRefreshInvalidGrant, "Session expired, please sign in again", http.StatusUnauthorized)
	}

	// ErrUpstreamTimeout indicates the identity provider did not answer in time.
	ErrUpstreamTimeout = func() *AuthError {
		return NewAuthError(ErrorCodeUpstreamTimeout, "Identity provider timed out", http.StatusGatewayTimeout)
	}

	// ErrUpstreamUnavailable indicates the identity provider is unreachable.
	ErrUpstreamUnavailable = func() *AuthError {
		return NewAuthError(ErrorCodeUpstreamUnavailable, "Identity provider unavailable", http.StatusBadGateway)
	}

	// ErrRateLimited indicates the caller exceeded a rate limit.
	ErrRateLimited = func() *AuthError {
		return NewAuthError(ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	}

	// ErrServerError indicates an internal failure. No detail is exposed.
	ErrServerError = func() *AuthError {
		return NewAuthError(ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
	}
)
