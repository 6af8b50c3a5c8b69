package security

import (
	"net/http"
	"strings"
)

// SetAuthResponseHeaders sets defensive headers on authentication responses.
// Auth endpoints return redirects and small JSON bodies only, so the policy
// can be maximally strict: no framing, no sniffing, no caching.
func SetAuthResponseHeaders(w http.ResponseWriter, httpsOrigin bool) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	// Access tokens and state tokens must never land in an intermediate cache.
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")

	if httpsOrigin {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

// HeadersMiddleware applies SetAuthResponseHeaders to every response.
// httpsOrigin should be true when the broker is served over HTTPS.
func HeadersMiddleware(publicURL string) func(http.Handler) http.Handler {
	httpsOrigin := strings.HasPrefix(publicURL, "https://")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			SetAuthResponseHeaders(w, httpsOrigin)
			next.ServeHTTP(w, r)
		})
	}
}
