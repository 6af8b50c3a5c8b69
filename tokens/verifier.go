// Package tokens verifies bearer access tokens issued by the identity
// provider: signature via the JWKS resolver, then issuer, audience, expiry
// and algorithm checks. Verification is side-effect free.
package tokens

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/streamvane/authbroker/jwks"
)

// ErrInvalidToken indicates the token failed verification: malformed
// structure, bad signature, wrong audience or issuer, expired, unknown key
// ID, or a disallowed algorithm. Callers must respond 401 and not retry.
var ErrInvalidToken = errors.New("tokens: invalid token")

// allowedAlgorithms is the asymmetric-only signing policy. Symmetric and
// "none" algorithms are rejected before any key lookup happens.
var allowedAlgorithms = []string{"RS256"}

// Claims are the verified claims of an access token.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Verifier validates access tokens against the provider's published keys.
type Verifier struct {
	resolver *jwks.Resolver
	parser   *jwt.Parser
}

// NewVerifier creates a verifier enforcing the given audience and issuer.
func NewVerifier(resolver *jwks.Resolver, audience, issuer string) (*Verifier, error) {
	if resolver == nil {
		return nil, fmt.Errorf("tokens: JWKS resolver is required")
	}
	if audience == "" || issuer == "" {
		return nil, fmt.Errorf("tokens: audience and issuer are required")
	}

	return &Verifier{
		resolver: resolver,
		parser: jwt.NewParser(
			jwt.WithValidMethods(allowedAlgorithms),
			jwt.WithAudience(audience),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// Verify checks the raw token and returns its claims. Infrastructure
// failures fetching signing keys surface as the resolver's typed errors so
// callers can tell an IdP outage apart from a bad credential; every other
// failure is ErrInvalidToken.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	claims := &Claims{}

	_, err := v.parser.ParseWithClaims(raw, claims, func(tok *jwt.Token) (any, error) {
		kid, ok := tok.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("token header has no key id")
		}
		return v.resolver.Key(ctx, kid)
	})
	if err != nil {
		if errors.Is(err, jwks.ErrTimeout) || errors.Is(err, jwks.ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}
