package auth

import (
	"context"
	"errors"
	"time"
)

// ErrTokenInvalid is the umbrella condition for tokens that failed
// verification. The malformed/signature/expired sentinels all match it.
var ErrTokenInvalid = errors.New("token invalid")

// ErrMalformedToken indicates the token is not structurally a JWT.
var ErrMalformedToken = errors.New("malformed token")

// ErrInvalidSignature indicates signature verification failed.
var ErrInvalidSignature = errors.New("invalid token signature")

// ErrTokenExpired indicates the token's exp claim has passed.
var ErrTokenExpired = errors.New("token expired")

// ErrVerificationUnavailable indicates the verification material could not be
// fetched or parsed. Transient; callers should surface it as a server-side
// error distinct from an invalid token.
var ErrVerificationUnavailable = errors.New("token verification unavailable")

// Identity is the ephemeral, per-request result of verifying a bearer token.
// It is recomputed from the token on every request and never persisted.
type Identity struct {
	// Subject is the token's sub claim.
	Subject string
	// Scopes is the set of permission strings granted to the token.
	Scopes []string
	// ExpiresAt is the instant after which the token is no longer valid.
	ExpiresAt time.Time
}

// Expired reports whether the identity's token has expired as of now.
func (id *Identity) Expired(now time.Time) bool {
	return !id.ExpiresAt.IsZero() && now.After(id.ExpiresAt)
}

// HasScope reports whether the identity was granted the given scope.
func (id *Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// MissingScopes returns the subset of required scopes the identity lacks, in
// the order required. Empty means the identity's scope set is a superset.
func (id *Identity) MissingScopes(required []string) []string {
	var missing []string
	for _, want := range required {
		if !id.HasScope(want) {
			missing = append(missing, want)
		}
	}
	return missing
}

// Verifier validates a bearer token and produces the caller's Identity.
// Implementations must be safe for concurrent use.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// Redact returns a loggable form of a token: its last 6 characters preceded
// by an ellipsis. The raw token must never reach logs or error messages.
func Redact(token string) string {
	const keep = 6
	if len(token) <= keep {
		return "…" + token
	}
	return "…" + token[len(token)-keep:]
}
