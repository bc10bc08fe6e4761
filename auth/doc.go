// Package auth implements the gateway's bearer-token verification pipeline.
// The gateway is a pure OAuth 2.1 resource server: it validates RFC 9068 JWT
// access tokens issued by an external authorization server and never issues,
// refreshes, or stores tokens itself.
//
// A Verifier turns a bearer token string into an Identity (subject, granted
// scopes, expiry) or fails with one of four distinguishable conditions:
//
//   - ErrMalformedToken: the token is not structurally a JWT
//   - ErrInvalidSignature: signature verification failed
//   - ErrTokenExpired: the token's exp claim has passed
//   - ErrVerificationUnavailable: the verification material (JWKS) could not
//     be fetched; transient, retryable, and deliberately distinct from the
//     invalid-token conditions so clients don't discard valid credentials
//
// The first three additionally match ErrTokenInvalid, which is what the
// authorization gate treats uniformly as "unauthenticated".
//
// Verification material is located via OIDC discovery (NewFromDiscovery) or a
// manually supplied JWKS URL (NewStatic). The key set is cached and refreshed
// in the background by keyfunc, so key rotation is tolerated without a network
// round-trip per request.
//
// Identities are per-request and never cached: every inbound request carries
// its own proof of authorization and is independently re-verified.
package auth
