package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultLeeway        = 60 * time.Second
	defaultReloadTimeout = 5 * time.Second
)

// Option configures a JWTVerifier.
type Option func(*verifierConfig)

type verifierConfig struct {
	audiences   []string
	allowedAlgs []string
	leeway      time.Duration
	fetchTo     time.Duration
}

// WithAdditionalAudiences accepts extra audiences beyond the primary one.
// Intended for local/testing setups where the served endpoint URL differs
// from the registered production audience.
func WithAdditionalAudiences(auds ...string) Option {
	return func(c *verifierConfig) { c.audiences = append(c.audiences, auds...) }
}

// WithAllowedAlgs restricts accepted JWS algorithms. "none" is never allowed.
// Defaults to RS256.
func WithAllowedAlgs(algs ...string) Option {
	return func(c *verifierConfig) { c.allowedAlgs = append([]string(nil), algs...) }
}

// WithLeeway sets clock-skew tolerance for time-based claims.
func WithLeeway(d time.Duration) Option {
	return func(c *verifierConfig) { c.leeway = d }
}

// WithFetchTimeout bounds the OIDC discovery request made at construction.
// Key-set fetches are managed by the JWKS cache on its own refresh schedule.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *verifierConfig) { c.fetchTo = d }
}

// ServerMetadata is the authorization server metadata (RFC 8414) learned via
// discovery. The gateway republishes it at its own well-known endpoint; none
// of the advertisement-only fields participate in token validation.
type ServerMetadata struct {
	Issuer                        string
	AuthorizationEndpoint         string
	TokenEndpoint                 string
	RegistrationEndpoint          string
	JWKSURI                       string
	ScopesSupported               []string
	ResponseTypesSupported        []string
	GrantTypesSupported           []string
	ResponseModesSupported        []string
	CodeChallengeMethodsSupported []string
	ServiceDocumentation          string
}

// JWTVerifier validates RFC 9068 JWT access tokens against a cached,
// auto-refreshing JWKS. Safe for concurrent use.
type JWTVerifier struct {
	issuer      string
	audiences   []string
	allowedAlgs []string
	leeway      time.Duration
	keyfunc     jwt.Keyfunc
	meta        ServerMetadata
}

var _ Verifier = (*JWTVerifier)(nil)

// NewFromDiscovery locates the authorization server's verification material
// via OIDC discovery and returns a verifier bound to the given issuer and
// audience. The discovered metadata is retained for well-known republishing.
func NewFromDiscovery(ctx context.Context, issuer, audience string, opts ...Option) (*JWTVerifier, error) {
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := applyOptions(audience, opts)

	dctx, cancel := context.WithTimeout(ctx, cfg.fetchTo)
	defer cancel()
	provider, err := oidc.NewProvider(dctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: oidc discovery failed: %v", ErrVerificationUnavailable, err)
	}

	var meta struct {
		Issuer        string   `json:"issuer"`
		JWKSURI       string   `json:"jwks_uri"`
		Authorization string   `json:"authorization_endpoint"`
		Token         string   `json:"token_endpoint"`
		Registration  string   `json:"registration_endpoint"`
		Scopes        []string `json:"scopes_supported"`
		ResponseTypes []string `json:"response_types_supported"`
		GrantTypes    []string `json:"grant_types_supported"`
		ResponseModes []string `json:"response_modes_supported"`
		CodeChallenge []string `json:"code_challenge_methods_supported"`
		ServiceDoc    string   `json:"service_documentation"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("%w: invalid discovery metadata: %v", ErrVerificationUnavailable, err)
	}
	var missing []string
	if meta.JWKSURI == "" {
		missing = append(missing, "jwks_uri")
	}
	if meta.Authorization == "" {
		missing = append(missing, "authorization_endpoint")
	}
	if meta.Token == "" {
		missing = append(missing, "token_endpoint")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("discovery incomplete: missing %s", strings.Join(missing, ", "))
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JWKSURI})
	if err != nil {
		return nil, fmt.Errorf("%w: jwks init failed: %v", ErrVerificationUnavailable, err)
	}

	return &JWTVerifier{
		issuer:      issuer,
		audiences:   cfg.audiences,
		allowedAlgs: cfg.allowedAlgs,
		leeway:      cfg.leeway,
		keyfunc:     guardAlgs(cfg.allowedAlgs, kf.Keyfunc),
		meta: ServerMetadata{
			Issuer:                        meta.Issuer,
			AuthorizationEndpoint:         meta.Authorization,
			TokenEndpoint:                 meta.Token,
			RegistrationEndpoint:          meta.Registration,
			JWKSURI:                       meta.JWKSURI,
			ScopesSupported:               meta.Scopes,
			ResponseTypesSupported:        meta.ResponseTypes,
			GrantTypesSupported:           meta.GrantTypes,
			ResponseModesSupported:        meta.ResponseModes,
			CodeChallengeMethodsSupported: meta.CodeChallenge,
			ServiceDocumentation:          meta.ServiceDoc,
		},
	}, nil
}

// NewStatic builds a verifier from a manually supplied JWKS URL, skipping
// discovery. Only the fields provided end up in the republished metadata.
func NewStatic(ctx context.Context, issuer, audience, jwksURL string, opts ...Option) (*JWTVerifier, error) {
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	if jwksURL == "" {
		return nil, errors.New("jwks url is required")
	}
	cfg := applyOptions(audience, opts)

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("%w: jwks init failed: %v", ErrVerificationUnavailable, err)
	}

	return &JWTVerifier{
		issuer:      issuer,
		audiences:   cfg.audiences,
		allowedAlgs: cfg.allowedAlgs,
		leeway:      cfg.leeway,
		keyfunc:     guardAlgs(cfg.allowedAlgs, kf.Keyfunc),
		meta:        ServerMetadata{Issuer: issuer, JWKSURI: jwksURL},
	}, nil
}

func applyOptions(audience string, opts []Option) *verifierConfig {
	cfg := &verifierConfig{
		audiences:   []string{audience},
		allowedAlgs: []string{"RS256"},
		leeway:      defaultLeeway,
		fetchTo:     defaultReloadTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.allowedAlgs) == 0 {
		cfg.allowedAlgs = []string{"RS256"}
	}
	return cfg
}

// errAlgDisallowed distinguishes an algorithm policy rejection from a key
// fetch failure; both surface through jwt.ErrTokenUnverifiable.
var errAlgDisallowed = errors.New("disallowed alg")

// guardAlgs rejects disallowed algorithms before any key lookup happens.
func guardAlgs(allowed []string, next jwt.Keyfunc) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		for _, a := range allowed {
			if alg == a {
				return next(t)
			}
		}
		return nil, fmt.Errorf("%w: %s", errAlgDisallowed, alg)
	}
}

// Metadata returns the authorization server metadata for republishing.
func (v *JWTVerifier) Metadata() ServerMetadata { return v.meta }

// Verify validates the token's signature and standard claims and extracts the
// caller's identity. Failure conditions map onto the package's sentinel
// errors so the transport can pick appropriate HTTP statuses.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", errors.Join(ErrTokenInvalid, ErrMalformedToken))
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.allowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.leeway),
	)
	parsed, err := parser.Parse(token, v.keyfunc)
	if err != nil {
		return nil, mapParseError(err)
	}

	// RFC 9068 requires access tokens to self-identify via typ.
	if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
		return nil, fmt.Errorf("%w: typ is not at+jwt", errors.Join(ErrTokenInvalid, ErrMalformedToken))
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims shape", ErrTokenInvalid)
	}
	if !audIntersects(claims["aud"], v.audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrTokenInvalid)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrTokenInvalid)
	}

	id := &Identity{Subject: sub}
	if scope, _ := claims["scope"].(string); scope != "" {
		id.Scopes = strings.Fields(scope)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	return id, nil
}

// mapParseError translates jwt/v5 failures into the verification taxonomy.
// Unverifiable means the key material could not be resolved (JWKS fetch or
// kid miss), which is the transient condition; everything else is some form
// of invalid token.
func mapParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", errors.Join(ErrTokenInvalid, ErrMalformedToken), err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", errors.Join(ErrTokenInvalid, ErrInvalidSignature), err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", errors.Join(ErrTokenInvalid, ErrTokenExpired), err)
	case errors.Is(err, errAlgDisallowed):
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
}

func audIntersects(aud any, wants []string) bool {
	wantSet := make(map[string]struct{}, len(wants))
	for _, w := range wants {
		wantSet[w] = struct{}{}
	}
	switch v := aud.(type) {
	case string:
		_, ok := wantSet[v]
		return ok
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				if _, hit := wantSet[s]; hit {
					return true
				}
			}
		}
	case []string:
		for _, s := range v {
			if _, hit := wantSet[s]; hit {
				return true
			}
		}
	}
	return false
}
