// Package config loads the gateway's runtime configuration from the
// environment.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the full runtime configuration. Defaults suit local development;
// production deployments set everything explicitly.
type Config struct {
	// ListenAddr is the host:port the HTTP server binds. ENV: LISTEN_ADDR
	ListenAddr string `env:"LISTEN_ADDR,default=127.0.0.1:8080"`
	// PublicEndpoint is the externally visible URL of the MCP endpoint,
	// including its path. ENV: MCP_PUBLIC_ENDPOINT
	PublicEndpoint string `env:"MCP_PUBLIC_ENDPOINT,default=http://127.0.0.1:8080/mcp"`
	// ServerName is the human-readable resource name. ENV: SERVER_NAME
	ServerName string `env:"SERVER_NAME,default=mcp-gateway"`

	// OIDCIssuer is the authorization server's issuer URL. ENV: OIDC_ISSUER
	OIDCIssuer string `env:"OIDC_ISSUER"`
	// Audience expected in access tokens; defaults to PublicEndpoint when
	// empty. ENV: OAUTH_AUDIENCE
	Audience string `env:"OAUTH_AUDIENCE"`
	// JWKSURL skips OIDC discovery when set. ENV: OIDC_JWKS_URL
	JWKSURL string `env:"OIDC_JWKS_URL"`
	// Realm advertised in WWW-Authenticate challenges. ENV: AUTH_REALM
	Realm string `env:"AUTH_REALM,default=mcp"`
	// TokenLeeway is the clock-skew tolerance for token validation.
	// ENV: TOKEN_LEEWAY
	TokenLeeway time.Duration `env:"TOKEN_LEEWAY,default=60s"`

	// CMSEndpoint is the backend's JSON-RPC URL. ENV: CMS_RPC_ENDPOINT
	CMSEndpoint string `env:"CMS_RPC_ENDPOINT,default=http://127.0.0.1:9090/rpc"`
	// CMSAPIKey is the gateway's own service credential for the backend.
	// ENV: CMS_API_KEY
	CMSAPIKey string `env:"CMS_API_KEY"`
	// CMSRefreshTTL is how often discovered tools are re-fetched.
	// ENV: CMS_REFRESH_TTL
	CMSRefreshTTL time.Duration `env:"CMS_REFRESH_TTL,default=5m"`

	// ToolsFile optionally points at a JSON tool descriptor file that is
	// hot-reloaded on change. ENV: TOOLS_FILE
	ToolsFile string `env:"TOOLS_FILE"`

	// ShutdownGrace bounds graceful shutdown. ENV: SHUTDOWN_GRACE
	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE,default=15s"`
	// LogLevel is one of debug, info, warn, error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

// Load populates Config from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if cfg.OIDCIssuer == "" {
		return nil, fmt.Errorf("OIDC_ISSUER is required")
	}
	if cfg.Audience == "" {
		cfg.Audience = cfg.PublicEndpoint
	}
	return &cfg, nil
}
