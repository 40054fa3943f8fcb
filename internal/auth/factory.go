package auth

import (
	"fmt"

	"github.com/tandembrowse/tandem/internal/config"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(cfg config.AuthConfig) (Provider, error) {
	switch cfg.Provider {
	case "oidc":
		return NewOIDCProvider(cfg.OIDCIssuer)
	case "", "builtin":
		return NewService(cfg.JWTSecret, cfg.JWTExpiry.Duration), nil
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
