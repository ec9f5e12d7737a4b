// Package auth verifies bearer tokens on the management API using OpenID
// Connect. Verification is bypassed entirely when auth is disabled in the
// configuration.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"

	"toolmesh/internal/config"
	"toolmesh/internal/logging"
)

// Auth verifies API bearer tokens against the configured OIDC issuer.
type Auth struct {
	verifier *oidc.IDTokenVerifier
	logger   *logging.Logger
	bypass   bool
}

// New creates an Auth from the application configuration. When auth is
// disabled, requests pass through unverified.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Auth, error) {
	if !cfg.Auth.Enable {
		return &Auth{logger: logger, bypass: true}, nil
	}

	if cfg.Auth.Issuer == "" {
		return nil, errors.New("auth enabled but issuer not configured")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Auth.Issuer)
	if err != nil {
		return nil, err
	}

	// Access tokens often carry an API audience rather than the client id;
	// the audience check applies only when a client id is configured.
	oidcCfg := &oidc.Config{SkipClientIDCheck: true}
	if cfg.Auth.ClientID != "" {
		oidcCfg = &oidc.Config{ClientID: cfg.Auth.ClientID}
	}

	return &Auth{verifier: provider.Verifier(oidcCfg), logger: logger}, nil
}

// RequireAuth wraps an http.Handler, rejecting requests without a valid
// bearer token.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.bypass {
			next.ServeHTTP(w, r)
			return
		}

		raw := bearerToken(r)
		if raw == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		if _, err := a.verifier.Verify(r.Context(), raw); err != nil {
			a.logger.Debug("token verification failed", "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
