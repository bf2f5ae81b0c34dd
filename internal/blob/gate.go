package blob

import (
	"context"
	"log/slog"
)

// AuthProvider obtains and revokes the access token that the transport
// attaches to outgoing requests. Defined at the consumer; internal/oauth
// provides the implementations.
//
// Authorize returning nil guarantees a usable token is available to the
// transport. It may block on an interactive login.
type AuthProvider interface {
	Authorize(ctx context.Context) error
	RevokeToken(ctx context.Context) error
}

// TokenGate runs operations only after the AuthProvider has confirmed a
// valid token. It keeps no token state of its own: every call asks the
// provider again, and the provider decides whether that is a cache hit,
// a silent refresh or an interactive login.
type TokenGate struct {
	provider AuthProvider
	logger   *slog.Logger
}

// NewTokenGate creates a gate around the given provider.
func NewTokenGate(provider AuthProvider, logger *slog.Logger) *TokenGate {
	if logger == nil {
		logger = slog.Default()
	}

	return &TokenGate{provider: provider, logger: logger}
}

// WithValidToken authorizes and then runs op. If authorization fails, op is
// never invoked and the returned error is an *AuthError wrapping the cause.
func (g *TokenGate) WithValidToken(ctx context.Context, op func(ctx context.Context) error) error {
	if err := g.provider.Authorize(ctx); err != nil {
		g.logger.Warn("authorization failed", slog.String("error", err.Error()))
		return &AuthError{Err: err}
	}

	return op(ctx)
}

// Revoke asks the provider to revoke the token. Failures are logged and
// otherwise ignored.
func (g *TokenGate) Revoke(ctx context.Context) {
	if err := g.provider.RevokeToken(ctx); err != nil {
		g.logger.Warn("token revocation failed", slog.String("error", err.Error()))
		return
	}

	g.logger.Debug("token revoked")
}
