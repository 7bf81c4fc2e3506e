package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TokenTTL is how long a session-store token is trusted before re-reading it.
const TokenTTL = 60 * time.Second

// ErrTokenNotConfigured means neither the session store nor configuration holds a token.
var ErrTokenNotConfigured = errors.New("upstream token not found in session store or configuration")

// SessionReader reads durable key/value session entries.
type SessionReader interface {
	GetSessionValue(ctx context.Context, key string) (string, bool, error)
}

// TokenCache resolves the upstream bearer token: memory, then the session
// store under a fixed key, then the static fallback from configuration.
type TokenCache struct {
	cache    *TTL[string]
	sessions SessionReader
	key      string
	fallback string
	logger   zerolog.Logger
}

// TokenOptions parameterise the token cache.
type TokenOptions struct {
	SessionKey string
	Fallback   string
	Clock      Clock
}

// NewTokenCache builds a token cache. sessions may be nil when no store is configured.
func NewTokenCache(sessions SessionReader, opts TokenOptions, logger zerolog.Logger) *TokenCache {
	return &TokenCache{
		cache:    NewTTL[string](TokenTTL, opts.Clock),
		sessions: sessions,
		key:      opts.SessionKey,
		fallback: strings.TrimSpace(opts.Fallback),
		logger:   logger.With().Str("component", "token_cache").Logger(),
	}
}

// GetToken returns the current bearer token.
func (t *TokenCache) GetToken(ctx context.Context) (string, error) {
	token, err := t.cache.GetOrLoad(t.key, func() (string, bool, error) {
		if stored := t.readSession(ctx); stored != "" {
			return stored, true, nil
		}
		// The fallback is not cached so a token written to the store later wins promptly.
		if t.fallback != "" {
			return t.fallback, false, nil
		}
		return "", false, ErrTokenNotConfigured
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

func (t *TokenCache) readSession(ctx context.Context) string {
	if t.sessions == nil {
		return ""
	}
	value, ok, err := t.sessions.GetSessionValue(ctx, t.key)
	if err != nil {
		t.logger.Warn().Err(err).Str("key", t.key).Msg("session token lookup failed; using fallback")
		return ""
	}
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}
