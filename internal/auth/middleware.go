// Package auth provides bearer token authentication for the bastion HTTP API.
package auth

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/prn-tf/bastion/internal/pkg/crypto"
)

// AuthorizationHeader is the header carrying the bearer token.
const AuthorizationHeader = "Authorization"

type contextKey struct{}

// AuthContextKey is the request context key of the AuthContext.
var AuthContextKey = contextKey{}

// AuthContext describes how a request was authenticated.
type AuthContext struct {
	// Authenticated is false when authentication is disabled.
	Authenticated bool

	// TokenDigest is the SHA-256 of the presented token, safe to log.
	TokenDigest string
}

// FromContext returns the AuthContext of a request, if any.
func FromContext(ctx context.Context) (*AuthContext, bool) {
	a, ok := ctx.Value(AuthContextKey).(*AuthContext)
	return a, ok
}

// Config contains configuration for the auth middleware.
type Config struct {
	// TokenHash is the bcrypt hash of the accepted token. Empty disables authentication.
	TokenHash string

	// SkipPaths are paths that skip authentication.
	SkipPaths []string

	Logger zerolog.Logger
}

// DefaultConfig returns the default auth configuration for tokenHash.
func DefaultConfig(tokenHash string) Config {
	return Config{
		TokenHash: tokenHash,
		SkipPaths: []string{"/health", "/metrics"},
		Logger:    zerolog.Nop(),
	}
}

// verifier checks tokens against the configured hash. bcrypt is slow on purpose,
// so digests of tokens that already matched are remembered.
type verifier struct {
	hash     string
	accepted sync.Map // token digest -> struct{}
}

func (v *verifier) verify(token string) (string, bool) {
	digest := crypto.ComputeSHA256([]byte(token))
	if _, ok := v.accepted.Load(digest); ok {
		return digest, true
	}
	if !crypto.VerifyToken(v.hash, token) {
		return digest, false
	}
	v.accepted.Store(digest, struct{}{})
	return digest, true
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get(AuthorizationHeader)
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrInvalidAuthorizationHeader
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// Middleware creates an authentication middleware.
func Middleware(config Config) func(http.Handler) http.Handler {
	v := &verifier{hash: config.TokenHash}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Check if path should skip authentication
			for _, path := range config.SkipPaths {
				if r.URL.Path == path {
					next.ServeHTTP(w, r)
					return
				}
			}

			if config.TokenHash == "" {
				r = r.WithContext(context.WithValue(r.Context(), AuthContextKey, &AuthContext{}))
				next.ServeHTTP(w, r)
				return
			}

			token, err := bearerToken(r)
			if err != nil {
				writeAuthError(w, err)
				return
			}

			digest, ok := v.verify(token)
			if !ok {
				config.Logger.Debug().Str("path", r.URL.Path).Msg("bearer token rejected")
				writeAuthError(w, ErrInvalidToken)
				return
			}

			r = r.WithContext(context.WithValue(r.Context(), AuthContextKey, &AuthContext{
				Authenticated: true,
				TokenDigest:   digest,
			}))
			next.ServeHTTP(w, r)
		})
	}
}
