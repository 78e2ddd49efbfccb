package server

import (
	"context"
	"errors"
	"os"
	"strings"
)

// ErrInvalidToken is returned when a bearer token does not resolve to a
// user.
var ErrInvalidToken = errors.New("invalid token")

// TokenVerifier resolves a bearer token to a user ID before the WebSocket
// registration happens. The broadcast layer never validates tokens itself.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// StaticTokenVerifier maps fixed tokens to user IDs. Intended for local
// development and tests; production deployments plug in their own verifier.
type StaticTokenVerifier struct {
	tokens map[string]string
}

// NewStaticTokenVerifier creates a verifier over a fixed token->user map.
func NewStaticTokenVerifier(tokens map[string]string) *StaticTokenVerifier {
	return &StaticTokenVerifier{tokens: tokens}
}

// StaticTokensFromEnv parses WS_STATIC_TOKENS, a comma-separated list of
// token=userID pairs.
func StaticTokensFromEnv() *StaticTokenVerifier {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(os.Getenv("WS_STATIC_TOKENS"), ",") {
		token, userID, ok := strings.Cut(pair, "=")
		if ok && token != "" && userID != "" {
			tokens[token] = userID
		}
	}
	return NewStaticTokenVerifier(tokens)
}

// Verify resolves the token or returns ErrInvalidToken.
func (v *StaticTokenVerifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	userID, ok := v.tokens[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return userID, nil
}
