package identity

import (
	"context"
	"errors"
	"strings"
)

var ErrInvalidToken = errors.New("invalid token")

// Verifier resolves a connection token to a user id. Token issuance and
// validation proper live in the platform's auth service; this engine only
// consumes the result.
type Verifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// StaticVerifier maps fixed tokens to user ids. Used for local development
// and tests; production wires the auth service's verifier instead.
type StaticVerifier struct {
	tokens map[string]string
}

// NewStaticVerifier parses "token:user" pairs separated by commas.
func NewStaticVerifier(spec string) *StaticVerifier {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, ":")
		if !ok || token == "" || user == "" {
			continue
		}
		tokens[token] = user
	}
	return &StaticVerifier{tokens: tokens}
}

func (v *StaticVerifier) Verify(_ context.Context, token string) (string, error) {
	user, ok := v.tokens[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return user, nil
}
