package hub

import (
	"fmt"

	"github.com/quizmesh/quizmesh/internal/shared"
)

// Authenticator maps a bearer token to the student it belongs to.
type Authenticator interface {
	Authenticate(token string) (studentID string, err error)
}

// StaticTokenAuthenticator authenticates against a fixed token table
// loaded from configuration.
type StaticTokenAuthenticator struct {
	tokens map[string]string
}

func NewStaticTokenAuthenticator(tokens map[string]string) *StaticTokenAuthenticator {
	copied := make(map[string]string, len(tokens))
	for token, studentID := range tokens {
		copied[token] = studentID
	}
	return &StaticTokenAuthenticator{tokens: copied}
}

func (a *StaticTokenAuthenticator) Authenticate(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing token", shared.ErrUnauthorized)
	}
	studentID, ok := a.tokens[token]
	if !ok {
		return "", fmt.Errorf("%w: unknown token", shared.ErrUnauthorized)
	}
	return studentID, nil
}
