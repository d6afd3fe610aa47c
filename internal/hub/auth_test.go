package hub

import (
	"errors"
	"testing"

	"github.com/quizmesh/quizmesh/internal/shared"
)

func TestStaticTokenAuthenticator(t *testing.T) {
	auth := NewStaticTokenAuthenticator(map[string]string{
		"token-1": "student-1",
	})

	studentID, err := auth.Authenticate("token-1")
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if studentID != "student-1" {
		t.Errorf("expected student-1, got %s", studentID)
	}

	if _, err := auth.Authenticate("unknown"); !errors.Is(err, shared.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for unknown token, got %v", err)
	}
	if _, err := auth.Authenticate(""); !errors.Is(err, shared.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for empty token, got %v", err)
	}
}
