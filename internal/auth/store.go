// Package auth holds the bearer token the client was started with and the
// user id it identifies. Issuing and refreshing tokens is the backend's job.
package auth

import (
	"fmt"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// Store is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	token  string
	userID string
}

// NewStore builds a Store. When userID is empty it is read from the token's
// claims; the signature is not verified since only the backend has the key.
func NewStore(token, userID string) (*Store, error) {
	s := &Store{}
	if err := s.Set(token, userID); err != nil {
		return nil, err
	}
	return s, nil
}

// Set replaces the credentials.
func (s *Store) Set(token, userID string) error {
	token = strings.TrimSpace(token)
	userID = strings.TrimSpace(userID)
	if token != "" && userID == "" {
		id, err := UserIDFromToken(token)
		if err != nil {
			return err
		}
		userID = id
	}
	s.mu.Lock()
	s.token = token
	s.userID = userID
	s.mu.Unlock()
	return nil
}

func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Store) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Authenticated reports whether a token is present.
func (s *Store) Authenticated() bool {
	return s.Token() != ""
}

// UserIDFromToken extracts the user id from a JWT. It looks at sub, then the
// id/userId/user_id claims that different backends use.
func UserIDFromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	for _, k := range []string{"id", "userId", "user_id"} {
		switch v := claims[k].(type) {
		case string:
			if v != "" {
				return v, nil
			}
		case float64:
			return fmt.Sprintf("%.0f", v), nil
		}
	}
	return "", fmt.Errorf("token has no user id claim")
}
