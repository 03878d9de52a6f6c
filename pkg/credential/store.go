// Package credential holds the access token of the current session in memory.
//
// The token is never persisted: a new process always starts without one and
// has to obtain it through login or a cookie-based refresh.
package credential

import (
	"context"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/openkcm/session-client/pkg/notification"
)

var signatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.HS256, jose.HS384, jose.HS512,
	jose.EdDSA,
}

// Store is the single owner of the access token.
type Store struct {
	mu    sync.RWMutex
	token string

	rotations *notification.Fanout[string]
}

func NewStore() *Store {
	return &Store{
		rotations: notification.New[string](),
	}
}

// Get returns the current access token or an empty string.
func (s *Store) Get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Set replaces the token wholesale. An empty token clears the store.
// Subscribers registered with OnRotate are notified when the value changes.
func (s *Store) Set(ctx context.Context, token string) {
	s.mu.Lock()
	changed := s.token != token
	s.token = token
	s.mu.Unlock()

	if changed {
		s.rotations.Publish(ctx, token)
	}
}

// OnRotate registers fn to be called with the new token after every change.
func (s *Store) OnRotate(fn func(ctx context.Context, token string)) *notification.Subscription {
	return s.rotations.Subscribe(fn)
}

// Expiry reports the exp claim of a JWT-shaped token. The signature is not
// verified; the value is only used for scheduling and display.
func (s *Store) Expiry() (time.Time, bool) {
	token := s.Get()
	if token == "" {
		return time.Time{}, false
	}

	parsed, err := jwt.ParseSigned(token, signatureAlgorithms)
	if err != nil {
		return time.Time{}, false
	}

	var claims jwt.Claims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return time.Time{}, false
	}
	if claims.Expiry == nil {
		return time.Time{}, false
	}

	return claims.Expiry.Time(), true
}
