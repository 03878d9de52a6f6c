// Package sessionctx carries the session bundle of the running process in a
// context.Context, so that code deep in a call chain reaches the same client,
// session and realtime channel without package-level state.
package sessionctx

import (
	"context"
	"errors"
	"net/http"

	"github.com/openkcm/session-client/pkg/client"
	"github.com/openkcm/session-client/pkg/realtime"
	"github.com/openkcm/session-client/pkg/session"
)

// Using an unexported type prevents key collisions from other packages.
type contextKey string

// BundleKey is the context key of the session bundle.
const BundleKey contextKey = "session-bundle"

var ErrNoBundle = errors.New("session bundle not found in context")

// Bundle is one isolated session: its request pipeline, its state machine and
// its realtime channel.
type Bundle struct {
	Client  *client.Client
	Session *session.Manager
	Channel *realtime.Channel
}

// Close tears the channel down and waits for pending forced logouts.
func (b *Bundle) Close() {
	if b == nil {
		return
	}
	if b.Channel != nil {
		b.Channel.Close()
	}
	if b.Session != nil {
		b.Session.Wait()
	}
}

func WithBundle(ctx context.Context, b *Bundle) context.Context {
	return context.WithValue(ctx, BundleKey, b)
}

func FromContext(ctx context.Context) (*Bundle, error) {
	b, ok := ctx.Value(BundleKey).(*Bundle)
	if !ok || b == nil {
		return nil, ErrNoBundle
	}
	return b, nil
}

// Middleware injects b into the context of every request handled by next.
func Middleware(b *Bundle) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithBundle(r.Context(), b)))
		})
	}
}
