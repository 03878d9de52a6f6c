package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-client/internal/serviceerr"
	"github.com/openkcm/session-client/pkg/client"
	"github.com/openkcm/session-client/pkg/notification"
)

const defaultLoginFailure = "Login failed"

// Navigator moves the user out of the authenticated area after logout.
type Navigator interface {
	InProtectedArea() bool
	RedirectToLogin(ctx context.Context)
}

type Option func(*Manager)

func WithNavigator(n Navigator) Option {
	return func(m *Manager) { m.navigator = n }
}

// Manager owns the authentication lifecycle:
// unresolved -> authenticated | unauthenticated.
type Manager struct {
	client    *client.Client
	navigator Navigator

	// transitions orders the token write, the state write and the publish
	// of every transition, so observers see snapshots in state order.
	transitions sync.Mutex

	mu       sync.RWMutex
	snapshot Snapshot

	bootOnce  sync.Once
	ready     chan struct{}
	observers *notification.Fanout[Snapshot]

	forced sync.WaitGroup
}

func NewManager(c *client.Client, opts ...Option) *Manager {
	m := &Manager{
		client:    c,
		ready:     make(chan struct{}),
		observers: notification.New[Snapshot](),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Boot resolves the session with exactly one cookie-based refresh. It runs
// once per Manager; later calls return the current snapshot.
func (m *Manager) Boot(ctx context.Context) Snapshot {
	m.bootOnce.Do(func() {
		defer close(m.ready)

		result, ok := m.client.TryRefresh(ctx)
		if !ok {
			slogctx.Info(ctx, "No session to resume")
			m.transition(ctx, StateUnauthenticated, nil, nil)
			return
		}

		user, err := decodeUser(result.User)
		if err != nil {
			slogctx.Warn(ctx, "Could not decode the refreshed user, continuing with an empty profile", "error", err)
			user = &User{}
		}

		slogctx.Info(ctx, "Resumed session", "user_id", user.ID)
		m.transition(ctx, StateAuthenticated, user, nil)
	})

	return m.Snapshot()
}

// WaitReady blocks until Boot has settled or ctx is done.
func (m *Manager) WaitReady(ctx context.Context) error {
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", serviceerr.ErrNotReady, ctx.Err())
	}
}

// Login authenticates with credentials. A rejected login returns a
// *serviceerr.BusinessError carrying the server message and leaves the
// session untouched.
func (m *Manager) Login(ctx context.Context, creds Credentials) (*User, error) {
	resp, err := m.client.Send(ctx, client.LoginPath,
		client.WithMethod(http.MethodPost),
		client.WithBody(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("sending login request: %w", err)
	}

	success, _ := resp.Body.Success()
	token := resp.Body.String("accessToken")
	if !success || token == "" {
		message := resp.Body.Message()
		if message == "" {
			message = defaultLoginFailure
		}
		slogctx.Info(ctx, "Login rejected", "status", resp.StatusCode)
		return nil, &serviceerr.BusinessError{Message: message}
	}

	user, err := decodeUser(resp.Body.Object("user"))
	if err != nil {
		return nil, err
	}

	m.transition(ctx, StateAuthenticated, user, &token)
	slogctx.Info(ctx, "Logged in", "user_id", user.ID)

	return user, nil
}

// Logout ends the session locally whatever the server answers.
func (m *Manager) Logout(ctx context.Context) {
	_, err := m.client.Send(ctx, client.LogoutPath,
		client.WithMethod(http.MethodPost),
		client.WithoutErrorModal(),
	)
	if err != nil {
		slogctx.Debug(ctx, "Ignoring logout request failure", "error", err)
	}

	cleared := ""
	m.transition(ctx, StateUnauthenticated, nil, &cleared)
	slogctx.Info(ctx, "Logged out")

	if m.navigator != nil && m.navigator.InProtectedArea() {
		m.navigator.RedirectToLogin(ctx)
	}
}

// ForceLogout runs Logout in the background. It is used for server-initiated
// logouts that arrive outside any request.
func (m *Manager) ForceLogout(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	m.forced.Go(func() {
		m.Logout(ctx)
	})
}

// Wait blocks until all pending forced logouts have finished.
func (m *Manager) Wait() {
	m.forced.Wait()
}

// Subscribe registers fn to receive every new snapshot, in transition order.
func (m *Manager) Subscribe(fn func(ctx context.Context, s Snapshot)) *notification.Subscription {
	return m.observers.Subscribe(fn)
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

func (m *Manager) Ready() bool {
	return m.Snapshot().Ready
}

func (m *Manager) User() *User {
	return m.Snapshot().User
}

func (m *Manager) Client() *client.Client {
	return m.client
}

// transition installs token, when not nil, and the new state, then publishes
// the snapshot. Observers run while the next transition waits, so they must
// not call Login, Logout or Boot synchronously.
func (m *Manager) transition(ctx context.Context, state State, user *User, token *string) {
	m.transitions.Lock()
	defer m.transitions.Unlock()

	if token != nil {
		m.client.Tokens().Set(ctx, *token)
	}

	m.mu.Lock()
	m.snapshot = Snapshot{State: state, Ready: true, User: user}
	snapshot := m.snapshot
	m.mu.Unlock()

	slogctx.Debug(ctx, "Session state changed", "state", state.String())
	m.observers.Publish(ctx, snapshot)
}
