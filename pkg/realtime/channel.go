// Package realtime keeps one authenticated websocket open for as long as the
// session has a user, and turns server events into logouts, error reports and
// push notifications.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/google/uuid"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-client/pkg/credential"
	"github.com/openkcm/session-client/pkg/errorsurface"
	"github.com/openkcm/session-client/pkg/notification"
	"github.com/openkcm/session-client/pkg/session"
)

const (
	ConnectivityErrorMessage = "Lost connection to the server. Reconnecting..."
	ForcedLogoutMessage      = "You have been signed out."
	AuthRequiredMessage      = "Your session has expired. Please sign in again."

	DefaultForceLogoutGrace = 1500 * time.Millisecond
	DefaultHandshakeTimeout = 10 * time.Second

	builtinKey   = "realtime.builtin"
	maxReadBytes = 1 << 20
)

// ForceLogouter ends the session in the background.
// *session.Manager implements it.
type ForceLogouter interface {
	ForceLogout(ctx context.Context)
}

// Listener handles one event. Listeners run on the channel's goroutine and
// must not call Sync or Close synchronously.
type Listener func(ctx context.Context, env Envelope)

type Config struct {
	// URL of the websocket endpoint, e.g. ws://localhost:4000/ws.
	URL              string
	Subprotocol      string
	Origin           string
	HandshakeTimeout time.Duration

	// ForceLogoutGrace is how long a forceLogout message stays visible
	// before the logout runs.
	ForceLogoutGrace time.Duration
	// ReconnectOnRotation redials with the new token whenever the access
	// token changes while connected.
	ReconnectOnRotation bool

	InitialInterval time.Duration
	MaxInterval     time.Duration

	PushEvents   []string
	DedupeWindow time.Duration
}

type Option func(*Channel)

// WithHTTPClient makes the handshake use hc's transport and cookie jar.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Channel) {
		if hc == nil {
			return
		}
		// The handshake is bounded by HandshakeTimeout instead.
		cp := *hc
		cp.Timeout = 0
		c.httpClient = &cp
	}
}

type listenerEntry struct {
	key string
	fn  Listener
}

// Channel is the shared realtime connection of one session.
type Channel struct {
	cfg        Config
	tokens     *credential.Store
	surface    *errorsurface.Surface
	logouter   ForceLogouter
	httpClient *http.Client

	mu        sync.Mutex
	listeners map[string][]listenerEntry
	loop      *loop
	grace     *time.Timer
	outage    bool
	closed    bool

	connected atomic.Bool
	builtins  sync.Once
	closeOnce sync.Once

	push     *notification.Fanout[Push]
	rotation *notification.Subscription
	meters   meters
}

func New(
	ctx context.Context,
	cfg Config,
	tokens *credential.Store,
	surface *errorsurface.Surface,
	logouter ForceLogouter,
	opts ...Option,
) (*Channel, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing realtime URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported realtime URL scheme: %q", u.Scheme)
	}

	if tokens == nil {
		tokens = credential.NewStore()
	}
	if surface == nil {
		surface = errorsurface.New()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ForceLogoutGrace < 0 {
		cfg.ForceLogoutGrace = 0
	}

	var fanoutOpts []notification.Option[Push]
	if cfg.DedupeWindow > 0 {
		fanoutOpts = append(fanoutOpts, notification.WithDedupe(func(p Push) string { return p.ID }, cfg.DedupeWindow))
	}

	c := &Channel{
		cfg:       cfg,
		tokens:    tokens,
		surface:   surface,
		logouter:  logouter,
		listeners: make(map[string][]listenerEntry),
		push:      notification.New(fanoutOpts...),
		meters:    newMeters(ctx),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	if cfg.ReconnectOnRotation {
		c.rotation = tokens.OnRotate(c.onRotate)
	}

	return c, nil
}

// Follow keeps the channel in step with m: it syncs the current snapshot and
// every later transition. Each notification re-reads m, so the channel always
// settles on the latest state.
func (c *Channel) Follow(ctx context.Context, m *session.Manager) *notification.Subscription {
	sub := m.Subscribe(func(ctx context.Context, _ session.Snapshot) {
		c.Sync(ctx, m.Snapshot())
	})
	c.Sync(ctx, m.Snapshot())
	return sub
}

// Sync applies the connection rule: connected iff the session is ready and
// has a user. An unresolved session changes nothing. Disconnecting blocks
// until the socket is closed.
func (c *Channel) Sync(ctx context.Context, s session.Snapshot) {
	switch {
	case !s.Ready:
	case s.User != nil:
		c.connect(ctx)
	default:
		c.disconnect(ctx)
	}
}

// Connected reports whether the socket is currently open.
func (c *Channel) Connected() bool {
	return c.connected.Load()
}

// On registers l for event under key. A key that is already registered for
// the event is left in place and false is returned.
func (c *Channel) On(event, key string, l Listener) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	return c.onLocked(event, key, l)
}

func (c *Channel) Off(event, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[event] = slices.DeleteFunc(c.listeners[event], func(e listenerEntry) bool {
		return e.key == key
	})
}

// ListenerCount returns the number of listeners for event, built-ins included.
func (c *Channel) ListenerCount(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners[event])
}

// Subscribe registers h for every push event. See Listener for the
// restrictions that apply to h.
func (c *Channel) Subscribe(h notification.Handler[Push]) *notification.Subscription {
	return c.push.Subscribe(h)
}

// Close disconnects and removes every listener and subscriber. A pending
// forced logout is cancelled. The channel cannot be reused.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		ctx := context.Background()

		c.mu.Lock()
		c.closed = true
		c.stopGraceLocked()
		c.mu.Unlock()

		c.disconnect(ctx)

		c.mu.Lock()
		clear(c.listeners)
		c.mu.Unlock()

		c.rotation.Unsubscribe()
		c.push.Clear()
		slogctx.Debug(ctx, "Realtime channel closed")
	})
}

func (c *Channel) onLocked(event, key string, l Listener) bool {
	if l == nil {
		return false
	}
	if slices.ContainsFunc(c.listeners[event], func(e listenerEntry) bool { return e.key == key }) {
		return false
	}
	c.listeners[event] = append(c.listeners[event], listenerEntry{key: key, fn: l})
	return true
}

func (c *Channel) installBuiltinsLocked() {
	c.onLocked(EventConnect, builtinKey, c.handleConnect)
	c.onLocked(EventDisconnect, builtinKey, c.handleDisconnect)
	c.onLocked(EventConnectError, builtinKey, c.handleConnectError)
	c.onLocked(EventForceLogout, builtinKey, c.handleForceLogout)
	for _, event := range c.cfg.PushEvents {
		c.onLocked(event, builtinKey, c.handlePush)
	}
}

func (c *Channel) connect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if c.loop != nil && !c.loop.finished() {
		return
	}
	c.builtins.Do(c.installBuiltinsLocked)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l := newLoop(cancel)
	c.loop = l
	go c.run(loopCtx, l)

	slogctx.Debug(ctx, "Realtime channel started")
}

func (c *Channel) disconnect(ctx context.Context) {
	c.mu.Lock()
	l := c.loop
	c.loop = nil
	c.outage = false
	c.stopGraceLocked()
	c.mu.Unlock()

	if l == nil {
		return
	}
	l.cancel()
	<-l.done
	slogctx.Debug(ctx, "Realtime channel stopped")
}

func (c *Channel) stopGraceLocked() {
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
}

func (c *Channel) run(ctx context.Context, l *loop) {
	defer close(l.done)

	bo := backoff.NewExponentialBackOff()
	if c.cfg.InitialInterval > 0 {
		bo.InitialInterval = c.cfg.InitialInterval
	}
	if c.cfg.MaxInterval > 0 {
		bo.MaxInterval = c.cfg.MaxInterval
	}

	for {
		connected, stop := c.serve(ctx, l)
		if stop || ctx.Err() != nil {
			return
		}
		if connected {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		slogctx.Debug(ctx, "Redialling realtime channel", "after", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-l.kick:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// serve runs one connection from dial to close. stop is set when the server
// demanded authentication, after which redialling is pointless.
func (c *Channel) serve(ctx context.Context, l *loop) (connected, stop bool) {
	connID := uuid.NewString()
	ctx = slogctx.With(ctx, "connection_id", connID)

	connCtx, drop := context.WithCancel(ctx)
	defer drop()
	l.setDrop(drop)
	defer l.setDrop(nil)

	dialCtx, cancelDial := context.WithTimeout(connCtx, c.cfg.HandshakeTimeout)
	conn, resp, err := websocket.Dial(dialCtx, c.cfg.URL, c.dialOptions(connID))
	cancelDial()
	if err != nil {
		if connCtx.Err() != nil {
			closeBody(resp)
			return false, ctx.Err() != nil
		}

		ce := handshakeError(resp, err)
		outcome := outcomeFailed
		if ce.AuthRequired() {
			outcome = outcomeAuthRequired
		}
		c.meters.recordConnect(ctx, outcome)
		slogctx.Warn(ctx, "Realtime handshake failed", "error", err, "code", ce.Code)

		c.dispatch(ctx, Envelope{Event: EventConnectError, Payload: encodePayload(ce)})
		return false, ce.AuthRequired()
	}
	closeBody(resp)

	conn.SetReadLimit(maxReadBytes)
	c.meters.recordConnect(ctx, outcomeConnected)
	slogctx.Info(ctx, "Realtime channel connected")
	c.dispatch(ctx, Envelope{Event: EventConnect})

	stop = c.readLoop(connCtx, conn)

	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	c.dispatch(context.WithoutCancel(ctx), Envelope{Event: EventDisconnect})

	return true, stop
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) (stop bool) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slogctx.Info(ctx, "Realtime connection closed",
					"close_status", websocket.CloseStatus(err),
					"error", err,
				)
			}
			return false
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			slogctx.Warn(ctx, "Dropping malformed realtime frame", "error", err)
			continue
		}
		// connect and disconnect describe the local socket only.
		if env.Event == EventConnect || env.Event == EventDisconnect {
			continue
		}

		c.dispatch(ctx, env)

		if env.Event == EventConnectError && decodeConnectError(env.Payload).AuthRequired() {
			return true
		}
	}
}

func (c *Channel) dialOptions(connID string) *websocket.DialOptions {
	header := http.Header{}
	if token := c.tokens.Get(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	if c.cfg.Origin != "" {
		header.Set("Origin", c.cfg.Origin)
	}
	header.Set("X-Request-ID", connID)

	opts := &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: header,
	}
	if c.cfg.Subprotocol != "" {
		opts.Subprotocols = []string{c.cfg.Subprotocol}
	}
	return opts
}

func (c *Channel) dispatch(ctx context.Context, env Envelope) {
	c.mu.Lock()
	entries := slices.Clone(c.listeners[env.Event])
	c.mu.Unlock()

	for _, e := range entries {
		invoke(ctx, e, env)
	}
}

func invoke(ctx context.Context, e listenerEntry, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			slogctx.Error(ctx, "Realtime listener panicked", "event", env.Event, "key", e.key, "panic", r)
		}
	}()
	e.fn(ctx, env)
}

func (c *Channel) handleConnect(context.Context, Envelope) {
	c.connected.Store(true)
	c.mu.Lock()
	c.outage = false
	c.mu.Unlock()
}

func (c *Channel) handleDisconnect(context.Context, Envelope) {
	c.connected.Store(false)
}

func (c *Channel) handleConnectError(ctx context.Context, env Envelope) {
	ce := decodeConnectError(env.Payload)
	if ce.AuthRequired() {
		if ce.Message == "" {
			ce.Message = AuthRequiredMessage
		}
		c.surface.Report(ctx, ce.Message, true)
		c.forceLogout(context.WithoutCancel(ctx), logoutCause(ce))
		return
	}

	c.mu.Lock()
	first := !c.outage
	c.outage = true
	c.mu.Unlock()

	if first {
		c.surface.Report(ctx, ConnectivityErrorMessage, false)
	}
}

func (c *Channel) handleForceLogout(ctx context.Context, env Envelope) {
	var p forceLogoutPayload
	if len(env.Payload) > 0 {
		_ = json.Unmarshal(env.Payload, &p)
	}
	if p.Message == "" {
		p.Message = ForcedLogoutMessage
	}
	slogctx.Info(ctx, "Server requested logout")
	c.surface.Report(ctx, p.Message, false)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.grace != nil {
		return
	}

	detached := context.WithoutCancel(ctx)
	message := p.Message
	var timer *time.Timer
	timer = time.AfterFunc(c.cfg.ForceLogoutGrace, func() {
		c.mu.Lock()
		// A stopped or replaced timer may still fire once.
		current := c.grace == timer
		if current {
			c.grace = nil
		}
		c.mu.Unlock()

		if current {
			c.forceLogout(detached, logoutCause(errors.New(message)))
		}
	})
	c.grace = timer
}

func (c *Channel) handlePush(ctx context.Context, env Envelope) {
	delivered := c.push.Publish(ctx, Push{
		Event:   env.Event,
		ID:      env.ID,
		TS:      env.TS,
		Payload: env.Payload,
	})
	c.meters.recordPush(ctx, env.Event, delivered)
}

func (c *Channel) forceLogout(ctx context.Context, cause error) {
	if c.logouter == nil {
		slogctx.Warn(ctx, "Forced logout requested but no session is attached", "cause", cause)
		return
	}
	slogctx.Info(ctx, "Forcing logout", "cause", cause)
	c.logouter.ForceLogout(ctx)
}

func (c *Channel) onRotate(ctx context.Context, token string) {
	if token == "" {
		return
	}

	c.mu.Lock()
	l := c.loop
	c.mu.Unlock()

	if l != nil && l.redial() {
		slogctx.Info(ctx, "Access token rotated, redialling realtime channel")
	}
}

// handshakeError extracts {code, message} from a rejected handshake. A bare
// 401 counts as AUTH_REQUIRED and carries AuthRequiredMessage, never the dial
// error text.
func handshakeError(resp *http.Response, err error) ConnectError {
	ce := ConnectError{Message: err.Error()}
	if resp == nil {
		return ce
	}
	fromBody := false

	if resp.Body != nil {
		data, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		var body ConnectError
		if json.Unmarshal(data, &body) == nil {
			if body.Code != "" {
				ce.Code = body.Code
			}
			if body.Message != "" {
				ce.Message = body.Message
				fromBody = true
			}
		}
	}

	if ce.Code == "" && resp.StatusCode == http.StatusUnauthorized {
		ce.Code = CodeAuthRequired
	}
	if ce.AuthRequired() && !fromBody {
		ce.Message = AuthRequiredMessage
	}
	return ce
}

func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
}
