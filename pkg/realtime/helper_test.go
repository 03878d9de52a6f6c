package realtime_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/session-client/pkg/credential"
	"github.com/openkcm/session-client/pkg/errorsurface"
	"github.com/openkcm/session-client/pkg/realtime"
	"github.com/openkcm/session-client/pkg/session"
)

const (
	subprotocol = "session.realtime.v1"
	firstToken  = "token-1"
	waitFor     = 2 * time.Second
	tick        = 5 * time.Millisecond
)

var (
	unresolved = session.Snapshot{}
	signedIn   = session.Snapshot{State: session.StateAuthenticated, Ready: true, User: &session.User{ID: "u-1"}}
	signedOut  = session.Snapshot{State: session.StateUnauthenticated, Ready: true}
)

// rejectFunc decides whether a handshake is refused. A zero status accepts it.
type rejectFunc func(r *http.Request) (status int, body any)

type wsServer struct {
	*httptest.Server

	dials atomic.Int32
	conns chan *websocket.Conn

	mu       sync.Mutex
	auth     []string
	protocol []string
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func startServer(t *testing.T, reject rejectFunc) *wsServer {
	t.Helper()

	s := &wsServer{conns: make(chan *websocket.Conn, 16)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.dials.Add(1)
		s.mu.Lock()
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		s.protocol = append(s.protocol, r.Header.Get("Sec-WebSocket-Protocol"))
		s.mu.Unlock()

		if reject != nil {
			if status, body := reject(r); status != 0 {
				writeJSON(w, status, body)
				return
			}
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{subprotocol}})
		if err != nil {
			return
		}
		s.conns <- conn

		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(s.Close)

	return s
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsServer) authHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.auth...)
}

func (s *wsServer) protocols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.protocol...)
}

func (s *wsServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(waitFor):
		t.Fatal("no websocket connection was accepted")
		return nil
	}
}

func send(t *testing.T, conn *websocket.Conn, env realtime.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.Write(t.Context(), websocket.MessageText, data))
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

type fakeLogouter struct {
	calls atomic.Int32
}

func (f *fakeLogouter) ForceLogout(context.Context) {
	f.calls.Add(1)
}

type reportRecorder struct {
	mu      sync.Mutex
	reports []errorsurface.Report
}

func (r *reportRecorder) all() []errorsurface.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]errorsurface.Report(nil), r.reports...)
}

type fixture struct {
	channel  *realtime.Channel
	tokens   *credential.Store
	reports  *reportRecorder
	logouter *fakeLogouter
}

func testConfig(s *wsServer) realtime.Config {
	return realtime.Config{
		URL:              s.wsURL(),
		Subprotocol:      subprotocol,
		ForceLogoutGrace: 50 * time.Millisecond,
		InitialInterval:  10 * time.Millisecond,
		MaxInterval:      20 * time.Millisecond,
		PushEvents:       []string{realtime.EventNotification, realtime.EventReward},
		DedupeWindow:     time.Minute,
	}
}

func newFixture(t *testing.T, cfg realtime.Config) *fixture {
	t.Helper()

	tokens := credential.NewStore()
	tokens.Set(t.Context(), firstToken)

	rec := &reportRecorder{}
	surface := errorsurface.New()
	surface.Register(func(_ context.Context, r errorsurface.Report) {
		rec.mu.Lock()
		rec.reports = append(rec.reports, r)
		rec.mu.Unlock()
	})

	logouter := &fakeLogouter{}
	ch, err := realtime.New(t.Context(), cfg, tokens, surface, logouter)
	require.NoError(t, err)
	t.Cleanup(ch.Close)

	return &fixture{channel: ch, tokens: tokens, reports: rec, logouter: logouter}
}
