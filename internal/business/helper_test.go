package business

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/session-client/internal/config"
)

const refreshCookie = "refresh_token"

type backend struct {
	*httptest.Server

	loginTTL     time.Duration
	refreshCalls atomic.Int32
	conns        chan *websocket.Conn
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func mintToken(t *testing.T, ttl time.Duration) string {
	t.Helper()

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte("0123456789abcdef0123456789abcdef")}, nil)
	require.NoError(t, err)

	token, err := jwt.Signed(signer).Claims(jwt.Claims{
		Subject: "u-1",
		Expiry:  jwt.NewNumericDate(time.Now().Add(ttl)),
	}).Serialize()
	require.NoError(t, err)

	return token
}

// startBackend serves the REST API under /api and the realtime endpoint at
// /ws on one server, as the production deployment does.
func startBackend(t *testing.T, loginTTL time.Duration) *backend {
	t.Helper()

	b := &backend{loginTTL: loginTTL, conns: make(chan *websocket.Conn, 8)}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var creds struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds.Password != "good" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "Invalid credentials"})
			return
		}
		http.SetCookie(w, &http.Cookie{Name: refreshCookie, Value: "cookie-1", Path: "/", HttpOnly: true})
		writeJSON(w, http.StatusOK, map[string]any{
			"success":     true,
			"accessToken": mintToken(t, b.loginTTL),
			"user":        map[string]any{"id": "u-1", "username": creds.Username, "role": "player"},
		})
	})

	mux.HandleFunc("POST /api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		b.refreshCalls.Add(1)
		if _, err := r.Cookie(refreshCookie); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":     true,
			"accessToken": mintToken(t, time.Hour),
			"user":        map[string]any{"id": "u-1", "username": "alice"},
		})
	})

	mux.HandleFunc("POST /api/auth/logout", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"code": "AUTH_REQUIRED", "message": "Please sign in"})
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{"session.realtime.v1"}})
		if err != nil {
			return
		}
		b.conns <- conn
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	})

	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Close)

	return b
}

func embedded(value string) commoncfg.SourceRef {
	return commoncfg.SourceRef{Source: "embedded", Value: value}
}

func testConfig(b *backend) *config.Config {
	return &config.Config{
		API: config.API{
			BaseURL: b.URL + "/api",
			Timeout: 5 * time.Second,
			Refresher: config.Refresher{
				Enabled:       true,
				CheckInterval: 10 * time.Millisecond,
				Leeway:        time.Minute,
			},
		},
		Realtime: config.Realtime{
			Origin:           "ws" + strings.TrimPrefix(b.URL, "http"),
			Path:             "/ws",
			Subprotocol:      "session.realtime.v1",
			ForceLogoutGrace: 10 * time.Millisecond,
			Backoff: config.Backoff{
				InitialInterval: 10 * time.Millisecond,
				MaxInterval:     20 * time.Millisecond,
			},
			DedupeWindow: time.Minute,
		},
		Credentials: config.Credentials{
			Username: embedded("alice"),
			Password: embedded("good"),
		},
	}
}
