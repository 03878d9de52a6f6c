package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openkcm/session-client/pkg/client"
	"github.com/openkcm/session-client/pkg/credential"
	"github.com/openkcm/session-client/pkg/errorsurface"
)

const (
	refreshCookie = "refresh_token"
	oldToken      = "old-token"
	newToken      = "new-token"
)

// fakeAPI is a minimal auth backend. Protected endpoints accept only the
// token in validToken; the refresh endpoint mints validToken when the
// refresh cookie is present and refreshOK is set.
type fakeAPI struct {
	*httptest.Server

	mu         sync.Mutex
	validToken string
	refreshOK  bool
	authHeads  []string

	refreshCalls atomic.Int32
	reportCalls  atomic.Int32
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func startFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()

	api := &fakeAPI{validToken: newToken, refreshOK: true}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var creds struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds.Password != "good" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "wrong password"})
			return
		}
		http.SetCookie(w, &http.Cookie{Name: refreshCookie, Value: "cookie-1", Path: "/", HttpOnly: true})
		writeJSON(w, http.StatusOK, map[string]any{
			"success":     true,
			"accessToken": api.token(),
			"user":        map[string]any{"id": "u-1", "username": creds.Username},
		})
	})

	mux.HandleFunc("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		api.refreshCalls.Add(1)
		api.mu.Lock()
		ok := api.refreshOK
		api.mu.Unlock()

		if _, err := r.Cookie(refreshCookie); err != nil || !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "no refresh token"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":     true,
			"accessToken": api.token(),
			"user":        map[string]any{"id": "u-1", "username": "alice"},
		})
	})

	mux.HandleFunc("POST /reports", func(w http.ResponseWriter, r *http.Request) {
		api.reportCalls.Add(1)
		auth := r.Header.Get("Authorization")
		api.mu.Lock()
		api.authHeads = append(api.authHeads, auth)
		api.mu.Unlock()

		if auth != "Bearer "+api.token() {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "token expired"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": "r-1"})
	})

	mux.HandleFunc("GET /always-401", func(w http.ResponseWriter, _ *http.Request) {
		api.reportCalls.Add(1)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "still unauthorized"})
	})

	mux.HandleFunc("POST /tables/7/auth/logout", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "table session expired"})
	})

	mux.HandleFunc("GET /empty", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("GET /html", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>oops</html>"))
	})

	mux.HandleFunc("GET /soft-failure", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "insufficient balance"})
	})

	mux.HandleFunc("GET /server-error", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false})
	})

	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"contentType":   r.Header.Get("Content-Type"),
			"authorization": r.Header.Get("Authorization"),
			"requestID":     r.Header.Get("X-Request-ID"),
			"custom":        r.Header.Get("X-Custom"),
		})
	})

	api.Server = httptest.NewServer(mux)
	t.Cleanup(api.Close)

	return api
}

func (a *fakeAPI) token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.validToken
}

func (a *fakeAPI) setRefreshOK(ok bool) {
	a.mu.Lock()
	a.refreshOK = ok
	a.mu.Unlock()
}

func (a *fakeAPI) authHeaders() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.authHeads...)
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

// newClient builds a client against api with a fresh cookie jar, store and
// surface whose reports are recorded.
func newClient(t *testing.T, baseURL string) (*client.Client, *reportRecorder) {
	t.Helper()

	httpClient, err := client.NewHTTPClient(0)
	require.NoError(t, err)

	rec := &reportRecorder{}
	surface := errorsurface.New()
	surface.Register(func(_ context.Context, r errorsurface.Report) {
		rec.mu.Lock()
		rec.reports = append(rec.reports, r)
		rec.mu.Unlock()
	})

	c, err := client.New(t.Context(), baseURL, httpClient, credential.NewStore(), surface)
	require.NoError(t, err)

	return c, rec
}

// seedCookie performs a successful login so the jar holds the refresh cookie,
// then installs token as the current access token.
func seedCookie(t *testing.T, c *client.Client, token string) {
	t.Helper()

	resp, err := c.Send(t.Context(), client.LoginPath,
		client.WithMethod(http.MethodPost),
		client.WithBody(map[string]any{"username": "alice", "password": "good"}),
	)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	c.Tokens().Set(t.Context(), token)
}
