package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openkcm/session-client/pkg/client"
	"github.com/openkcm/session-client/pkg/credential"
	"github.com/openkcm/session-client/pkg/errorsurface"
	"github.com/openkcm/session-client/pkg/session"
)

const (
	refreshCookie = "refresh_token"
	accessToken   = "access-token"
)

type authAPI struct {
	*httptest.Server

	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32
	logoutStatus atomic.Int32

	mu     sync.Mutex
	bodies map[string]map[string]any
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func startAuthAPI(t *testing.T) *authAPI {
	t.Helper()

	api := &authAPI{bodies: make(map[string]map[string]any)}
	api.logoutStatus.Store(http.StatusOK)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var creds session.Credentials
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds.Password != "good" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "Invalid credentials"})
			return
		}
		http.SetCookie(w, &http.Cookie{Name: refreshCookie, Value: "cookie-1", Path: "/", HttpOnly: true})
		writeJSON(w, http.StatusOK, map[string]any{
			"success":     true,
			"accessToken": accessToken,
			"user": map[string]any{
				"id":       "u-1",
				"username": creds.Username,
				"role":     "player",
				"balance":  42.5,
			},
		})
	})

	mux.HandleFunc("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		api.refreshCalls.Add(1)
		if _, err := r.Cookie(refreshCookie); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "no refresh token"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":     true,
			"accessToken": accessToken,
			"user":        map[string]any{"id": "u-1", "username": "alice"},
		})
	})

	mux.HandleFunc("POST /auth/logout", func(w http.ResponseWriter, _ *http.Request) {
		api.logoutCalls.Add(1)
		writeJSON(w, int(api.logoutStatus.Load()), map[string]any{"success": true})
	})

	account := func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		api.mu.Lock()
		api.bodies[r.URL.Path] = body
		api.mu.Unlock()

		if body["email"] == "taken@example.com" {
			writeJSON(w, http.StatusConflict, map[string]any{"success": false, "message": "Email already registered"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "ok"})
	}
	for _, path := range []string{
		client.RegisterPath,
		client.SendEmailVerificationPath,
		client.VerifyEmailOTPPath,
		client.SendResetOTPPath,
		client.VerifyOTPResetPasswordPath,
	} {
		mux.HandleFunc("POST "+path, account)
	}

	api.Server = httptest.NewServer(mux)
	t.Cleanup(api.Close)

	return api
}

func (a *authAPI) body(path string) map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bodies[path]
}

// seedRefreshCookie stores the refresh cookie in the client's jar as a
// previous login would have.
func (a *authAPI) seedRefreshCookie(t *testing.T, httpClient *http.Client) {
	t.Helper()

	u, err := url.Parse(a.URL)
	require.NoError(t, err)
	httpClient.Jar.SetCookies(u, []*http.Cookie{{Name: refreshCookie, Value: "cookie-1", Path: "/"}})
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

type fakeNavigator struct {
	protected bool
	redirects atomic.Int32
}

func (n *fakeNavigator) InProtectedArea() bool { return n.protected }

func (n *fakeNavigator) RedirectToLogin(context.Context) { n.redirects.Add(1) }

type fixture struct {
	api        *authAPI
	httpClient *http.Client
	client     *client.Client
	reports    *reportRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	api := startAuthAPI(t)
	httpClient, err := client.NewHTTPClient(0)
	require.NoError(t, err)

	rec := &reportRecorder{}
	surface := errorsurface.New()
	surface.Register(func(_ context.Context, r errorsurface.Report) {
		rec.mu.Lock()
		rec.reports = append(rec.reports, r)
		rec.mu.Unlock()
	})

	c, err := client.New(t.Context(), api.URL, httpClient, credential.NewStore(), surface)
	require.NoError(t, err)

	return &fixture{api: api, httpClient: httpClient, client: c, reports: rec}
}
