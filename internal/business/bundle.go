package business

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openkcm/common-sdk/pkg/commoncfg"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-client/internal/config"
	"github.com/openkcm/session-client/pkg/client"
	"github.com/openkcm/session-client/pkg/credential"
	"github.com/openkcm/session-client/pkg/errorsurface"
	"github.com/openkcm/session-client/pkg/realtime"
	"github.com/openkcm/session-client/pkg/session"
	"github.com/openkcm/session-client/pkg/sessionctx"
)

// NewBundle wires one isolated session from cfg: the REST pipeline, the
// session state machine and the realtime channel, sharing one token store,
// one error surface and one cookie jar.
func NewBundle(ctx context.Context, cfg *config.Config) (*sessionctx.Bundle, error) {
	httpClient, err := loadHTTPClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("loading http client: %w", err)
	}

	tokens := credential.NewStore()
	surface := errorsurface.New()

	apiClient, err := client.New(ctx, cfg.API.BaseURL, httpClient, tokens, surface)
	if err != nil {
		return nil, fmt.Errorf("creating api client: %w", err)
	}

	manager := session.NewManager(apiClient)

	wsURL, err := cfg.Realtime.URL()
	if err != nil {
		return nil, fmt.Errorf("building realtime url: %w", err)
	}

	channel, err := realtime.New(ctx, realtime.Config{
		URL:                 wsURL,
		Subprotocol:         cfg.Realtime.Subprotocol,
		Origin:              cfg.Realtime.OriginHeader,
		HandshakeTimeout:    cfg.Realtime.HandshakeTimeout,
		ForceLogoutGrace:    cfg.Realtime.ForceLogoutGrace,
		ReconnectOnRotation: cfg.Realtime.ReconnectOnRotation,
		InitialInterval:     cfg.Realtime.Backoff.InitialInterval,
		MaxInterval:         cfg.Realtime.Backoff.MaxInterval,
		PushEvents:          cfg.Realtime.Events(),
		DedupeWindow:        cfg.Realtime.DedupeWindow,
	}, tokens, surface, manager, realtime.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("creating realtime channel: %w", err)
	}

	slogctx.Debug(ctx, "Session bundle created", "api", cfg.API.BaseURL, "realtime", wsURL)

	return &sessionctx.Bundle{
		Client:  apiClient,
		Session: manager,
		Channel: channel,
	}, nil
}

func loadHTTPClient(cfg *config.Config) (*http.Client, error) {
	httpClient, err := client.NewHTTPClient(cfg.API.Timeout)
	if err != nil {
		return nil, err
	}

	switch cfg.API.TLS.Type {
	case "", config.TLSTypeInsecure:
		return httpClient, nil
	case config.TLSTypeMTLS:
		if cfg.API.TLS.MTLS == nil {
			return nil, errors.New("mTLS is selected but not configured")
		}

		tlsConfig, err := commoncfg.LoadMTLSConfig(cfg.API.TLS.MTLS)
		if err != nil {
			return nil, fmt.Errorf("loading mTLS config: %w", err)
		}

		httpClient.Transport = &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tlsConfig,
		}
		return httpClient, nil
	default:
		return nil, fmt.Errorf("unknown TLS type %q", cfg.API.TLS.Type)
	}
}

// loadCredentials resolves the configured login credentials. ok is false when
// none are configured.
func loadCredentials(cfg *config.Config) (_ session.Credentials, ok bool, _ error) {
	if cfg.Credentials.Username.Source == "" {
		return session.Credentials{}, false, nil
	}

	username, err := commoncfg.LoadValueFromSourceRef(cfg.Credentials.Username)
	if err != nil {
		return session.Credentials{}, false, fmt.Errorf("loading username: %w", err)
	}

	password, err := commoncfg.LoadValueFromSourceRef(cfg.Credentials.Password)
	if err != nil {
		return session.Credentials{}, false, fmt.Errorf("loading password: %w", err)
	}

	return session.Credentials{
		Username: string(username),
		Password: string(password),
		Remember: cfg.Credentials.Remember,
	}, true, nil
}

// resume boots the session and falls back to a credential login.
func resume(ctx context.Context, cfg *config.Config, m *session.Manager) (session.Snapshot, error) {
	snapshot := m.Boot(ctx)
	if snapshot.Authenticated() {
		return snapshot, nil
	}

	creds, ok, err := loadCredentials(cfg)
	if err != nil {
		return snapshot, err
	}
	if !ok {
		slogctx.Info(ctx, "No session and no credentials configured")
		return snapshot, nil
	}

	if _, err := m.Login(ctx, creds); err != nil {
		return m.Snapshot(), fmt.Errorf("logging in as %s: %w", creds.Username, err)
	}

	return m.Snapshot(), nil
}
