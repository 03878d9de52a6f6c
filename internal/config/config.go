// Package config defines the necessary types to configure the application.
// An example config file config.yaml is provided in the repository.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

const (
	TLSTypeInsecure = "insecure"
	TLSTypeMTLS     = "mtls"
)

// DefaultPushEvents are forwarded to notification subscribers when
// realtime.pushEvents is not set.
var DefaultPushEvents = []string{"notification", "reward"}

type Config struct {
	commoncfg.BaseConfig `mapstructure:",squash" yaml:",inline"`

	API         API         `yaml:"api"`
	Realtime    Realtime    `yaml:"realtime"`
	Credentials Credentials `yaml:"credentials"`
}

type API struct {
	BaseURL string        `yaml:"baseURL" default:"http://localhost:4000/api"`
	Timeout time.Duration `yaml:"timeout" default:"15s"`
	TLS     TLS           `yaml:"tls"`

	Refresher Refresher `yaml:"refresher"`
}

// Refresher renews a JWT access token shortly before it expires, so that the
// realtime handshake never carries a stale token.
type Refresher struct {
	Enabled       bool          `yaml:"enabled" default:"true"`
	CheckInterval time.Duration `yaml:"checkInterval" default:"30s"`
	Leeway        time.Duration `yaml:"leeway" default:"1m"`
}

type TLS struct {
	Type string          `yaml:"type" default:"insecure"`
	MTLS *commoncfg.MTLS `yaml:"mtls"`
}

type Realtime struct {
	Origin      string `yaml:"origin" default:"ws://localhost:4000"`
	Path        string `yaml:"path" default:"/ws"`
	Subprotocol string `yaml:"subprotocol" default:"session.realtime.v1"`
	// OriginHeader is sent as the Origin header of the handshake, if set.
	OriginHeader        string        `yaml:"originHeader"`
	HandshakeTimeout    time.Duration `yaml:"handshakeTimeout" default:"10s"`
	ForceLogoutGrace    time.Duration `yaml:"forceLogoutGrace" default:"1500ms"`
	ReconnectOnRotation bool          `yaml:"reconnectOnRotation" default:"false"`
	Backoff             Backoff       `yaml:"backoff"`
	PushEvents          []string      `yaml:"pushEvents"`
	DedupeWindow        time.Duration `yaml:"dedupeWindow" default:"1m"`
}

type Backoff struct {
	InitialInterval time.Duration `yaml:"initialInterval" default:"500ms"`
	MaxInterval     time.Duration `yaml:"maxInterval" default:"30s"`
}

// Credentials are used by the CLI to log in when no refresh cookie exists.
type Credentials struct {
	Username commoncfg.SourceRef `yaml:"username"`
	Password commoncfg.SourceRef `yaml:"password"`
	Remember bool                `yaml:"remember"`
}

// URL joins origin and path into the websocket endpoint.
func (r Realtime) URL() (string, error) {
	if r.Origin == "" {
		return "", errors.New("realtime origin is empty")
	}
	u, err := url.JoinPath(r.Origin, r.Path)
	if err != nil {
		return "", fmt.Errorf("joining realtime origin and path: %w", err)
	}
	return u, nil
}

func (r Realtime) Events() []string {
	if len(r.PushEvents) == 0 {
		return DefaultPushEvents
	}
	return r.PushEvents
}

// Validate rejects settings that would only fail once the session is running.
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return fmt.Errorf("api.baseURL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("api.baseURL: unsupported scheme %q", u.Scheme)
	}

	if !slices.Contains([]string{"", TLSTypeInsecure, TLSTypeMTLS}, c.API.TLS.Type) {
		return fmt.Errorf("api.tls.type: unknown TLS type %q", c.API.TLS.Type)
	}
	if c.API.TLS.Type == TLSTypeMTLS && c.API.TLS.MTLS == nil {
		return errors.New("api.tls.mtls: required when api.tls.type is mtls")
	}

	if c.API.Refresher.Enabled && c.API.Refresher.CheckInterval <= 0 {
		return errors.New("api.refresher.checkInterval: must be positive when the refresher is enabled")
	}

	if _, err := c.Realtime.URL(); err != nil {
		return fmt.Errorf("realtime: %w", err)
	}
	if c.Realtime.Backoff.MaxInterval > 0 && c.Realtime.Backoff.MaxInterval < c.Realtime.Backoff.InitialInterval {
		return errors.New("realtime.backoff: maxInterval is shorter than initialInterval")
	}

	return nil
}
