package business

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/openkcm/session-client/internal/config"
	"github.com/openkcm/session-client/pkg/session"
	"github.com/openkcm/session-client/pkg/sessionctx"
)

type statusReport struct {
	State       string        `yaml:"state"`
	Ready       bool          `yaml:"ready"`
	User        *session.User `yaml:"user,omitempty"`
	TokenExpiry *time.Time    `yaml:"tokenExpiry,omitempty"`
}

// StatusMain resolves the session once and prints it as YAML.
func StatusMain(ctx context.Context, cfg *config.Config) error {
	return printStatus(ctx, cfg, os.Stdout)
}

func printStatus(ctx context.Context, cfg *config.Config, w io.Writer) error {
	bundle, err := NewBundle(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the session: %w", err)
	}
	defer bundle.Close()

	snapshot, err := resume(ctx, cfg, bundle.Session)
	if err != nil {
		return err
	}

	return writeStatus(w, snapshot, bundle)
}

func writeStatus(w io.Writer, s session.Snapshot, bundle *sessionctx.Bundle) error {
	report := statusReport{
		State: s.State.String(),
		Ready: s.Ready,
		User:  s.User,
	}
	if expiry, ok := bundle.Client.Tokens().Expiry(); ok {
		report.TokenExpiry = &expiry
	}

	data, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}

	_, err = w.Write(data)
	return err
}
