package cmdutils

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/openkcm/common-sdk/pkg/health"
	"github.com/openkcm/common-sdk/pkg/logger"
	"github.com/openkcm/common-sdk/pkg/otlp"
	"github.com/openkcm/common-sdk/pkg/status"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-client/internal/config"
)

const (
	healthStatusTimeout = 5 * time.Second

	// drainAnnotation marks commands that keep a session open and need the
	// graceful shutdown delay after they return.
	drainAnnotation = "session-client/drain"
	configDirFlag   = "config-dir"
)

var configSearchPaths = []string{
	"/etc/session-client",
	"$HOME/.session-client",
	".",
}

type BusinessFunc func(context.Context, *config.Config) error

// Mode decides what runs next to the business function.
type Mode struct {
	Telemetry    bool
	StatusServer bool
	// Drain asks main to wait the graceful shutdown delay after the command,
	// so a pending forced logout or socket close can finish.
	Drain bool
}

var (
	// RunAsService is for long-running commands: telemetry and the status
	// server are started alongside the business function.
	RunAsService = Mode{Telemetry: true, StatusServer: true, Drain: true}
	// RunAsJob resolves something once and exits; only the logger is set up.
	RunAsJob = Mode{}
)

func CobraCommand(use, short, long, buildInfo string, mode Mode, fn BusinessFunc) *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long:  long,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(buildInfo, configDir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			err = mode.Run(cmd.Context(), fn, cfg)
			if err != nil {
				return fmt.Errorf("running %s: %w", use, err)
			}

			return nil
		},
	}
	cmd.Flags().StringVar(&configDir, configDirFlag, "", "directory searched for config.yaml before the default locations")

	if mode.Drain {
		cmd.Annotations = map[string]string{drainAnnotation: "true"}
	}

	return cmd
}

// Drains reports whether cmd was built with a Mode that asks for the graceful
// shutdown delay.
func Drains(cmd *cobra.Command) bool {
	return cmd != nil && cmd.Annotations[drainAnnotation] == "true"
}

func (m Mode) Run(ctx context.Context, fn BusinessFunc, cfg *config.Config) error {
	err := logger.InitAsDefault(cfg.Logger, cfg.Application)
	if err != nil {
		return oops.In("main").
			Wrapf(err, "Failed to initialise the logger")
	}

	wsURL, _ := cfg.Realtime.URL()
	slogctx.Debug(ctx, "Starting the session client",
		slog.String("api", cfg.API.BaseURL),
		slog.String("realtime", wsURL),
		slog.Bool("refresher", cfg.API.Refresher.Enabled),
	)

	if m.Telemetry {
		err = otlp.Init(ctx, &cfg.Application, &cfg.Telemetry, &cfg.Logger)
		if err != nil {
			return oops.In("main").Wrapf(err, "Failed to load the telemetry")
		}
	}

	if m.StatusServer {
		go func() {
			err := startStatusServer(ctx, cfg)
			if err != nil {
				slogctx.Error(ctx, "Failure on the status server", "error", err)
				_ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
			}
		}()
	}

	err = fn(ctx, cfg)
	if err != nil {
		return oops.In("session").
			With("api", cfg.API.BaseURL).
			Wrapf(err, "Session failed")
	}

	return nil
}

func loadConfig(buildInfo, configDir string) (*config.Config, error) {
	paths := configSearchPaths
	if configDir != "" {
		paths = append([]string{configDir}, configSearchPaths...)
	}

	cfg := &config.Config{}
	err := commoncfg.LoadConfig(cfg, map[string]any{}, paths...)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	err = commoncfg.UpdateConfigVersion(&cfg.BaseConfig, buildInfo)
	if err != nil {
		return nil, fmt.Errorf("updating the version configuration: %w", err)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func startStatusServer(ctx context.Context, cfg *config.Config) error {
	liveness := status.WithLiveness(
		health.NewHandler(
			health.NewChecker(health.WithDisabledAutostart()),
		),
	)

	readiness := status.WithReadiness(
		health.NewHandler(
			health.NewChecker(
				health.WithDisabledAutostart(),
				health.WithTimeout(healthStatusTimeout),
				health.WithStatusListener(statusListener),
			),
		),
	)

	err := status.Start(ctx, &cfg.BaseConfig, liveness, readiness)
	if err != nil {
		return fmt.Errorf("starting status server: %w", err)
	}

	return nil
}

func statusListener(ctx context.Context, state health.State) {
	attrs := make([]any, 0, 2+2*len(state.CheckState))
	attrs = append(attrs, "status", state.Status)
	for name, check := range state.CheckState {
		attrs = append(attrs, name, check.Status)
	}
	slogctx.Info(ctx, "readiness status changed", attrs...)
}
