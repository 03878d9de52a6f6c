package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openkcm/common-sdk/pkg/utils"
	"github.com/spf13/cobra"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-client/cmd/session-client/status"
	"github.com/openkcm/session-client/cmd/session-client/watch"
	"github.com/openkcm/session-client/internal/cmdutils"
)

// BuildInfo will be set by the build system
var BuildInfo = "{}"

func versionCmd(buildInfo string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Session Client Version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			value, err := utils.ExtractFromComplexValue(buildInfo)
			if err != nil {
				return err
			}

			slog.InfoContext(cmd.Context(), value)

			return nil
		},
	}
}

func rootCmd(buildInfo string, gracefulShutdown *time.Duration) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session-client",
		Short: "Session Client",
		Long:  "Session Client keeps an authenticated session against the backend API and its realtime channel.",

		SilenceUsage: true,
	}

	cmd.PersistentFlags().DurationVar(gracefulShutdown, "graceful-shutdown", 1*time.Second,
		"time given to a stopped watch to finish its logout and close its socket")

	cmd.AddCommand(
		versionCmd(buildInfo),
		watch.Cmd(buildInfo),
		status.Cmd(buildInfo),
	)

	return cmd
}

func execute(args []string) error {
	// SIGKILL cannot be trapped; SIGTERM is what orchestrators send.
	ctx, cancelOnSignal := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancelOnSignal()

	var gracefulShutdown time.Duration
	root := rootCmd(BuildInfo, &gracefulShutdown)
	root.SetArgs(args)

	executed, err := root.ExecuteContextC(ctx)
	if err != nil {
		slogctx.Error(ctx, "failed to run the session client", "error", err)
		_, _ = fmt.Fprintln(os.Stderr, err)

		return err
	}

	if cmdutils.Drains(executed) && gracefulShutdown > 0 {
		_, _ = fmt.Fprintf(os.Stderr, "Graceful shutdown in %s\n", gracefulShutdown)
		time.Sleep(gracefulShutdown)
	}

	return nil
}

func main() {
	if err := execute(os.Args[1:]); err != nil {
		os.Exit(1)
	}
}
