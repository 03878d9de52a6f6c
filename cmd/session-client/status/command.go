package status

import (
	"github.com/spf13/cobra"

	"github.com/openkcm/session-client/internal/business"
	"github.com/openkcm/session-client/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"status",
		"Session Client status",
		"Session Client status resolves the session once and prints it",
		buildInfo,
		cmdutils.RunAsJob,
		business.StatusMain,
	)
}
