package watch

import (
	"github.com/spf13/cobra"

	"github.com/openkcm/session-client/internal/business"
	"github.com/openkcm/session-client/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"watch",
		"Session Client watcher",
		"Session Client watcher keeps a session and its realtime channel alive and logs every push event",
		buildInfo,
		cmdutils.RunAsService,
		business.WatchMain,
	)
}
