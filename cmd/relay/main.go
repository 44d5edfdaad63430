// Command relay runs the HybridChat relay server and a terminal client for
// it.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "HybridChat relay: real-time broadcast, private and group chat",
		SilenceUsage: true,
	}

	cmd.AddCommand(
		newServeCommand(),
		newConnectCommand(),
		newUsersCommand(),
		newGroupsCommand(),
		newMembersCommand(),
	)

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
