package cli

import (
	"fmt"

	"github.com/smallnest/clawbridge/gateway"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X github.com/smallnest/clawbridge/cli.Version=...".
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "clawbridge %s (protocol %s)\n", Version, gateway.ProtocolVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
