package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yllada/vpn-session-manager/common"
)

func (a *App) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.jsonOutput {
				return printJSON(a.version)
			}
			fmt.Printf("%s v%s\n", common.AppName, a.version.Version)
			if a.version.Build != "unknown" {
				fmt.Printf("  Build:  %s\n", a.version.Build)
				fmt.Printf("  Commit: %s\n", a.version.Commit)
			}
			return nil
		},
	}
}
