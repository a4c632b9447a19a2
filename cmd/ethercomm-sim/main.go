// Command ethercomm-sim runs a bounded cyclic exchange against the simulated
// bus and prints the resulting timing and clock summary.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skobkin/ethercomm/internal/version"
)

var (
	buildVersion = "dev"
	buildCommit  = ""
	buildTime    = ""
)

func main() {
	version.Set(version.Info{
		Version:   buildVersion,
		Commit:    buildCommit,
		BuildTime: buildTime,
	})

	rootCmd := &cobra.Command{
		Use:   "ethercomm-sim",
		Short: "Offline cyclic exchange against the simulated fieldbus",
		Long: `ethercomm-sim drives the communicator against the in-memory bus.

Commands:
  run       Run a bounded exchange and print a summary`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRunCommand(os.Stdout, os.Stderr))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			info := version.Current()
			fmt.Fprintf(cmd.OutOrStdout(), "ethercomm-sim %s (commit: %s, built: %s, %s %s)\n",
				info.Version, info.Commit, info.BuildTime, info.GoVersion, info.Platform)
		},
	}
}
