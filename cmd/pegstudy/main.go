package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"
)

func main() {
	root := buildRoot(enumerator.GetDetailedPortsList)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// ClientFlags selects the daemon a client command talks to.
type ClientFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

// buildRoot assembles the command tree. list enumerates serial ports.
func buildRoot(list portLister) *cobra.Command {
	globalFlags := &GlobalFlags{}
	clientFlags := &ClientFlags{}

	root := &cobra.Command{
		Use:   "pegstudy",
		Short: "Peg-in-hole study recorder and canetroller daemon",
		Long: `pegstudy records study telemetry to CSV-like files and drives the
canetroller brake over a serial link, each on its own background worker.

Examples:
  pegstudy serve --config pegstudy.toml
  pegstudy ports
  pegstudy status --api-url=http://127.0.0.1:8480/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to TOML config file (optional)")

	root.AddCommand(
		createServeCommand(globalFlags),
		createPortsCommand(list),
		createStatusCommand(clientFlags),
		createReleaseAllCommand(clientFlags),
	)
	return root
}

func addClientFlags(cmd *cobra.Command, flags *ClientFlags) {
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", defaultAPIUrl, "daemon API URL")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}
