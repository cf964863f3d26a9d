// Package commands implements the dmtpctl CLI commands.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// serverAddr is the dmtpd listener address (host:port) probes connect to.
	serverAddr string

	// proto selects the transport a probe connects over: "tcp" or "udp".
	proto string

	// outputFormat controls the output format of probe and monitor (table or json).
	outputFormat string
)

// rootCmd is the top-level cobra command for dmtpctl.
var rootCmd = &cobra.Command{
	Use:   "dmtpctl",
	Short: "Test and operations client for the OpenDMTP telemetry daemon",
	Long:  "dmtpctl sends synthetic OpenDMTP packets at a running dmtpd and prints the decoded response.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		if proto != "tcp" && proto != "udp" {
			return fmt.Errorf("unsupported --proto %q: must be tcp or udp", proto)
		}
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:31000",
		"dmtpd listener address (host:port)")
	rootCmd.PersistentFlags().StringVar(&proto, "proto", "tcp",
		"transport: tcp, udp")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
