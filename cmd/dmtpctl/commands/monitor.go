package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func monitorCmd() *cobra.Command {
	opts := probeOptions{events: 1}
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Repeatedly send a probe block at an interval until interrupted",
		Long: "dmtp has no server-initiated event stream to subscribe to, so monitor repeats " +
			"the same probe block (identification, one event, end-of-block) at --interval and " +
			"prints each decoded response until interrupted (Ctrl+C).",
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runMonitor(opts, interval)
		},
	}

	cmd.Flags().StringVar(&opts.account, "account", "", "account ID (ignored if --unique-id is set)")
	cmd.Flags().StringVar(&opts.device, "device", "", "device ID (ignored if --unique-id is set)")
	cmd.Flags().Uint64Var(&opts.uniqueID, "unique-id", 0, "6-byte unique ID; identifies by unique ID instead of account/device")
	cmd.Flags().StringVar(&opts.encoding, "encoding", "binary",
		"frame encoding: binary, base64, base64cksum, hex, hexcksum, csv, csvcksum")
	cmd.Flags().Float64Var(&opts.lat, "lat", 37.3861, "event latitude")
	cmd.Flags().Float64Var(&opts.lon, "lon", -122.0839, "event longitude")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "per-probe dial/send/receive timeout")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "time between probes")

	return cmd
}

func runMonitor(opts probeOptions, interval time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := probeOnce(opts); err != nil {
		fmt.Println("probe failed:", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := probeOnce(opts); err != nil {
				fmt.Println("probe failed:", err)
			}
		}
	}
}

func probeOnce(opts probeOptions) error {
	enc, ok := encodingNames[opts.encoding]
	if !ok {
		return fmt.Errorf("unknown encoding %q", opts.encoding)
	}

	frames, err := buildBlock(opts, enc)
	if err != nil {
		return fmt.Errorf("build block: %w", err)
	}

	packets, err := sendBlock(serverAddr, proto, enc, frames, opts.timeout)
	if err != nil {
		return fmt.Errorf("send block: %w", err)
	}

	out, err := formatResponse(packets, outputFormat)
	if err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	fmt.Printf("[%s] %s\n", time.Now().Format(time.RFC3339), out)
	return nil
}
