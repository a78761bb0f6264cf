package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blelink/internal/hexbytes"
)

type readOptions struct {
	timeout time.Duration
	raw     bool
}

func newReadCmd() *cobra.Command {
	opts := &readOptions{}
	cmd := &cobra.Command{
		Use:   "read <device-address> [service] <characteristic>",
		Short: "Read a characteristic value",
		Long: `Connects, reads one characteristic and prints the value as hex.
The service may be omitted when only one service exposes the characteristic.

Examples:
  # Read Battery Level
  blelink read AA:BB:CC:DD:EE:FF 180f 2a19

  # Same, letting the service be looked up
  blelink read AA:BB:CC:DD:EE:FF 2a19

  # Print the value as text
  blelink read AA:BB:CC:DD:EE:FF 1800 2a00 --raw`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(cmd, args, opts)
		},
	}
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Read timeout (default from config)")
	cmd.Flags().BoolVar(&opts.raw, "raw", false, "Print the value as text instead of hex")
	return cmd
}

func runRead(cmd *cobra.Command, args []string, opts *readOptions) error {
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer a.close()

	id, service, characteristic := args[0], "", args[len(args)-1]
	if len(args) == 3 {
		service = args[1]
	}
	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Reading %s from %s", characteristic, id), "Connecting")
	progress.Start()
	defer progress.Stop()

	return a.withDevice(cmd.Context(), id, func(ctx context.Context) error {
		if service == "" {
			services, err := a.client.Services(id)
			if err != nil {
				return err
			}
			if service, err = resolveService(services, characteristic); err != nil {
				return err
			}
		}
		progress.Callback()("Reading")
		if opts.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.timeout)
			defer cancel()
		}
		value, err := a.client.Read(ctx, id, service, characteristic)
		progress.Stop()
		if err != nil {
			return err
		}
		if opts.raw {
			fmt.Fprintln(cmd.OutOrStdout(), string(value))
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), hexbytes.Encode(value))
		return nil
	})
}
