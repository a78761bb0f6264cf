package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type writeOptions struct {
	noResponse bool
}

func newWriteCmd() *cobra.Command {
	opts := &writeOptions{}
	cmd := &cobra.Command{
		Use:   "write <device-address> <service> <characteristic> <hex-data>",
		Short: "Write a characteristic value",
		Long: `Connects and writes a hex payload to one characteristic.

Examples:
  # Reset Energy Expended on a heart rate monitor
  blelink write AA:BB:CC:DD:EE:FF 180d 2a39 01

  # Write without response
  blelink write AA:BB:CC:DD:EE:FF 6e400001-b5a3-f393-e0a9-e50e24dcca9e 6e400002-b5a3-f393-e0a9-e50e24dcca9e "68 69" --no-response`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(cmd, args, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.noResponse, "no-response", false, "Write without response")
	return cmd
}

func runWrite(cmd *cobra.Command, args []string, opts *writeOptions) error {
	value, err := parseHexArg(args[3])
	if err != nil {
		return err
	}

	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer a.close()

	id, service, characteristic := args[0], args[1], args[2]
	return a.withDevice(cmd.Context(), id, func(ctx context.Context) error {
		if opts.noResponse {
			err = a.client.WriteWithoutResponse(ctx, id, service, characteristic, value)
		} else {
			err = a.client.Write(ctx, id, service, characteristic, value)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s\n", len(value), characteristic)
		return nil
	})
}
