package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/hexbytes"
)

func newDescriptorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "descriptor",
		Short: "Read or write a characteristic descriptor",
	}

	read := &cobra.Command{
		Use:   "read <device-address> <service> <characteristic> <descriptor>",
		Short: "Read a descriptor and decode well-known formats",
		Long: `Examples:
  # Read the Client Characteristic Configuration of Heart Rate Measurement
  blelink descriptor read AA:BB:CC:DD:EE:FF 180d 2a37 2902`,
		Args: cobra.ExactArgs(4),
		RunE: runDescriptorRead,
	}

	write := &cobra.Command{
		Use:   "write <device-address> <service> <characteristic> <descriptor> <hex-data>",
		Short: "Write a descriptor",
		Args:  cobra.ExactArgs(5),
		RunE:  runDescriptorWrite,
	}

	cmd.AddCommand(read, write)
	return cmd
}

func runDescriptorRead(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer a.close()

	id := args[0]
	return a.withDevice(cmd.Context(), id, func(ctx context.Context) error {
		value, err := a.client.ReadDescriptor(ctx, id, args[1], args[2], args[3])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, hexbytes.Encode(value))

		decoded, err := device.ParseDescriptorValue(args[3], value)
		if err != nil {
			a.logger.WithError(err).Debug("Descriptor value not decodable")
			return nil
		}
		switch v := decoded.(type) {
		case nil, []byte:
		case fmt.Stringer:
			fmt.Fprintln(out, v.String())
		case string:
			fmt.Fprintln(out, v)
		default:
			fmt.Fprintf(out, "%+v\n", v)
		}
		return nil
	})
}

func runDescriptorWrite(cmd *cobra.Command, args []string) error {
	value, err := parseHexArg(args[4])
	if err != nil {
		return err
	}

	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer a.close()

	id := args[0]
	return a.withDevice(cmd.Context(), id, func(ctx context.Context) error {
		if err := a.client.WriteDescriptor(ctx, id, args[1], args[2], args[3], value); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to descriptor %s\n", len(value), args[3])
		return nil
	})
}
