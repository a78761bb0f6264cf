package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/srg/blelink/internal/bledb"
	"github.com/srg/blelink/pkg/client"
)

type inspectOptions struct {
	json bool
}

func newInspectCmd() *cobra.Command {
	opts := &inspectOptions{}
	cmd := &cobra.Command{
		Use:   "inspect <device-address>",
		Short: "Connect and print the GATT table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, args[0], opts)
		},
	}
	cmd.Flags().BoolVar(&opts.json, "json", false, "Output as JSON")
	return cmd
}

type inspectCharacteristic struct {
	UUID        string   `json:"uuid"`
	Name        string   `json:"name,omitempty"`
	Properties  string   `json:"properties"`
	Descriptors []string `json:"descriptors,omitempty"`
}

type inspectService struct {
	UUID            string                  `json:"uuid"`
	Name            string                  `json:"name,omitempty"`
	Characteristics []inspectCharacteristic `json:"characteristics"`
}

func runInspect(cmd *cobra.Command, id string, opts *inspectOptions) error {
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer a.close()

	return a.withDevice(cmd.Context(), id, func(context.Context) error {
		services, err := a.client.Services(id)
		if err != nil {
			return err
		}
		report := buildInspectReport(services)
		if opts.json {
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(report)
		}
		printInspectReport(cmd.OutOrStdout(), id, report)
		return nil
	})
}

func buildInspectReport(services []client.Service) []inspectService {
	report := make([]inspectService, 0, len(services))
	for _, s := range services {
		svc := inspectService{UUID: s.UUID, Name: bledb.LookupService(s.UUID)}
		for _, c := range s.Characteristics {
			svc.Characteristics = append(svc.Characteristics, inspectCharacteristic{
				UUID:        c.UUID,
				Name:        bledb.LookupCharacteristic(c.UUID),
				Properties:  c.Properties.String(),
				Descriptors: c.Descriptors,
			})
		}
		report = append(report, svc)
	}
	return report
}

func printInspectReport(out io.Writer, id string, report []inspectService) {
	fmt.Fprintf(out, "Device %s: %d services\n", id, len(report))
	for _, s := range report {
		fmt.Fprintf(out, "\n- Service %s %s\n", bledb.Short(s.UUID), s.Name)
		for _, c := range s.Characteristics {
			fmt.Fprintf(out, "  - Characteristic %s %s [%s]\n", bledb.Short(c.UUID), c.Name, c.Properties)
			for _, d := range c.Descriptors {
				fmt.Fprintf(out, "    - Descriptor %s %s\n", bledb.Short(d), bledb.LookupDescriptor(d))
			}
		}
	}
}
