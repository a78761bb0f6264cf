package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/blelink/pkg/client"
)

type requestOptions struct {
	filters          filterFlags
	optionalServices []string
	first            bool
	json             bool
}

func newRequestCmd() *cobra.Command {
	opts := &requestOptions{}
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Choose one device",
		Long: `Scan and choose a single device, either in an interactive terminal
picker or by taking the first device that matches the filters.

Examples:
  blelink request --services 180d
  blelink request --name-prefix Polar --first`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRequest(cmd, opts)
		},
	}
	opts.filters.register(cmd)
	cmd.Flags().StringSliceVar(&opts.optionalServices, "optional-services", nil, "Additional service UUIDs the caller intends to use")
	cmd.Flags().BoolVar(&opts.first, "first", false, "Take the first matching device instead of asking")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Print the chosen device as JSON")
	return cmd
}

func runRequest(cmd *cobra.Command, opts *requestOptions) error {
	mfr, sd, err := opts.filters.parse()
	if err != nil {
		return err
	}

	var picker client.Picker
	if !opts.first {
		picker = newTermPicker(cmd.InOrStdin(), cmd.ErrOrStderr())
	}
	a, err := openApp(cmd, picker)
	if err != nil {
		return err
	}
	defer a.close()

	d, err := a.client.RequestDevice(cmd.Context(), client.RequestDeviceOptions{
		Services:         opts.filters.services,
		Name:             opts.filters.name,
		NamePrefix:       opts.filters.namePrefix,
		OptionalServices: opts.optionalServices,
		ManufacturerData: mfr,
		ServiceData:      sd,
		PickFirst:        opts.first,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.json {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(d)
	}
	fmt.Fprintf(out, "%s\t%s\t%s\n", d.ID, d.Name, strings.Join(d.UUIDs, ","))
	return nil
}
