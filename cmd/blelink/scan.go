package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blelink/internal/bledb"
	"github.com/srg/blelink/internal/scanfilter"
	"github.com/srg/blelink/pkg/client"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type filterFlags struct {
	services     []string
	name         string
	namePrefix   string
	manufacturer []string
	serviceData  []string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.services, "services", "s", nil, "Filter by service UUIDs")
	cmd.Flags().StringVar(&f.name, "name", "", "Filter by exact device name")
	cmd.Flags().StringVar(&f.namePrefix, "name-prefix", "", "Filter by device name prefix")
	cmd.Flags().StringArrayVar(&f.manufacturer, "manufacturer", nil, "Manufacturer data filter <company>[:<prefix>[:<mask>]], e.g. 004c:0215:ffff")
	cmd.Flags().StringArrayVar(&f.serviceData, "service-data", nil, "Service data filter <uuid>[:<prefix>[:<mask>]], e.g. 180d:01:ff")
}

func (f *filterFlags) parse() ([]client.ManufacturerFilter, []client.ServiceDataFilter, error) {
	var mfr []client.ManufacturerFilter
	for _, s := range f.manufacturer {
		m, err := scanfilter.ParseManufacturerFilter(s)
		if err != nil {
			return nil, nil, err
		}
		mfr = append(mfr, m)
	}
	var sd []client.ServiceDataFilter
	for _, s := range f.serviceData {
		d, err := scanfilter.ParseServiceDataFilter(s)
		if err != nil {
			return nil, nil, err
		}
		sd = append(sd, d)
	}
	return mfr, sd, nil
}

type scanOptions struct {
	filters         filterFlags
	duration        time.Duration
	format          string
	allowDuplicates bool
}

func newScanCmd() *cobra.Command {
	opts := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for BLE devices",
		Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Repeated advertisements of a device update its row; the table is printed
when the scan ends (duration elapsed or Ctrl+C).

Examples:
  blelink scan --duration 5s
  blelink scan --services 180d --format json
  blelink scan --manufacturer 004c:0215 --allow-duplicates`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScan(cmd, opts)
		},
	}
	opts.filters.register(cmd)
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 10*time.Second, "Scan duration (0 for until Ctrl+C)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "table", "Output format (table, json)")
	cmd.Flags().BoolVar(&opts.allowDuplicates, "allow-duplicates", false, "Report every advertisement, not only the first per device")
	return cmd
}

func runScan(cmd *cobra.Command, opts *scanOptions) error {
	if err := validateFormat(opts.format); err != nil {
		return err
	}
	mfr, sd, err := opts.filters.parse()
	if err != nil {
		return err
	}

	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer a.close()

	results, err := a.client.ScanResults(cmd.Context(), client.ScanOptions{
		Services:         opts.filters.services,
		Name:             opts.filters.name,
		NamePrefix:       opts.filters.namePrefix,
		ManufacturerData: mfr,
		ServiceData:      sd,
		AllowDuplicates:  opts.allowDuplicates,
		Duration:         opts.duration,
	})
	if err != nil {
		return err
	}

	seen := orderedmap.New[string, client.ScanResult]()
	for r := range results {
		seen.Set(r.Device.ID, r)
	}

	list := make([]client.ScanResult, 0, seen.Len())
	for pair := seen.Oldest(); pair != nil; pair = pair.Next() {
		list = append(list, pair.Value)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].RSSI > list[j].RSSI })

	if opts.format == "json" {
		return displayResultsJSON(cmd.OutOrStdout(), list)
	}
	return displayResultsTable(cmd.OutOrStdout(), list)
}

func displayResultsTable(out io.Writer, results []client.ScanResult) error {
	if len(results) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tMANUFACTURER")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, r := range results {
		name := r.Device.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		short := make([]string, 0, len(r.UUIDs))
		for _, s := range r.UUIDs {
			short = append(short, bledb.Short(s))
		}
		services := strings.Join(short, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s\n", name, r.Device.ID, r.RSSI, services, manufacturerColumn(r))
	}
	return w.Flush()
}

func manufacturerColumn(r client.ScanResult) string {
	parts := make([]string, 0, len(r.ManufacturerData))
	for id := range r.ManufacturerData {
		label := fmt.Sprintf("0x%04x", id)
		if name := bledb.LookupCompany(id); name != "" {
			label = name
		}
		parts = append(parts, label)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func displayResultsJSON(out io.Writer, results []client.ScanResult) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(results)
}
