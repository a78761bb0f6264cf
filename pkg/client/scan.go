package client

import (
	"context"
	"encoding/binary"
	"strings"
	"time"

	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/groutine"
	"github.com/srg/blelink/internal/hexbytes"
	"github.com/srg/blelink/internal/native"
	"github.com/srg/blelink/internal/ringchan"
	"github.com/srg/blelink/internal/scanfilter"
	"github.com/srg/blelink/internal/scanner"
)

type (
	ManufacturerFilter = scanfilter.ManufacturerFilter
	ServiceDataFilter  = scanfilter.ServiceDataFilter
)

// Device is the outcome of RequestDevice.
type Device struct {
	ID    string   `json:"deviceId"`
	Name  string   `json:"name,omitempty"`
	UUIDs []string `json:"uuids,omitempty"`
}

// RequestDeviceOptions selects one device. Empty strings leave a filter unset.
type RequestDeviceOptions struct {
	Services         []string
	Name             string
	NamePrefix       string
	OptionalServices []string
	ManufacturerData []ManufacturerFilter
	ServiceData      []ServiceDataFilter
	// PickFirst resolves with the first match instead of asking the picker.
	PickFirst bool
}

// ScanOptions configures RequestLEScan.
type ScanOptions struct {
	Services         []string
	Name             string
	NamePrefix       string
	ManufacturerData []ManufacturerFilter
	ServiceData      []ServiceDataFilter
	AllowDuplicates  bool
	// Duration auto-stops the scan; zero scans until StopLEScan.
	Duration time.Duration
}

// ScanResult is one qualifying advertisement.
type ScanResult struct {
	Device           Device            `json:"device"`
	RSSI             int               `json:"rssi"`
	TxPower          *int              `json:"txPower,omitempty"`
	ManufacturerData map[uint16]string `json:"manufacturerData,omitempty"`
	ServiceData      map[string]string `json:"serviceData,omitempty"`
	UUIDs            []string          `json:"uuids,omitempty"`
	RawAdvertisement string            `json:"rawAdvertisement,omitempty"`
}

func filters(services []string, name, prefix string, mfr []ManufacturerFilter, sd []ServiceDataFilter) scanfilter.Filters {
	f := scanfilter.Filters{
		Services:     services,
		Manufacturer: mfr,
		ServiceData:  append([]ServiceDataFilter(nil), sd...),
	}
	if name != "" {
		f.Name = &name
	}
	if prefix != "" {
		f.NamePrefix = &prefix
	}
	return f
}

// RequestDevice scans until one device is chosen. With a picker the user
// decides; otherwise, or with PickFirst, the first match wins and the scan
// gives up after the configured scan timeout.
func (c *Client) RequestDevice(ctx context.Context, opts RequestDeviceOptions) (Device, error) {
	if len(opts.OptionalServices) > 0 {
		if _, err := device.ValidateUUID("optionalServices", opts.OptionalServices...); err != nil {
			return Device{}, err
		}
	}

	mode := scanner.ModePicker
	if opts.PickFirst || c.picker == nil {
		mode = scanner.ModeFirst
	}

	type choice struct {
		id  string
		err error
	}
	chosen := make(chan choice, 1)
	err := c.manager.StartScan(scanner.Request{
		Filters:  filters(opts.Services, opts.Name, opts.NamePrefix, opts.ManufacturerData, opts.ServiceData),
		Mode:     mode,
		Duration: c.cfg.ScanTimeout,
		Done: func(id string, err error) {
			chosen <- choice{id: id, err: err}
		},
	})
	if err != nil {
		return Device{}, err
	}

	select {
	case ch := <-chosen:
		if ch.err != nil {
			return Device{}, ch.err
		}
		return c.describe(ch.id), nil
	case <-ctx.Done():
		c.manager.StopScan()
		if mode == scanner.ModePicker {
			c.picker.Close()
		}
		return Device{}, ctx.Err()
	}
}

func (c *Client) describe(id string) Device {
	d := Device{ID: id}
	if entry, ok := c.manager.Device(id); ok {
		info := entry.Info()
		d.Name = info.Name
		d.UUIDs = info.Services
	}
	return d
}

// RequestLEScan streams qualifying advertisements to onResult until
// StopLEScan, opts.Duration or ctx ends the scan. It returns once the scan
// has started.
func (c *Client) RequestLEScan(ctx context.Context, opts ScanOptions, onResult func(ScanResult)) error {
	return c.startStream(ctx, opts, onResult, nil)
}

// ScanResults is RequestLEScan delivering into a channel that is closed when
// the scan ends. A slow reader loses the oldest results, never the scan.
func (c *Client) ScanResults(ctx context.Context, opts ScanOptions) (<-chan ScanResult, error) {
	rc := ringchan.New[ScanResult](max(c.cfg.ScanBuffer, 1))
	err := c.startStream(ctx, opts, func(r ScanResult) {
		if rc.Send(r) {
			c.logger.WithField("device", r.Device.ID).Debug("Scan result buffer full, dropped oldest")
		}
	}, rc.Close)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return rc.C(), nil
}

func (c *Client) startStream(ctx context.Context, opts ScanOptions, onResult func(ScanResult), onDone func()) error {
	if onResult == nil {
		return &device.InvalidInputError{Field: "onResult"}
	}
	stopped := make(chan struct{})
	err := c.manager.StartScan(scanner.Request{
		Filters:         filters(opts.Services, opts.Name, opts.NamePrefix, opts.ManufacturerData, opts.ServiceData),
		AllowDuplicates: opts.AllowDuplicates,
		Mode:            scanner.ModeStream,
		Duration:        opts.Duration,
		OnResult: func(adv *native.Advertisement) {
			onResult(NewScanResult(adv))
		},
		Done: func(string, error) {
			close(stopped)
			if onDone != nil {
				onDone()
			}
		},
	})
	if err != nil {
		return err
	}
	if ctx.Done() != nil {
		groutine.Go(ctx, "scan-context", func(ctx context.Context) {
			select {
			case <-ctx.Done():
				c.manager.StopScan()
			case <-stopped:
			}
		})
	}
	return nil
}

// StopLEScan stops the active scan, if any.
func (c *Client) StopLEScan() {
	c.manager.StopScan()
}

// NewScanResult converts an advertisement to its hex-encoded client form.
func NewScanResult(adv *native.Advertisement) ScanResult {
	r := ScanResult{
		Device:  Device{ID: adv.DeviceID, Name: adv.Name, UUIDs: adv.Services},
		RSSI:    adv.RSSI,
		TxPower: adv.TxPower,
		UUIDs:   adv.Services,
	}
	if len(adv.ManufacturerData) >= 2 {
		company := binary.LittleEndian.Uint16(adv.ManufacturerData)
		r.ManufacturerData = map[uint16]string{company: hexbytes.Encode(adv.ManufacturerData[2:])}
	}
	if len(adv.ServiceData) > 0 {
		r.ServiceData = make(map[string]string, len(adv.ServiceData))
		for uuid, data := range adv.ServiceData {
			r.ServiceData[strings.ToLower(uuid)] = hexbytes.Encode(data)
		}
	}
	if len(adv.Raw) > 0 {
		r.RawAdvertisement = hexbytes.Encode(adv.Raw)
	}
	return r
}
