// Package scanner owns the scan lifecycle: it merges native discovery events
// with streaming, interactive-picker and pick-first consumption.
package scanner

import (
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/native"
	"github.com/srg/blelink/internal/scanfilter"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Mode selects how qualifying advertisements are consumed.
type Mode int

const (
	// ModeStream hands every qualifying advertisement to Request.OnResult.
	ModeStream Mode = iota
	// ModePicker feeds an interactive Picker; the user's choice resolves the request.
	ModePicker
	// ModeFirst resolves with the first qualifying device and stops.
	ModeFirst
)

func (m Mode) String() string {
	switch m {
	case ModeStream:
		return "stream"
	case ModePicker:
		return "picker"
	case ModeFirst:
		return "first"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Request describes a scan.
type Request struct {
	Filters         scanfilter.Filters
	AllowDuplicates bool
	Mode            Mode
	// Duration auto-stops the scan when > 0.
	Duration time.Duration

	// OnResult receives qualifying advertisements in ModeStream.
	OnResult func(adv *native.Advertisement)
	// Done is called once: with the chosen device id in picker and first
	// modes, or with ("", nil) when a stream scan stops.
	Done func(id string, err error)
}

// Config configures a Scanner.
type Config struct {
	Labels Labels
	// IsConnected reports devices that must not be surfaced as found.
	IsConnected func(id string) bool
	// Narrow restricts requests to service/name/prefix filters and the
	// picker and first modes.
	Narrow bool
}

// Scanner is the Idle/Scanning state machine. Only one scan runs at a time.
type Scanner struct {
	central native.Central
	picker  Picker
	cfg     Config
	logger  *logrus.Logger

	mu         sync.Mutex
	scanning   bool
	generation uint64
	req        *Request
	done       func(id string, err error)
	timer      *time.Timer
	seen       *hashmap.Map[string, struct{}]
	found      *orderedmap.OrderedMap[string, device.Info]
}

// New creates a scanner. picker may be nil when picker mode is never used.
func New(central native.Central, picker Picker, cfg Config, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		central: central,
		picker:  picker,
		cfg:     cfg,
		logger:  logger,
		seen:    hashmap.New[string, struct{}](),
		found:   orderedmap.New[string, device.Info](),
	}
}

// IsScanning reports whether a scan is active.
func (s *Scanner) IsScanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

// Start begins a scan. Starting while a scan is active stops that scan and
// fails the new request with device.ErrAlreadyScanning, whether or not the
// new request is valid.
func (s *Scanner) Start(req Request) error {
	if s.StopConflicting() {
		return device.ErrAlreadyScanning
	}
	if err := s.validate(req); err != nil {
		return err
	}

	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		s.StopConflicting()
		return device.ErrAlreadyScanning
	}

	s.generation++
	gen := s.generation
	s.scanning = true
	s.req = &req
	s.done = onceDone(req.Done)
	s.seen = hashmap.New[string, struct{}]()
	s.found = orderedmap.New[string, device.Info]()
	if req.Duration > 0 {
		s.timer = time.AfterFunc(req.Duration, func() { s.stopGeneration(gen) })
	}
	done := s.done
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"mode":             req.Mode.String(),
		"allow_duplicates": req.AllowDuplicates,
		"duration":         req.Duration,
	}).Info("Starting BLE scan...")

	if req.Mode == ModePicker {
		s.picker.Open(s.cfg.Labels.Scanning, s.cfg.Labels,
			func(id string) { s.pickerSelected(gen, done, id) },
			func() { s.pickerCancelled(gen, done) },
		)
	}

	err := s.central.StartScan(native.ScanParams{
		AllowDuplicates: req.AllowDuplicates,
		Services:        req.Filters.Services,
	})
	if err != nil {
		s.mu.Lock()
		if s.generation == gen {
			s.resetLocked()
		}
		s.mu.Unlock()
		if req.Mode == ModePicker {
			s.picker.Close()
		}
		return device.NewNativeError("scan", err)
	}
	return nil
}

// StopConflicting stops the active scan on behalf of a new start request and
// reports whether one was running.
func (s *Scanner) StopConflicting() bool {
	s.mu.Lock()
	if !s.scanning {
		s.mu.Unlock()
		return false
	}
	s.logger.Warn("Scan requested while scanning, stopping the active scan")
	s.stopLocked()
	return true
}

// Stop ends the active scan. It is safe to call when idle.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.scanning {
		s.mu.Unlock()
		return
	}
	s.stopLocked()
}

// stopGeneration stops the scan only if it is still the one identified by gen.
func (s *Scanner) stopGeneration(gen uint64) {
	s.mu.Lock()
	if !s.scanning || s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.stopLocked()
}

// stopLocked transitions to Idle. It is called with s.mu held and releases it.
func (s *Scanner) stopLocked() {
	req := s.req
	done := s.done
	foundCount := s.found.Len()
	s.resetLocked()
	s.mu.Unlock()

	if err := s.central.StopScan(); err != nil {
		s.logger.WithField("error", err).Warn("Failed to stop native scan")
	}
	s.logger.WithField("device_count", foundCount).Info("BLE scan stopped")

	switch req.Mode {
	case ModeStream:
		done("", nil)
	case ModePicker:
		title := s.cfg.Labels.AvailableDevices
		if foundCount == 0 {
			title = s.cfg.Labels.NoDeviceFound
		}
		s.picker.SetTitle(title)
	case ModeFirst:
		done("", &device.NotFoundError{Resource: "device"})
	}
}

func (s *Scanner) resetLocked() {
	s.scanning = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// HandleAdvertisement processes one native discovery event.
func (s *Scanner) HandleAdvertisement(adv *native.Advertisement) {
	if adv == nil {
		return
	}
	if s.cfg.IsConnected != nil && s.cfg.IsConnected(adv.DeviceID) {
		return
	}

	s.mu.Lock()
	if !s.scanning {
		s.mu.Unlock()
		return
	}
	req := s.req
	if !scanfilter.Passes(adv, req.Filters) {
		s.mu.Unlock()
		return
	}
	if _, seen := s.seen.GetOrInsert(adv.DeviceID, struct{}{}); seen && !req.AllowDuplicates {
		s.mu.Unlock()
		return
	}

	switch req.Mode {
	case ModeStream:
		s.mu.Unlock()
		if req.OnResult != nil {
			req.OnResult(adv)
		}

	case ModePicker:
		info := device.Info{
			ID:       adv.DeviceID,
			Name:     adv.Name,
			Services: adv.Services,
			RSSI:     adv.RSSI,
			LastSeen: time.Now(),
		}
		if prev, ok := s.found.Get(adv.DeviceID); ok && info.Name == "" {
			info.Name = prev.Name
		}
		s.found.Set(adv.DeviceID, info)
		list := s.snapshotLocked()
		s.mu.Unlock()
		s.picker.Update(list)

	case ModeFirst:
		done := s.done
		s.resetLocked()
		s.mu.Unlock()
		if err := s.central.StopScan(); err != nil {
			s.logger.WithField("error", err).Warn("Failed to stop native scan")
		}
		s.logger.WithField("device", adv.DeviceID).Info("First matching device found")
		done(adv.DeviceID, nil)
	}
}

func (s *Scanner) snapshotLocked() []device.Info {
	list := make([]device.Info, 0, s.found.Len())
	for pair := s.found.Oldest(); pair != nil; pair = pair.Next() {
		list = append(list, pair.Value)
	}
	return list
}

func (s *Scanner) pickerSelected(gen uint64, done func(string, error), id string) {
	s.stopGeneration(gen)
	s.picker.Close()
	done(id, nil)
}

func (s *Scanner) pickerCancelled(gen uint64, done func(string, error)) {
	s.stopGeneration(gen)
	s.picker.Close()
	done("", device.ErrCancelled)
}

func (s *Scanner) validate(req Request) error {
	switch req.Mode {
	case ModeStream, ModePicker, ModeFirst:
	default:
		return &device.InvalidInputError{Field: "mode", Value: req.Mode.String()}
	}
	if req.Mode == ModePicker && s.picker == nil {
		return fmt.Errorf("picker mode: %w", device.ErrUnsupported)
	}
	if !s.cfg.Narrow {
		return nil
	}
	if req.Mode == ModeStream {
		return &device.InvalidInputError{Field: "mode", Value: req.Mode.String(), Err: device.ErrUnsupported}
	}
	if len(req.Filters.Manufacturer) > 0 {
		return &device.InvalidInputError{Field: "manufacturerData", Err: device.ErrUnsupported}
	}
	if len(req.Filters.ServiceData) > 0 {
		return &device.InvalidInputError{Field: "serviceData", Err: device.ErrUnsupported}
	}
	return nil
}

func onceDone(fn func(string, error)) func(string, error) {
	var once sync.Once
	return func(id string, err error) {
		once.Do(func() {
			if fn != nil {
				fn(id, err)
			}
		})
	}
}
