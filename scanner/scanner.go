package scanner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blepulse/internal/device"
	"github.com/srg/blepulse/internal/dispatch"
)

// DefaultTargetName matches the micro:bit family, whose advertised names
// carry a per-board suffix.
const DefaultTargetName = "BBC micro:bit"

// ErrNoMatch is returned by FindFirst when the scan ends without a match.
var ErrNoMatch = errors.New("no matching device found")

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

func (t DeviceEventType) String() string {
	if t == EventNew {
		return "new"
	}
	return "updated"
}

type DeviceEvent struct {
	Type   DeviceEventType
	Device device.Handle
}

// Scanner handles BLE device discovery
type Scanner struct {
	source  device.Scanner
	devices *hashmap.Map[string, device.Handle]
	events  *dispatch.RingChannel[DeviceEvent]
	logger  *logrus.Logger
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool
	// NameFilter keeps devices whose local name contains it. Empty matches all.
	NameFilter   string
	ServiceUUIDs []string
	AllowList    []string
	BlockList    []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        5 * time.Second,
		DuplicateFilter: true,
		NameFilter:      DefaultTargetName,
	}
}

// NewScanner creates a scanner reading advertisements from source.
func NewScanner(source device.Scanner, logger *logrus.Logger) (*Scanner, error) {
	if source == nil {
		return nil, fmt.Errorf("scan source is nil: %w", device.ErrNotInitialized)
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		source:  source,
		devices: hashmap.New[string, device.Handle](),
		events:  dispatch.NewRingChannel[DeviceEvent](100),
		logger:  logger,
	}, nil
}

// Scan performs BLE discovery with provided options. A zero Duration scans
// until ctx is done.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) (map[string]device.Handle, error) {
	s.devices = hashmap.New[string, device.Handle]()

	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}

	s.logger.WithFields(logrus.Fields{
		"duration": opts.Duration,
		"name":     opts.NameFilter,
	}).Info("Starting BLE scan...")
	progressCallback("Scanning")

	if err := s.run(ctx, opts, func(device.Handle) bool { return false }); err != nil {
		return nil, err
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")
	progressCallback("Processing results")

	devices := make(map[string]device.Handle, s.devices.Len())
	s.devices.Range(func(key string, value device.Handle) bool {
		devices[key] = value
		return true
	})
	return devices, nil
}

// FindFirst scans until the first device passing opts is seen and returns
// it. It returns ErrNoMatch when the scan window closes first.
func (s *Scanner) FindFirst(ctx context.Context, opts *ScanOptions) (device.Handle, error) {
	s.devices = hashmap.New[string, device.Handle]()
	if opts == nil {
		opts = DefaultScanOptions()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var found device.Handle
	err := s.run(ctx, opts, func(h device.Handle) bool {
		if found.IsZero() {
			found = h
			cancel()
		}
		return true
	})
	if err != nil {
		return device.Handle{}, err
	}
	if found.IsZero() {
		if opts.NameFilter != "" {
			return device.Handle{}, fmt.Errorf("%w: no device named %q", ErrNoMatch, opts.NameFilter)
		}
		return device.Handle{}, ErrNoMatch
	}
	s.logger.WithFields(logrus.Fields{
		"device":  found.Name,
		"address": found.Address,
	}).Info("Selected device")
	return found, nil
}

// run drives the source. onNew returns true to stop handling further
// reports; the caller cancels ctx to end the scan itself.
func (s *Scanner) run(ctx context.Context, opts *ScanOptions, onNew func(device.Handle) bool) error {
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	stopped := false
	err := s.source.Scan(ctx, !opts.DuplicateFilter, func(adv device.Advertisement) {
		if stopped {
			return
		}
		if h, isNew := s.handleAdvertisement(adv, opts); isNew {
			stopped = onNew(h)
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("scan failed: %w", err)
	}
	return nil
}

// handleAdvertisement updates existing or adds a new device
func (s *Scanner) handleAdvertisement(adv device.Advertisement, opts *ScanOptions) (device.Handle, bool) {
	id := adv.Addr()

	h, existing := s.devices.Get(id)
	if !existing && !shouldIncludeDevice(adv, opts) {
		return device.Handle{}, false
	}

	next := device.HandleFromAdvertisement(adv)
	if existing && next.Name == "" {
		next.Name = h.Name
	}
	s.devices.Set(id, next)

	event := DeviceEvent{Device: next, Type: EventUpdated}
	if !existing {
		s.logger.WithFields(logrus.Fields{
			"device":  next.Name,
			"address": next.Address,
			"rssi":    next.RSSI,
		}).Info("Discovered new device")
		event.Type = EventNew
	}

	s.events.Send(event)
	return next, !existing
}

// shouldIncludeDevice applies the block/allow/name/service filters
func shouldIncludeDevice(adv device.Advertisement, opts *ScanOptions) bool {
	addr := adv.Addr()

	if slices.ContainsFunc(opts.BlockList, func(b string) bool { return strings.EqualFold(b, addr) }) {
		return false
	}
	if len(opts.AllowList) > 0 &&
		!slices.ContainsFunc(opts.AllowList, func(a string) bool { return strings.EqualFold(a, addr) }) {
		return false
	}
	if opts.NameFilter != "" && !strings.Contains(adv.LocalName(), opts.NameFilter) {
		return false
	}

	if len(opts.ServiceUUIDs) > 0 {
		for _, required := range opts.ServiceUUIDs {
			if slices.ContainsFunc(adv.Services(), func(u string) bool { return device.EqualUUID(u, required) }) {
				return true
			}
		}
		return false
	}

	return true
}

// Events return a read-only channel of device events
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}
