// Package config loads the YAML device manifest that describes the block
// devices a process should stand up at startup: their backing files, PCI
// addresses, and queue/flush tuning. It is the "config layer" the core
// transport and device packages deliberately know nothing about.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/virtiopci/internal/guestmem"
	"github.com/tinyrange/virtiopci/internal/pcicfg"
	"github.com/tinyrange/virtiopci/internal/sysalloc"
	"github.com/tinyrange/virtiopci/internal/virtioblk"
	"github.com/tinyrange/virtiopci/internal/virtiopci"
)

// ErrUnsupportedBus is returned for a manifest entry naming a PCI bus other
// than 0; pcicfg.Bus only ever dispatches bus 0.
var ErrUnsupportedBus = errors.New("config: only PCI bus 0 is supported")

// ErrMissingPath is returned for a manifest entry with no backing file path.
var ErrMissingPath = errors.New("config: path is required")

// DeviceManifest describes one block device to attach to the bus. QueueSize
// and FlushInterval left at their zero value fall back to internal/virtioblk's
// own defaults (256 and 60s respectively).
type DeviceManifest struct {
	Path          string `yaml:"path"`
	ReadOnly      bool   `yaml:"read_only"`
	Bus           uint8  `yaml:"bus"`
	Device        uint8  `yaml:"device"`
	Function      uint8  `yaml:"function"`
	QueueSize     uint16 `yaml:"queue_size"`
	FlushInterval string `yaml:"flush_interval"`
}

// Manifest is the top-level manifest document.
type Manifest struct {
	Devices []DeviceManifest `yaml:"devices"`
}

// Load reads and validates a manifest from path. It does not open any of
// the backing files named within it — that happens in StandUp, and again,
// exclusively, when each device activates.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	for i, d := range m.Devices {
		if d.Path == "" {
			return Manifest{}, fmt.Errorf("config: device %d: %w", i, ErrMissingPath)
		}
		if d.Bus != 0 {
			return Manifest{}, fmt.Errorf("config: device %d: bus %d: %w", i, d.Bus, ErrUnsupportedBus)
		}
		if _, err := d.flushInterval(); err != nil {
			return Manifest{}, fmt.Errorf("config: device %d: %w", i, err)
		}
	}
	return m, nil
}

func (d DeviceManifest) flushInterval() (time.Duration, error) {
	if d.FlushInterval == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(d.FlushInterval)
	if err != nil {
		return 0, fmt.Errorf("flush_interval %q: %w", d.FlushInterval, err)
	}
	return dur, nil
}

// Attached is one manifest entry after it has been wired to a bus: the
// back-end that owns the backing file once activated, and the transport
// that exposes it to a driver.
type Attached struct {
	Manifest  DeviceManifest
	Device    *virtioblk.Device
	Transport *virtiopci.Transport
}

// StandUp builds a virtioblk.Device and virtiopci.Transport for every entry
// in m, reserves each a BAR from alloc, and registers it on bus at its
// manifest device/function address. None of the devices are activated by
// this call; activation happens later, independently per device, driven by
// the guest's own status-register writes through bus.
func StandUp(m Manifest, bus *pcicfg.Bus, alloc *sysalloc.SystemAllocator, mem guestmem.Memory, logger *slog.Logger) ([]Attached, error) {
	if logger == nil {
		logger = slog.Default()
	}

	attached := make([]Attached, 0, len(m.Devices))
	for i, d := range m.Devices {
		flush, err := d.flushInterval()
		if err != nil {
			return nil, fmt.Errorf("config: device %d: %w", i, err)
		}

		dev, err := virtioblk.NewDevice(d.Path, d.ReadOnly, d.QueueSize, flush, logger)
		if err != nil {
			return nil, fmt.Errorf("config: device %d: %w", i, err)
		}

		tr, err := virtiopci.New(dev, mem, logger)
		if err != nil {
			return nil, fmt.Errorf("config: device %d: new transport: %w", i, err)
		}
		if err := tr.AllocateBAR(alloc); err != nil {
			return nil, fmt.Errorf("config: device %d: allocate bar: %w", i, err)
		}
		if err := bus.Register(d.Device, d.Function, tr); err != nil {
			return nil, fmt.Errorf("config: device %d: register on bus: %w", i, err)
		}

		logger.Info("config: attached block device",
			"path", d.Path, "read_only", d.ReadOnly, "device", d.Device, "function", d.Function)
		attached = append(attached, Attached{Manifest: d, Device: dev, Transport: tr})
	}
	return attached, nil
}
