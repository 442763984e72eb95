package pcicfg

import (
	"fmt"
	"sync"
)

// ConfigProvider is anything that can answer PCI configuration-space
// accesses for one function — implemented directly by *Space, but defined
// as an interface so a device can interpose its own logic (e.g. the
// virtio-pci transport re-evaluating its activation condition after every
// config write) ahead of delegating to its Space.
type ConfigProvider interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

// Endpoint is a PCI function pluggable into a Bus.
type Endpoint interface {
	ConfigSpace() ConfigProvider
	// OnBARReprogram is invoked after a successful BAR write so the device
	// can update any address-dependent state (the notify-capability offset
	// multiplier doesn't change, but a device watching for its own BAR
	// placement can react here).
	OnBARReprogram(index int, value uint32) error
}

type deviceKey struct {
	device   uint8
	function uint8
}

// Bus is a minimal, bus-0-only PCI bus: it dispatches configuration-space
// byte/word/dword accesses to registered endpoints by device/function
// number, matching the spec's non-goal of skipping anything beyond the
// mechanism needed for extended memory-mapped capability access (no bridge
// chains, no bus hierarchy).
type Bus struct {
	mu      sync.Mutex
	devices map[deviceKey]Endpoint
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{devices: make(map[deviceKey]Endpoint)}
}

// Register attaches endpoint at the given device/function slot. Returns an
// error if the slot is already occupied.
func (b *Bus) Register(device, function uint8, endpoint Endpoint) error {
	if endpoint == nil {
		return fmt.Errorf("pcicfg: endpoint cannot be nil")
	}
	key := deviceKey{device: device, function: function}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.devices[key]; exists {
		return fmt.Errorf("pcicfg: device already registered at %02x.%x", device, function)
	}
	b.devices[key] = endpoint
	return nil
}

// ReadConfig dispatches a config-space read to the endpoint at device/function.
// Unoccupied slots read back as all-ones, the standard "no device here" response.
func (b *Bus) ReadConfig(device, function uint8, offset uint16, size uint8) uint32 {
	ep := b.endpoint(device, function)
	if ep == nil {
		return maskAllOnes(size)
	}
	value, err := ep.ConfigSpace().ReadConfig(offset, size)
	if err != nil {
		return maskAllOnes(size)
	}
	return value
}

// WriteConfig dispatches a config-space write to the endpoint at
// device/function, then — if it was a 4-byte write to a BAR register with a
// value other than all-ones (a size probe) — notifies the endpoint via
// OnBARReprogram. Byte and word writes to a BAR do not notify.
func (b *Bus) WriteConfig(device, function uint8, offset uint16, size uint8, value uint32) {
	ep := b.endpoint(device, function)
	if ep == nil {
		return
	}
	if err := ep.ConfigSpace().WriteConfig(offset, size, value); err != nil {
		return
	}
	if size != 4 || value == 0xffff_ffff {
		return
	}
	if bar, ok := barIndexForOffset(offset); ok {
		_ = ep.OnBARReprogram(bar, value)
	}
}

func (b *Bus) endpoint(device, function uint8) Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.devices[deviceKey{device: device, function: function}]
}

func barIndexForOffset(offset uint16) (int, bool) {
	if offset < offBAR0 || offset >= offBAR0+barCount*barStride || offset%barStride != 0 {
		return 0, false
	}
	return int(offset-offBAR0) / barStride, true
}

func maskAllOnes(size uint8) uint32 {
	switch size {
	case 1:
		return 0xff
	case 2:
		return 0xffff
	default:
		return 0xffff_ffff
	}
}
