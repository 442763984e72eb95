// Package virtiopci implements the virtio 1.0 modern PCI transport: a
// single memory BAR split into common-config, ISR, device-config, and
// notify windows, plus the device-status state machine that drives a
// back-end from reset through activation.
package virtiopci

import (
	"github.com/tinyrange/virtiopci/internal/guestmem"
	"github.com/tinyrange/virtiopci/internal/virtqueue"
)

// Interrupter lets an activated back-end raise the device's shared
// interrupt-status bits; the transport implements it directly over its
// own atomic interrupt-status word. Actual guest IRQ delivery from that
// word is a hypervisor concern external to this module; this module
// defines no interface for it.
type Interrupter interface {
	RaiseInterrupt(bits uint8)
}

// VirtioDevice is the back-end polymorphism the transport drives. A
// back-end (e.g. a block device) implements this once; the transport
// handles everything PCI- and virtqueue-shaped around it.
type VirtioDevice interface {
	// DeviceType is the virtio device type ID (block = 2), used to derive
	// the PCI device/subsystem IDs.
	DeviceType() uint16

	// DeviceFeatures returns the full avail_features bitmap (up to 64 bits).
	DeviceFeatures() uint64

	// NumQueues returns the number of virtqueues this device exposes.
	NumQueues() int

	// QueueMaxSize returns the maximum size (a power of two) of queue index.
	QueueMaxSize(index int) uint16

	// ConfigSize returns the size in bytes of the device-specific
	// configuration blob exposed through the device-config window.
	ConfigSize() int

	// ReadDeviceConfig copies len(data) bytes of the configuration blob
	// starting at offset into data, zero-extending past the blob's end.
	ReadDeviceConfig(offset uint32, data []byte)

	// WriteDeviceConfig writes data into the configuration blob at offset.
	// Most block-device fields are read-only; a device that accepts no
	// writes may simply return nil.
	WriteDeviceConfig(offset uint32, data []byte) error

	// Enable is called exactly once, on the rising edge of the activation
	// condition, with the final negotiated feature bitmap, the set of
	// queues (already validated by the transport), the guest memory they
	// address, and a handle for raising the device's interrupt. The
	// back-end takes ownership of the queues and spawns whatever worker
	// it needs.
	Enable(mem guestmem.Memory, negotiatedFeatures uint64, queues []*virtqueue.Queue, irq Interrupter) error

	// Disable is called when a previously-activated transport observes a
	// device reset (driver_status written to zero). The back-end must
	// stop its worker; per this module's terminal reset-after-activate
	// model (see package virtioblk), it need not support being re-enabled.
	Disable() error
}
