package virtiopci

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/virtiopci/internal/guestmem"
	"github.com/tinyrange/virtiopci/internal/pcicfg"
	"github.com/tinyrange/virtiopci/internal/sysalloc"
	"github.com/tinyrange/virtiopci/internal/virtqueue"
)

const (
	barTotalSize = 0x4000 // 16 KiB, the single memory BAR this transport publishes

	commonCfgWindowOffset = 0x0000
	commonCfgWindowLength = 0x38 // 56 bytes

	isrWindowOffset = 0x1000
	isrWindowLength = 0x1

	deviceCfgWindowOffset = 0x2000
	deviceCfgWindowLength = 0x1000

	notifyWindowOffset     = 0x3000
	notifyWindowLength     = 0x1000
	notifyOffMultiplier    = 4
	virtioMSINoVector      = 0xffff
	virtioVendorID  uint16 = 0x1af4
	deviceIDBase    uint16 = 0x1040
)

// Device status bits (virtio 1.0 §2.1).
const (
	statusAcknowledge      uint8 = 1 << 0
	statusDriver           uint8 = 1 << 1
	statusDriverOK         uint8 = 1 << 2
	statusFeaturesOK       uint8 = 1 << 3
	statusDeviceNeedsReset uint8 = 1 << 6
	statusFailed           uint8 = 1 << 7

	statusActivationRequired = statusAcknowledge | statusDriver | statusDriverOK | statusFeaturesOK
)

// Common-config register offsets within the 56-byte window.
const (
	regDeviceFeatureSelect = 0x00
	regDeviceFeatures      = 0x04
	regDriverFeatureSelect = 0x08
	regDriverFeatures      = 0x0C
	regMSIXConfig          = 0x10
	regNumQueues           = 0x12
	regDeviceStatus        = 0x14
	regConfigGeneration    = 0x15
	regQueueSelect         = 0x16
	regQueueSize           = 0x18
	regQueueMSIXVector     = 0x1A
	regQueueEnable         = 0x1C
	regQueueNotifyOff      = 0x1E
	regQueueDescLo         = 0x20
	regQueueDescHi         = 0x24
	regQueueAvailLo        = 0x28
	regQueueAvailHi        = 0x2C
	regQueueUsedLo         = 0x30
	regQueueUsedHi         = 0x34
)

// ErrUnsupportedWidth is returned by a BAR access whose width isn't 1, 2, or 4.
var ErrUnsupportedWidth = errors.New("virtiopci: unsupported access width")

// ErrOutOfWindow is returned by a BAR access that falls outside every
// published window.
var ErrOutOfWindow = errors.New("virtiopci: access outside any BAR window")

// ErrQueueCountMismatch is returned when a device reports a queue count of zero.
var ErrQueueCountMismatch = errors.New("virtiopci: device exposes no queues")

// Transport wraps a VirtioDevice with the virtio-pci modern transport:
// PCI configuration space (via pcicfg.Space) plus a single memory BAR
// carrying the common-config, ISR, device-config, and notify windows.
type Transport struct {
	logger *slog.Logger

	space       *pcicfg.Space
	barLowIndex int
	baseAddr    uint64

	device VirtioDevice
	mem    guestmem.Memory
	queues []*virtqueue.Queue

	deviceFeatureSel uint32
	driverFeatureSel uint32
	driverFeatures   [2]uint32
	deviceFeatures   [2]uint32

	status        uint8
	cfgGeneration uint8
	queueSel      uint16

	interruptStatus atomic.Uint32

	activated     bool
	resetTerminal bool
}

// New constructs a Transport around device, with queues sized from
// device.NumQueues()/QueueMaxSize. mem is the guest memory the eventual
// virtqueues operate against. It is fixed at construction; if it is nil,
// the transport never activates the device.
func New(device VirtioDevice, mem guestmem.Memory, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	n := device.NumQueues()
	if n <= 0 {
		return nil, ErrQueueCountMismatch
	}

	features := device.DeviceFeatures()
	t := &Transport{
		logger: logger,
		device: device,
		mem:    mem,
		queues: make([]*virtqueue.Queue, n),
		deviceFeatures: [2]uint32{
			uint32(features & 0xffff_ffff),
			uint32(features >> 32),
		},
	}

	for i := range t.queues {
		q, err := virtqueue.New(mem, device.QueueMaxSize(i))
		if err != nil {
			return nil, fmt.Errorf("virtiopci: queue %d: %w", i, err)
		}
		t.queues[i] = q
	}

	pciDeviceID := deviceIDBase + device.DeviceType()
	t.space = pcicfg.NewSpace(pcicfg.HeaderFields{
		VendorID:        virtioVendorID,
		DeviceID:        pciDeviceID,
		SubsystemVendor: virtioVendorID,
		SubsystemID:     pciDeviceID,
		ClassCode:       0x00, // "other"
		Subclass:        0xff, // non-transitional
		InterruptPin:    1,
	})

	return t, nil
}

// AllocateBAR reserves barTotalSize bytes of MMIO space from alloc, binds
// the transport's single memory BAR to it, and registers the four
// vendor-specific virtio capabilities describing that BAR's windows.
func (t *Transport) AllocateBAR(alloc *sysalloc.SystemAllocator) error {
	addr, err := alloc.AllocateMMIOAddresses(barTotalSize)
	if err != nil {
		return fmt.Errorf("virtiopci: allocate bar: %w", err)
	}
	index, err := t.space.AddMemoryRegion(addr, barTotalSize)
	if err != nil {
		return fmt.Errorf("virtiopci: assign bar: %w", err)
	}
	t.barLowIndex = index
	t.baseAddr = addr
	return t.registerCapabilities()
}

// ConfigSpace implements pcicfg.Endpoint.
func (t *Transport) ConfigSpace() pcicfg.ConfigProvider { return t.space }

// OnBARReprogram implements pcicfg.Endpoint: it keeps the transport's
// notion of its own base address current whenever the guest (or a BIOS
// acting on its behalf) rewrites BAR0/BAR1.
func (t *Transport) OnBARReprogram(index int, value uint32) error {
	if index != t.barLowIndex && index != t.barLowIndex+1 {
		return nil
	}
	t.baseAddr = t.space.BAR(t.barLowIndex)
	return nil
}

// ReadMMIO dispatches a guest read against the transport's BAR.
func (t *Transport) ReadMMIO(addr uint64, data []byte) error {
	rel, err := t.windowOffset(addr, len(data))
	if err != nil {
		return err
	}
	switch {
	case inWindow(rel, len(data), commonCfgWindowOffset, commonCfgWindowLength):
		return t.readCommonBlock(uint32(rel-commonCfgWindowOffset), data)
	case inWindow(rel, len(data), isrWindowOffset, isrWindowLength):
		data[0] = t.readISR()
		return nil
	case inWindow(rel, len(data), deviceCfgWindowOffset, deviceCfgWindowLength):
		t.device.ReadDeviceConfig(uint32(rel-deviceCfgWindowOffset), data)
		return nil
	case inWindow(rel, len(data), notifyWindowOffset, notifyWindowLength):
		for i := range data {
			data[i] = 0
		}
		return nil
	default:
		return fmt.Errorf("virtiopci: read at %#x width %d: %w", addr, len(data), ErrOutOfWindow)
	}
}

// WriteMMIO dispatches a guest write against the transport's BAR.
func (t *Transport) WriteMMIO(addr uint64, data []byte) error {
	rel, err := t.windowOffset(addr, len(data))
	if err != nil {
		return err
	}
	switch {
	case inWindow(rel, len(data), commonCfgWindowOffset, commonCfgWindowLength):
		return t.writeCommonBlock(uint32(rel-commonCfgWindowOffset), data)
	case inWindow(rel, len(data), isrWindowOffset, isrWindowLength):
		t.interruptStatus.And(^uint32(data[0]))
		return nil
	case inWindow(rel, len(data), deviceCfgWindowOffset, deviceCfgWindowLength):
		if err := t.device.WriteDeviceConfig(uint32(rel-deviceCfgWindowOffset), data); err != nil {
			return err
		}
		t.cfgGeneration++
		return nil
	case inWindow(rel, len(data), notifyWindowOffset, notifyWindowLength):
		return t.handleNotifyWrite(uint32(rel - notifyWindowOffset))
	default:
		return fmt.Errorf("virtiopci: write at %#x width %d: %w", addr, len(data), ErrOutOfWindow)
	}
}

func (t *Transport) windowOffset(addr uint64, width int) (uint64, error) {
	if width != 1 && width != 2 && width != 4 {
		return 0, fmt.Errorf("virtiopci: width %d: %w", width, ErrUnsupportedWidth)
	}
	if addr < t.baseAddr || addr+uint64(width) > t.baseAddr+barTotalSize {
		return 0, fmt.Errorf("virtiopci: addr %#x: %w", addr, ErrOutOfWindow)
	}
	return addr - t.baseAddr, nil
}

func inWindow(rel uint64, width int, base uint64, length uint64) bool {
	return rel >= base && rel+uint64(width) <= base+length
}

// readISR returns the interrupt-status byte and clears it, per the
// virtio ISR read-to-clear contract.
func (t *Transport) readISR() byte {
	return byte(t.interruptStatus.Swap(0))
}

// RaiseInterrupt implements Interrupter: it ORs bits into the shared
// interrupt-status word. Actually notifying the guest (injecting the
// IRQ or signaling an irqfd) is a hypervisor concern outside this
// module; a VMM observing this word change is expected to do that.
func (t *Transport) RaiseInterrupt(bits uint8) {
	t.interruptStatus.Or(uint32(bits))
}

func (t *Transport) handleNotifyWrite(offset uint32) error {
	idx := int(offset / notifyOffMultiplier)
	if idx < 0 || idx >= len(t.queues) {
		return fmt.Errorf("virtiopci: notify offset %#x out of range", offset)
	}
	select {
	case t.queues[idx].NotifyEvent <- struct{}{}:
	default:
		// a notification is already pending; the worker hasn't drained it yet
	}
	return nil
}

func (t *Transport) readCommonBlock(offset uint32, data []byte) error {
	for len(data) > 0 {
		width := commonFieldWidth(offset)
		if width == 0 || len(data) < int(width) {
			return fmt.Errorf("virtiopci: invalid common-config read at %#x", offset)
		}
		value, err := t.readCommonField(offset)
		if err != nil {
			return err
		}
		storeLE(data[:width], value)
		offset += width
		data = data[width:]
	}
	return nil
}

func (t *Transport) writeCommonBlock(offset uint32, data []byte) error {
	for len(data) > 0 {
		width := commonFieldWidth(offset)
		if width == 0 || len(data) < int(width) {
			return fmt.Errorf("virtiopci: invalid common-config write at %#x", offset)
		}
		if err := t.writeCommonField(offset, loadLE(data[:width])); err != nil {
			return err
		}
		offset += width
		data = data[width:]
	}
	return nil
}

func commonFieldWidth(offset uint32) uint32 {
	switch offset {
	case regDeviceFeatureSelect, regDeviceFeatures, regDriverFeatureSelect, regDriverFeatures,
		regQueueDescLo, regQueueDescHi, regQueueAvailLo, regQueueAvailHi, regQueueUsedLo, regQueueUsedHi:
		return 4
	case regMSIXConfig, regNumQueues, regQueueSelect, regQueueSize, regQueueMSIXVector,
		regQueueEnable, regQueueNotifyOff:
		return 2
	case regDeviceStatus, regConfigGeneration:
		return 1
	default:
		return 0
	}
}

func (t *Transport) currentQueue() *virtqueue.Queue {
	if int(t.queueSel) >= len(t.queues) {
		return nil
	}
	return t.queues[t.queueSel]
}

func (t *Transport) readCommonField(offset uint32) (uint32, error) {
	switch offset {
	case regDeviceFeatureSelect:
		return t.deviceFeatureSel, nil
	case regDeviceFeatures:
		if t.deviceFeatureSel > 1 {
			return 0, nil
		}
		return t.deviceFeatures[t.deviceFeatureSel], nil
	case regDriverFeatureSelect:
		return t.driverFeatureSel, nil
	case regDriverFeatures:
		if t.driverFeatureSel > 1 {
			return 0, nil
		}
		return t.driverFeatures[t.driverFeatureSel], nil
	case regMSIXConfig:
		return virtioMSINoVector, nil
	case regNumQueues:
		return uint32(len(t.queues)), nil
	case regDeviceStatus:
		return uint32(t.status), nil
	case regConfigGeneration:
		return uint32(t.cfgGeneration), nil
	case regQueueSelect:
		return uint32(t.queueSel), nil
	case regQueueSize:
		if q := t.currentQueue(); q != nil {
			return uint32(q.Size()), nil
		}
		return 0, nil
	case regQueueMSIXVector:
		return virtioMSINoVector, nil
	case regQueueEnable:
		if q := t.currentQueue(); q != nil && q.Ready() {
			return 1, nil
		}
		return 0, nil
	case regQueueNotifyOff:
		return uint32(t.queueSel), nil
	case regQueueDescLo, regQueueDescHi, regQueueAvailLo, regQueueAvailHi, regQueueUsedLo, regQueueUsedHi:
		return t.readQueueAddrField(offset), nil
	default:
		return 0, fmt.Errorf("virtiopci: unknown common-config offset %#x", offset)
	}
}

func (t *Transport) readQueueAddrField(offset uint32) uint32 {
	q := t.currentQueue()
	if q == nil {
		return 0
	}
	desc, avail, used := q.Addresses()
	switch offset {
	case regQueueDescLo:
		return uint32(desc)
	case regQueueDescHi:
		return uint32(desc >> 32)
	case regQueueAvailLo:
		return uint32(avail)
	case regQueueAvailHi:
		return uint32(avail >> 32)
	case regQueueUsedLo:
		return uint32(used)
	case regQueueUsedHi:
		return uint32(used >> 32)
	default:
		return 0
	}
}

func (t *Transport) writeCommonField(offset uint32, value uint32) error {
	switch offset {
	case regDeviceFeatureSelect:
		t.deviceFeatureSel = value
	case regDeviceFeatures:
		// read-only
	case regDriverFeatureSelect:
		t.driverFeatureSel = value
	case regDriverFeatures:
		if t.driverFeatureSel <= 1 {
			// the driver may only ack bits the device actually offers
			t.driverFeatures[t.driverFeatureSel] = value & t.deviceFeatures[t.driverFeatureSel]
		}
	case regMSIXConfig, regQueueMSIXVector:
		// accepted, no observable effect: this transport never implements MSI-X
	case regNumQueues, regQueueNotifyOff, regConfigGeneration:
		// read-only
	case regDeviceStatus:
		t.writeStatus(uint8(value))
	case regQueueSelect:
		t.queueSel = uint16(value)
	case regQueueSize:
		return t.writeQueueSize(uint16(value))
	case regQueueEnable:
		return t.writeQueueEnable(value != 0)
	case regQueueDescLo, regQueueDescHi, regQueueAvailLo, regQueueAvailHi, regQueueUsedLo, regQueueUsedHi:
		t.writeQueueAddrField(offset, value)
	default:
		return fmt.Errorf("virtiopci: unknown common-config offset %#x", offset)
	}
	return nil
}

func (t *Transport) writeQueueSize(size uint16) error {
	q := t.currentQueue()
	if q == nil {
		return nil
	}
	if size == 0 {
		return nil
	}
	return q.SetSize(size)
}

func (t *Transport) writeQueueEnable(enable bool) error {
	q := t.currentQueue()
	if q == nil {
		return nil
	}
	q.SetReady(enable)
	t.tryActivate()
	return nil
}

func (t *Transport) writeQueueAddrField(offset uint32, value uint32) {
	q := t.currentQueue()
	if q == nil {
		return
	}
	desc, avail, used := q.Addresses()
	switch offset {
	case regQueueDescLo:
		desc = (desc &^ 0xffff_ffff) | uint64(value)
	case regQueueDescHi:
		desc = (desc &^ (uint64(0xffff_ffff) << 32)) | (uint64(value) << 32)
	case regQueueAvailLo:
		avail = (avail &^ 0xffff_ffff) | uint64(value)
	case regQueueAvailHi:
		avail = (avail &^ (uint64(0xffff_ffff) << 32)) | (uint64(value) << 32)
	case regQueueUsedLo:
		used = (used &^ 0xffff_ffff) | uint64(value)
	case regQueueUsedHi:
		used = (used &^ (uint64(0xffff_ffff) << 32)) | (uint64(value) << 32)
	}
	q.SetAddresses(desc, avail, used)
}

// writeStatus implements the device-status state machine, including the
// rising-edge activation check and the terminal reset-after-activate
// model documented in DESIGN.md.
func (t *Transport) writeStatus(value uint8) {
	if value == 0 {
		if t.activated {
			if err := t.device.Disable(); err != nil {
				t.logger.Error("virtiopci: device disable failed", "err", err)
			}
			t.resetTerminal = true
		}
		t.status = 0
		t.queueSel = 0
		t.driverFeatureSel = 0
		t.deviceFeatureSel = 0
		t.driverFeatures = [2]uint32{}
		for _, q := range t.queues {
			q.Reset()
		}
		return
	}
	t.status = value
	t.tryActivate()
}

// tryActivate re-evaluates the activation condition and, on the rising
// edge, hands the queues to the device exactly once.
func (t *Transport) tryActivate() {
	if t.activated || t.resetTerminal {
		return
	}
	if t.status&statusFailed != 0 {
		return
	}
	if t.status&statusActivationRequired != statusActivationRequired {
		return
	}
	if t.mem == nil {
		return
	}
	for _, q := range t.queues {
		if !q.IsValid() {
			return
		}
	}

	negotiated := uint64(t.driverFeatures[0]) | uint64(t.driverFeatures[1])<<32
	if err := t.device.Enable(t.mem, negotiated, t.queues, t); err != nil {
		t.logger.Error("virtiopci: activation failed", "err", err)
		t.status |= statusDeviceNeedsReset
		return
	}
	t.activated = true
}

func storeLE(data []byte, value uint32) {
	for i := range data {
		data[i] = byte(value >> (8 * i))
	}
}

func loadLE(data []byte) uint32 {
	var value uint32
	for i, b := range data {
		value |= uint32(b) << (8 * i)
	}
	return value
}
