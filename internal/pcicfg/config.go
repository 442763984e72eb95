// Package pcicfg implements the 256-byte PCI configuration register file —
// standard header fields, BAR registers with guest-probeable size masks,
// and a bump-allocated linked list of vendor-specific capabilities — plus a
// minimal bus-0 host bridge that dispatches config-space accesses to the
// registered device's register file.
package pcicfg

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	spaceSize = 256

	offVendorID     = 0x00
	offDeviceID     = 0x02
	offCommand      = 0x04
	offStatus       = 0x06
	offRevisionID   = 0x08
	offProgIF       = 0x09
	offSubclass     = 0x0A
	offClassCode    = 0x0B
	offHeaderType   = 0x0E
	offBAR0         = 0x10
	offSubsysVendor = 0x2C
	offSubsysID     = 0x2E
	offCapPtr       = 0x34
	offInterruptLn  = 0x3C
	offInterruptPin = 0x3D

	barCount  = 6
	barStride = 4

	statusCapabilitiesList = 1 << 4

	commandIOSpace     = 1 << 0
	commandMemorySpace = 1 << 1
	commandWritableMask = commandIOSpace | commandMemorySpace

	// capAreaBase is the first byte available for capability bodies, per
	// the spec's "bump area starting at offset 0x40".
	capAreaBase = 0x40

	// capHeaderCapID is the standard PCI capability ID byte every
	// capability in this area carries; its meaning (vendor-specific) is
	// interpreted by the virtio-pci transport layered on top of this
	// package.
	capHeaderCapID = 0x09
)

// ErrBARInUse is returned by AddMemoryRegion when every BAR slot is taken.
var ErrBARInUse = errors.New("pcicfg: no free BAR slot")

// ErrSizeNotPowerOfTwo is returned by AddMemoryRegion when the region size
// is zero or not a power of two.
var ErrSizeNotPowerOfTwo = errors.New("pcicfg: size must be a power of two")

// ErrCapabilityAreaExhausted is returned when there isn't enough room left
// in the 256-byte space for a new capability body.
var ErrCapabilityAreaExhausted = errors.New("pcicfg: capability area exhausted")

// HeaderFields seeds a Space's fixed identity fields at construction.
type HeaderFields struct {
	VendorID        uint16
	DeviceID        uint16
	SubsystemVendor uint16
	SubsystemID     uint16
	ClassCode       uint8
	Subclass        uint8
	InterruptPin    uint8
}

// Space is one PCI function's 256-byte configuration register file.
type Space struct {
	regs [spaceSize]byte

	barSize [barCount]uint32 // 0 = unused
	nextCap uint16           // next free offset in the capability bump area
	lastCap uint16           // offset of the most recently appended capability, 0 if none
}

// NewSpace constructs a Space with the standard header fields populated and
// every BAR slot free.
func NewSpace(h HeaderFields) *Space {
	s := &Space{nextCap: capAreaBase}
	binary.LittleEndian.PutUint16(s.regs[offVendorID:], h.VendorID)
	binary.LittleEndian.PutUint16(s.regs[offDeviceID:], h.DeviceID)
	s.regs[offClassCode] = h.ClassCode
	s.regs[offSubclass] = h.Subclass
	binary.LittleEndian.PutUint16(s.regs[offSubsysVendor:], h.SubsystemVendor)
	binary.LittleEndian.PutUint16(s.regs[offSubsysID:], h.SubsystemID)
	s.regs[offInterruptPin] = h.InterruptPin
	s.regs[offInterruptLn] = 0xff // unassigned until the VMM routes an IRQ
	return s
}

// ReadConfig reads size (1, 2, or 4) bytes at offset, masked to that width.
func (s *Space) ReadConfig(offset uint16, size uint8) (uint32, error) {
	switch size {
	case 1:
		return uint32(s.readByte(offset)), nil
	case 2:
		return uint32(s.readWord(offset)), nil
	case 4:
		return s.readDword(offset), nil
	default:
		return 0, fmt.Errorf("pcicfg: unsupported access size %d", size)
	}
}

// WriteConfig writes size (1, 2, or 4) bytes at offset, applying the
// standard per-field writable-bits masks.
func (s *Space) WriteConfig(offset uint16, size uint8, value uint32) error {
	switch size {
	case 1:
		s.writeByte(offset, byte(value))
	case 2:
		s.writeWord(offset, uint16(value))
	case 4:
		s.writeDword(offset, value)
	default:
		return fmt.Errorf("pcicfg: unsupported access size %d", size)
	}
	return nil
}

func (s *Space) readByte(offset uint16) byte {
	if int(offset) >= spaceSize {
		return 0xff
	}
	return s.regs[offset]
}

func (s *Space) readWord(offset uint16) uint16 {
	if int(offset)+2 > spaceSize {
		return 0xffff
	}
	return binary.LittleEndian.Uint16(s.regs[offset:])
}

func (s *Space) readDword(offset uint16) uint32 {
	if int(offset)+4 > spaceSize {
		return 0xffff_ffff
	}
	if bar, ok := s.barIndex(offset); ok {
		return s.readBAR(bar)
	}
	return binary.LittleEndian.Uint32(s.regs[offset:])
}

// barIndex reports the BAR slot a dword-aligned offset falls in, if any.
func (s *Space) barIndex(offset uint16) (int, bool) {
	if offset < offBAR0 || offset >= offBAR0+barCount*barStride {
		return 0, false
	}
	if (offset-offBAR0)%barStride != 0 {
		return 0, false
	}
	return int(offset-offBAR0) / barStride, true
}

// readBAR returns the stored BAR value, honoring the guest-probeable size
// mask: the low bits that size-sizing would leave as zero read as zero
// regardless of what was last written there (a guest writes all-ones and
// reads back to discover the BAR's size).
func (s *Space) readBAR(index int) uint32 {
	raw := binary.LittleEndian.Uint32(s.regs[offBAR0+index*barStride:])
	size := s.barSize[index]
	if size == 0 {
		return raw
	}
	mask := sizeMask(size)
	return raw &^ mask
}

func sizeMask(size uint32) uint32 {
	if size == 0 {
		return 0
	}
	return size - 1
}

func (s *Space) writeByte(offset uint16, value byte) {
	if int(offset) >= spaceSize {
		return
	}
	switch offset {
	case offVendorID, offVendorID + 1, offDeviceID, offDeviceID + 1,
		offSubsysVendor, offSubsysVendor + 1, offSubsysID, offSubsysID + 1,
		offRevisionID, offProgIF, offSubclass, offClassCode, offHeaderType,
		offCapPtr, offInterruptPin:
		return // read-only identity / capability-pointer fields
	case offCommand:
		value &= commandWritableMask
	case offCommand + 1:
		return
	case offInterruptLn:
		// writable: the VMM records the routed legacy IRQ line here
	}
	if bar, ok := s.barIndex(offset &^ 0x3); ok {
		s.writeBARByte(bar, int(offset%4), value)
		return
	}
	s.regs[offset] = value
}

func (s *Space) writeWord(offset uint16, value uint16) {
	s.writeByte(offset, byte(value))
	s.writeByte(offset+1, byte(value>>8))
}

func (s *Space) writeDword(offset uint16, value uint32) {
	if bar, ok := s.barIndex(offset); ok {
		s.writeBARDword(bar, value)
		return
	}
	s.writeWord(offset, uint16(value))
	s.writeWord(offset+2, uint16(value>>16))
}

func (s *Space) writeBARByte(index, byteOffset int, value byte) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], binary.LittleEndian.Uint32(s.regs[offBAR0+index*barStride:]))
	buf[byteOffset] = value
	s.setBARRaw(index, binary.LittleEndian.Uint32(buf[:]))
}

func (s *Space) writeBARDword(index int, value uint32) {
	s.setBARRaw(index, value)
}

func (s *Space) setBARRaw(index int, value uint32) {
	binary.LittleEndian.PutUint32(s.regs[offBAR0+index*barStride:], value)
}

// AddCapability appends a capability body (including its own 2-byte
// {cap_id, next} placeholder at body[0:2], which this call overwrites) into
// the bump area, patches the previous capability's next field (or the
// header's capability pointer for the first one), and sets the
// capabilities-list status bit. It returns the offset the body was written
// at.
func (s *Space) AddCapability(body []byte) (uint16, error) {
	if len(body) < 2 {
		return 0, fmt.Errorf("pcicfg: capability body must be at least 2 bytes, got %d", len(body))
	}
	offset := s.nextCap
	end := int(offset) + len(body)
	if end > spaceSize {
		return 0, fmt.Errorf("pcicfg: capability at %#x (%d bytes): %w", offset, len(body), ErrCapabilityAreaExhausted)
	}

	copy(s.regs[offset:], body)
	s.regs[offset] = capHeaderCapID
	s.regs[offset+1] = 0 // next; patched below if this isn't the first

	if s.lastCap == 0 {
		s.regs[offCapPtr] = byte(offset)
	} else {
		s.regs[s.lastCap+1] = byte(offset)
	}
	s.lastCap = offset
	s.nextCap = uint16(end)
	s.regs[offStatus] |= statusCapabilitiesList

	return offset, nil
}

// AddMemoryRegion assigns the next free BAR pair to a 64-bit memory region
// of the given size (which must be a power of two), writing addr|0x04
// (64-bit memory type, prefetchable bit clear) into the low BAR and
// addr>>32 into the high BAR, and records the size so future reads mask
// correctly. Returns the index of the low BAR.
func (s *Space) AddMemoryRegion(addr uint64, size uint32) (int, error) {
	if size == 0 || size&(size-1) != 0 {
		return 0, fmt.Errorf("pcicfg: region size %d: %w", size, ErrSizeNotPowerOfTwo)
	}
	for i := 0; i+1 < barCount; i += 2 {
		if s.barSize[i] != 0 {
			continue
		}
		const memType64BitPrefetchClear = 0x04
		low := uint32(addr) | memType64BitPrefetchClear
		high := uint32(addr >> 32)
		s.setBARRaw(i, low)
		s.setBARRaw(i+1, high)
		s.barSize[i] = size
		s.barSize[i+1] = 0 // high dword: region fits well under 4GiB, no size mask needed
		return i, nil
	}
	return 0, ErrBARInUse
}

// BAR returns the full 64-bit address programmed into BAR pair starting at
// index (which must be even), with the low bits masked by the region's
// size the way a guest driver would see after reading the BAR back.
func (s *Space) BAR(index int) uint64 {
	low := uint64(s.readBAR(index))
	high := uint64(binary.LittleEndian.Uint32(s.regs[offBAR0+(index+1)*barStride:]))
	return (high << 32) | (low &^ 0xf)
}

// InterruptPin returns the INTx# pin this function is wired to (1-4), or 0
// if it uses no legacy interrupt pin.
func (s *Space) InterruptPin() uint8 { return s.regs[offInterruptPin] }
