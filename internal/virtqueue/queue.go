// Package virtqueue implements the virtio 1.0 split-ring queue: a
// descriptor table plus a driver-written available ring and a
// device-written used ring, all living in guest memory.
package virtqueue

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/virtiopci/internal/guestmem"
)

const (
	descFlagNext  = 1
	descFlagWrite = 2

	descSize  = 16
	availBase = 4 // avail ring entries start after {flags, idx}
	usedBase  = 4 // used ring entries start after {flags, idx}

	usedElemSize = 8 // {id uint32, len uint32}
)

// ErrNotReady is returned by any operation attempted before the queue has
// been marked ready by the transport.
var ErrNotReady = errors.New("virtqueue: queue not ready")

// ErrBadDescriptor is returned when a descriptor chain is malformed in a way
// that must terminate iteration without panicking or touching guest memory
// further.
var ErrBadDescriptor = errors.New("virtqueue: malformed descriptor chain")

// Descriptor is one entry of the descriptor table.
type Descriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// IsWriteOnly reports whether the device may write through this descriptor
// (VIRTQ_DESC_F_WRITE set), as opposed to read-only (guest-to-device).
func (d Descriptor) IsWriteOnly() bool { return d.Flags&descFlagWrite != 0 }

func (d Descriptor) hasNext() bool { return d.Flags&descFlagNext != 0 }

// Queue is one virtio split-ring queue: the descriptor table plus the
// available and used rings, all addressed in guest memory. A Queue is
// created disabled; the transport drives SetSize/SetAddresses/SetReady as the
// guest programs the common config window, and the back-end's worker is the
// only caller of NextAvailable/ReadChain/PushUsed/PublishUsed after activation.
type Queue struct {
	maxSize uint16

	size    uint16
	ready   bool
	enabled bool

	descTableAddr uint64
	availRingAddr uint64
	usedRingAddr  uint64

	nextAvail uint16
	nextUsed  uint16

	mem guestmem.Memory

	// NotifyEvent receives a value whenever the transport observes a guest
	// write to this queue's notify-offset. It is buffered with capacity 1:
	// a pending, undrained notification already implies the worker has not
	// finished examining the available ring, so coalescing further
	// notifications into the single pending one is correct and avoids an
	// unbounded backlog of wakeups.
	NotifyEvent chan struct{}
}

// New constructs a Queue bound to mem with the given maximum size. maxSize
// must be a power of two no greater than 32768, per the virtio queue size
// limit.
func New(mem guestmem.Memory, maxSize uint16) (*Queue, error) {
	if maxSize == 0 || maxSize&(maxSize-1) != 0 || maxSize > 32768 {
		return nil, fmt.Errorf("virtqueue: max size %d must be a power of two <= 32768", maxSize)
	}
	return &Queue{
		maxSize:     maxSize,
		mem:         mem,
		NotifyEvent: make(chan struct{}, 1),
	}, nil
}

// MaxSize returns the queue's negotiated maximum size.
func (q *Queue) MaxSize() uint16 { return q.maxSize }

// Size returns the currently configured size.
func (q *Queue) Size() uint16 { return q.size }

// Ready reports whether the guest has marked this queue ready.
func (q *Queue) Ready() bool { return q.ready }

// Reset clears all queue state, as happens when the guest disables a queue
// or resets the device.
func (q *Queue) Reset() {
	q.size = 0
	q.ready = false
	q.enabled = false
	q.descTableAddr = 0
	q.availRingAddr = 0
	q.usedRingAddr = 0
	q.nextAvail = 0
	q.nextUsed = 0
}

// SetAddresses configures the three ring addresses. Meaningful only before
// the queue is marked ready.
func (q *Queue) SetAddresses(desc, avail, used uint64) {
	q.descTableAddr = desc
	q.availRingAddr = avail
	q.usedRingAddr = used
}

// Addresses returns the currently configured descriptor table, available
// ring, and used ring guest addresses.
func (q *Queue) Addresses() (desc, avail, used uint64) {
	return q.descTableAddr, q.availRingAddr, q.usedRingAddr
}

// SetSize sets the negotiated queue size. size must be a power of two no
// larger than MaxSize, and non-zero.
func (q *Queue) SetSize(size uint16) error {
	if size == 0 || size&(size-1) != 0 {
		return fmt.Errorf("virtqueue: size %d must be a non-zero power of two", size)
	}
	if size > q.maxSize {
		return fmt.Errorf("virtqueue: size %d exceeds max size %d", size, q.maxSize)
	}
	q.size = size
	return nil
}

// SetReady marks the queue ready (or, if false, disables and resets it).
func (q *Queue) SetReady(ready bool) {
	if !ready {
		q.Reset()
		return
	}
	q.ready = true
}

// IsValid reports whether the queue is ready, its size is a power of two no
// larger than MaxSize, and its three rings lie entirely inside guest memory
// at their required alignment (16 bytes for the descriptor table, 2 for the
// available ring, 4 for the used ring).
func (q *Queue) IsValid() bool {
	if !q.ready || q.size == 0 || q.size&(q.size-1) != 0 || q.size > q.maxSize {
		return false
	}
	if q.descTableAddr == 0 || q.availRingAddr == 0 || q.usedRingAddr == 0 {
		return false
	}
	if q.descTableAddr%16 != 0 || q.availRingAddr%2 != 0 || q.usedRingAddr%4 != 0 {
		return false
	}
	descBytes := uint64(q.size) * descSize
	availBytes := uint64(availBase) + uint64(q.size)*2
	usedBytes := uint64(usedBase) + uint64(q.size)*uint64(usedElemSize)
	if _, err := q.mem.CheckedOffset(q.descTableAddr, descBytes); err != nil {
		return false
	}
	if _, err := q.mem.CheckedOffset(q.availRingAddr, availBytes); err != nil {
		return false
	}
	if _, err := q.mem.CheckedOffset(q.usedRingAddr, usedBytes); err != nil {
		return false
	}
	return true
}

func (q *Queue) ensureReady() error {
	if !q.ready || q.size == 0 {
		return ErrNotReady
	}
	return nil
}

// ReadDescriptor reads the descriptor at table index idx.
func (q *Queue) ReadDescriptor(idx uint16) (Descriptor, error) {
	if err := q.ensureReady(); err != nil {
		return Descriptor{}, err
	}
	if idx >= q.size {
		return Descriptor{}, fmt.Errorf("%w: index %d out of bounds (size %d)", ErrBadDescriptor, idx, q.size)
	}
	var buf [descSize]byte
	addr := q.descTableAddr + uint64(idx)*descSize
	if err := guestmem.ReadInto(q.mem, addr, buf[:]); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrBadDescriptor, err)
	}
	return Descriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// NextAvailable reports the next available descriptor chain's head index,
// if one is ready, without advancing past it twice. Returns ok=false when
// the driver has not published anything new.
func (q *Queue) NextAvailable() (head uint16, ok bool, err error) {
	if err := q.ensureReady(); err != nil {
		return 0, false, err
	}
	var header [4]byte
	if err := guestmem.ReadInto(q.mem, q.availRingAddr, header[:]); err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrBadDescriptor, err)
	}
	availIdx := binary.LittleEndian.Uint16(header[2:4])
	if q.nextAvail == availIdx {
		return 0, false, nil
	}
	ringIndex := q.nextAvail % q.size
	entryAddr := q.availRingAddr + availBase + uint64(ringIndex)*2
	headBuf := [2]byte{}
	if err := guestmem.ReadInto(q.mem, entryAddr, headBuf[:]); err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrBadDescriptor, err)
	}
	head = binary.LittleEndian.Uint16(headBuf[:])
	q.nextAvail++
	return head, true, nil
}

// Chain is a fully-walked descriptor chain: the head index plus each
// descriptor in NEXT order, capped at Size entries (cycle protection).
type Chain struct {
	Head        uint16
	Descriptors []Descriptor
}

// ReadChain walks the NEXT-linked descriptor chain starting at head,
// stopping after at most Size() descriptors even if the chain's NEXT flags
// claim there are more — a malicious or corrupt guest must never be able to
// make this loop forever.
func (q *Queue) ReadChain(head uint16) (Chain, error) {
	if err := q.ensureReady(); err != nil {
		return Chain{}, err
	}
	chain := Chain{Head: head}
	index := head
	for i := uint16(0); i < q.size; i++ {
		desc, err := q.ReadDescriptor(index)
		if err != nil {
			return chain, err
		}
		chain.Descriptors = append(chain.Descriptors, desc)
		if !desc.hasNext() {
			return chain, nil
		}
		index = desc.Next
	}
	return chain, fmt.Errorf("%w: chain exceeded queue size %d", ErrBadDescriptor, q.size)
}

// PushUsed writes one used-ring entry (head, writtenLen) at the current
// used-ring position and advances the used index, but does not yet publish
// that index — see PublishUsed. Splitting the two lets a worker batch many
// PushUsed calls and publish once per batch, matching the "signal one
// interrupt per batch, not per chain" rule.
func (q *Queue) PushUsed(head uint16, writtenLen uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	slot := q.nextUsed % q.size
	addr := q.usedRingAddr + usedBase + uint64(slot)*usedElemSize
	var buf [usedElemSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(head))
	binary.LittleEndian.PutUint32(buf[4:8], writtenLen)
	if err := guestmem.WriteFromBytes(q.mem, addr, buf[:]); err != nil {
		return fmt.Errorf("virtqueue: write used entry: %w", err)
	}
	q.nextUsed++
	return nil
}

// PublishUsed writes the current used index to the used ring's idx field.
// This must happen after every PushUsed in the batch has landed in guest
// memory, since a real guest driver is entitled to assume that once it
// observes an incremented idx, every used entry below it is valid — the
// release/acquire pairing described in the spec. Within a single
// goroutine, Go's program order already guarantees the PushUsed writes are
// visible before this one executes; there is no second writer to race
// against, since only the worker ever touches the used ring after
// activation.
func (q *Queue) PublishUsed() error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	if err := guestmem.WriteUint16(q.mem, q.usedRingAddr+2, q.nextUsed); err != nil {
		return fmt.Errorf("virtqueue: publish used idx: %w", err)
	}
	return nil
}

// AvailNoInterrupt reports whether the driver has set VIRTQ_AVAIL_F_NO_INTERRUPT
// on the available ring, suppressing the device's interrupt for this batch.
func (q *Queue) AvailNoInterrupt() bool {
	var header [2]byte
	if err := guestmem.ReadInto(q.mem, q.availRingAddr, header[:]); err != nil {
		return false
	}
	return binary.LittleEndian.Uint16(header[:])&1 != 0
}
