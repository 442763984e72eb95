// Package guestmem provides the bounds- and overflow-checked guest memory
// accessor shared by the virtqueue, transport, and block back-end.
package guestmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/sys/unix"
)

// ErrOutOfRange is returned when an access would read or write outside the
// mapped guest memory region.
var ErrOutOfRange = errors.New("guestmem: access out of range")

// ErrOverflow is returned when addr+delta would overflow a 64-bit offset.
var ErrOverflow = errors.New("guestmem: offset overflow")

// Memory is the guest-memory accessor every component in this module reads
// and writes guest physical addresses through. It is implemented directly
// by Arena below, and can equally be backed by any io.ReaderAt+io.WriterAt
// (a plain []byte-backed fake is used throughout this module's tests).
type Memory interface {
	io.ReaderAt
	io.WriterAt

	// CheckedOffset returns addr+delta, failing if it would overflow or
	// walk past the end of the mapped region.
	CheckedOffset(addr, delta uint64) (uint64, error)

	// ReadTo copies n bytes starting at addr into w.
	ReadTo(addr uint64, w io.Writer, n int) (int, error)

	// WriteFrom copies n bytes from r into guest memory starting at addr.
	WriteFrom(addr uint64, r io.Reader, n int) (int, error)
}

// ReadUint16/ReadUint32/ReadUint64/WriteUint16/WriteUint32/WriteUint64 are
// free functions rather than Memory methods so that any ReaderAt/WriterAt
// (including test fakes) gets them for free.

// ReadUint16 reads a little-endian uint16 at addr.
func ReadUint16(m Memory, addr uint64) (uint16, error) {
	var buf [2]byte
	if err := readExact(m, addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// WriteUint16 writes a little-endian uint16 at addr.
func WriteUint16(m Memory, addr uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return writeExact(m, addr, buf[:])
}

// ReadUint32 reads a little-endian uint32 at addr.
func ReadUint32(m Memory, addr uint64) (uint32, error) {
	var buf [4]byte
	if err := readExact(m, addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteUint32 writes a little-endian uint32 at addr.
func WriteUint32(m Memory, addr uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return writeExact(m, addr, buf[:])
}

// ReadUint64 reads a little-endian uint64 at addr.
func ReadUint64(m Memory, addr uint64) (uint64, error) {
	var buf [8]byte
	if err := readExact(m, addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint64 writes a little-endian uint64 at addr.
func WriteUint64(m Memory, addr uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return writeExact(m, addr, buf[:])
}

// ReadInto fills buf from guest memory at addr.
func ReadInto(m Memory, addr uint64, buf []byte) error {
	return readExact(m, addr, buf)
}

// WriteFromBytes writes buf to guest memory at addr.
func WriteFromBytes(m Memory, addr uint64, buf []byte) error {
	return writeExact(m, addr, buf)
}

func readExact(m Memory, addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	off, err := checkedAddr(addr, uint64(len(buf)))
	if err != nil {
		return err
	}
	n, err := m.ReadAt(buf, off)
	if err != nil {
		return fmt.Errorf("guestmem: read at %#x: %w", addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("guestmem: short read at %#x (want %d, got %d)", addr, len(buf), n)
	}
	return nil
}

func writeExact(m Memory, addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	off, err := checkedAddr(addr, uint64(len(buf)))
	if err != nil {
		return err
	}
	n, err := m.WriteAt(buf, off)
	if err != nil {
		return fmt.Errorf("guestmem: write at %#x: %w", addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("guestmem: short write at %#x (want %d, got %d)", addr, len(buf), n)
	}
	return nil
}

func checkedAddr(addr, length uint64) (int64, error) {
	if addr > math.MaxInt64 {
		return 0, fmt.Errorf("%w: guest address %#x", ErrOutOfRange, addr)
	}
	if length > uint64(math.MaxInt64)-addr {
		return 0, fmt.Errorf("%w: addr=%#x length=%d", ErrOverflow, addr, length)
	}
	return int64(addr), nil
}

// Arena is a flat guest-RAM region backed by an anonymous mmap, grounded in
// the teacher's mmap-backed RAM regions. A software-only core has no real
// guest to share the mapping with, but backing it with mmap rather than a
// plain Go slice keeps the allocation off the Go heap (so the garbage
// collector never moves or scans it) the same way a real guest's RAM must
// be a stable, page-aligned host mapping.
type Arena struct {
	data []byte
}

// NewArena allocates an anonymous, zero-filled mapping of size bytes.
func NewArena(size int) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("guestmem: arena size must be positive, got %d", size)
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("guestmem: mmap arena: %w", err)
	}
	return &Arena{data: data}, nil
}

// Close unmaps the arena. The Arena must not be used afterward.
func (a *Arena) Close() error {
	if a.data == nil {
		return nil
	}
	err := unix.Munmap(a.data)
	a.data = nil
	if err != nil {
		return fmt.Errorf("guestmem: munmap arena: %w", err)
	}
	return nil
}

// Len returns the size of the mapping in bytes.
func (a *Arena) Len() int { return len(a.data) }

// ReadAt implements io.ReaderAt.
func (a *Arena) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(a.data)) {
		return 0, fmt.Errorf("%w: offset %d", ErrOutOfRange, off)
	}
	n := copy(p, a.data[off:])
	if n < len(p) {
		return n, io.ErrShortBuffer
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (a *Arena) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(a.data)) {
		return 0, fmt.Errorf("%w: offset %d", ErrOutOfRange, off)
	}
	n := copy(a.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// CheckedOffset implements Memory.
func (a *Arena) CheckedOffset(addr, delta uint64) (uint64, error) {
	off, err := checkedAddr(addr, delta)
	if err != nil {
		return 0, err
	}
	result := uint64(off) + delta
	if result > uint64(len(a.data)) {
		return 0, fmt.Errorf("%w: addr=%#x delta=%d", ErrOutOfRange, addr, delta)
	}
	return result, nil
}

// ReadTo implements Memory.
func (a *Arena) ReadTo(addr uint64, w io.Writer, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	buf := make([]byte, n)
	if err := readExact(a, addr, buf); err != nil {
		return 0, err
	}
	written, err := w.Write(buf)
	if err != nil {
		return written, fmt.Errorf("guestmem: read-to sink: %w", err)
	}
	return written, nil
}

// WriteFrom implements Memory.
func (a *Arena) WriteFrom(addr uint64, r io.Reader, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	buf := make([]byte, n)
	read, err := io.ReadFull(r, buf)
	if err != nil {
		return 0, fmt.Errorf("guestmem: write-from source: %w", err)
	}
	if err := writeExact(a, addr, buf[:read]); err != nil {
		return 0, err
	}
	return read, nil
}

var _ Memory = (*Arena)(nil)
