package virtqueue

import (
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

// fakeMemory is a flat []byte standing in for a guest RAM mapping, the same
// shape used throughout this module's tests.
type fakeMemory struct {
	buf []byte
}

func newFakeMemory(size int) *fakeMemory {
	return &fakeMemory{buf: make([]byte, size)}
}

func (f *fakeMemory) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, f.buf[off:]), nil
}

func (f *fakeMemory) WriteAt(p []byte, off int64) (int, error) {
	return copy(f.buf[off:], p), nil
}

func (f *fakeMemory) CheckedOffset(addr, delta uint64) (uint64, error) {
	end := addr + delta
	if end < addr || end > uint64(len(f.buf)) {
		return 0, errOutOfRange
	}
	return end, nil
}

var errOutOfRange = errors.New("fake memory: out of range")

func (f *fakeMemory) ReadTo(addr uint64, w io.Writer, n int) (int, error) {
	buf := make([]byte, n)
	copy(buf, f.buf[addr:])
	return w.Write(buf)
}

func (f *fakeMemory) WriteFrom(addr uint64, r io.Reader, n int) (int, error) {
	buf := make([]byte, n)
	read, _ := r.Read(buf)
	copy(f.buf[addr:], buf[:read])
	return read, nil
}

const (
	descTableAddr = 0x1000
	availAddr     = 0x2000
	usedAddr      = 0x3000
)

func newTestQueue(t *testing.T, mem *fakeMemory, size uint16) *Queue {
	t.Helper()
	q, err := New(mem, size)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	q.SetAddresses(descTableAddr, availAddr, usedAddr)
	if err := q.SetSize(size); err != nil {
		t.Fatalf("SetSize: %v", err)
	}
	q.SetReady(true)
	return q
}

func writeDescriptor(mem *fakeMemory, idx uint16, d Descriptor) {
	off := descTableAddr + uint64(idx)*descSize
	binary.LittleEndian.PutUint64(mem.buf[off:], d.Addr)
	binary.LittleEndian.PutUint32(mem.buf[off+8:], d.Length)
	binary.LittleEndian.PutUint16(mem.buf[off+12:], d.Flags)
	binary.LittleEndian.PutUint16(mem.buf[off+14:], d.Next)
}

func publishAvail(mem *fakeMemory, idx uint16, heads ...uint16) {
	binary.LittleEndian.PutUint16(mem.buf[availAddr:], 0) // flags
	for i, h := range heads {
		binary.LittleEndian.PutUint16(mem.buf[availAddr+4+uint64(i)*2:], h)
	}
	binary.LittleEndian.PutUint16(mem.buf[availAddr+2:], idx)
}

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	mem := newFakeMemory(0x4000)
	if _, err := New(mem, 3); err == nil {
		t.Fatal("expected error for non-power-of-two max size")
	}
}

func TestIsValidRequiresAlignedRings(t *testing.T) {
	mem := newFakeMemory(0x4000)
	q := newTestQueue(t, mem, 8)
	if !q.IsValid() {
		t.Fatal("expected valid queue")
	}
	q.SetAddresses(descTableAddr+1, availAddr, usedAddr)
	if q.IsValid() {
		t.Fatal("expected invalid queue with misaligned descriptor table")
	}
}

func TestNextAvailableAndReadChain(t *testing.T) {
	mem := newFakeMemory(0x4000)
	q := newTestQueue(t, mem, 8)

	writeDescriptor(mem, 0, Descriptor{Addr: 0x100, Length: 16, Flags: descFlagNext, Next: 1})
	writeDescriptor(mem, 1, Descriptor{Addr: 0x200, Length: 4, Flags: 0})
	publishAvail(mem, 1, 0)

	head, ok, err := q.NextAvailable()
	if err != nil || !ok {
		t.Fatalf("NextAvailable: head=%d ok=%v err=%v", head, ok, err)
	}
	if head != 0 {
		t.Fatalf("head = %d, want 0", head)
	}

	chain, err := q.ReadChain(head)
	if err != nil {
		t.Fatalf("ReadChain: %v", err)
	}
	if len(chain.Descriptors) != 2 {
		t.Fatalf("chain length = %d, want 2", len(chain.Descriptors))
	}
	if chain.Descriptors[1].Addr != 0x200 {
		t.Fatalf("second descriptor addr = %#x, want 0x200", chain.Descriptors[1].Addr)
	}

	_, ok, err = q.NextAvailable()
	if err != nil {
		t.Fatalf("NextAvailable: %v", err)
	}
	if ok {
		t.Fatal("expected no further available buffers")
	}
}

func TestReadChainCycleProtection(t *testing.T) {
	mem := newFakeMemory(0x4000)
	q := newTestQueue(t, mem, 4)

	// Every descriptor points to the next one, forming a cycle that never
	// clears the NEXT flag — iteration must stop at Size() descriptors
	// instead of spinning forever.
	for i := uint16(0); i < 4; i++ {
		writeDescriptor(mem, i, Descriptor{Addr: uint64(i), Length: 1, Flags: descFlagNext, Next: (i + 1) % 4})
	}

	_, err := q.ReadChain(0)
	if err == nil {
		t.Fatal("expected cycle to be rejected")
	}
}

func TestPushUsedThenPublish(t *testing.T) {
	mem := newFakeMemory(0x4000)
	q := newTestQueue(t, mem, 8)

	if err := q.PushUsed(3, 512); err != nil {
		t.Fatalf("PushUsed: %v", err)
	}
	if err := q.PublishUsed(); err != nil {
		t.Fatalf("PublishUsed: %v", err)
	}

	gotHead := binary.LittleEndian.Uint32(mem.buf[usedAddr+4:])
	gotLen := binary.LittleEndian.Uint32(mem.buf[usedAddr+8:])
	gotIdx := binary.LittleEndian.Uint16(mem.buf[usedAddr+2:])
	if gotHead != 3 || gotLen != 512 {
		t.Fatalf("used entry = (%d, %d), want (3, 512)", gotHead, gotLen)
	}
	if gotIdx != 1 {
		t.Fatalf("used idx = %d, want 1", gotIdx)
	}
}

func TestOperationsFailWhenNotReady(t *testing.T) {
	mem := newFakeMemory(0x4000)
	q, err := New(mem, 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, err := q.NextAvailable(); err != ErrNotReady {
		t.Fatalf("NextAvailable err = %v, want ErrNotReady", err)
	}
	if err := q.PushUsed(0, 0); err != ErrNotReady {
		t.Fatalf("PushUsed err = %v, want ErrNotReady", err)
	}
}
