package virtioblk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/virtiopci/internal/virtqueue"
)

// fakeMemory is a flat []byte standing in for a guest RAM mapping, the same
// shape used throughout this module's tests.
type fakeMemory struct {
	buf []byte
}

func newFakeMemory(size int) *fakeMemory { return &fakeMemory{buf: make([]byte, size)} }

func (f *fakeMemory) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, f.buf[off:]), nil
}

func (f *fakeMemory) WriteAt(p []byte, off int64) (int, error) {
	return copy(f.buf[off:], p), nil
}

func (f *fakeMemory) CheckedOffset(addr, delta uint64) (uint64, error) {
	end := addr + delta
	if end < addr || end > uint64(len(f.buf)) {
		return 0, errors.New("fake memory: out of range")
	}
	return end, nil
}

func (f *fakeMemory) ReadTo(addr uint64, w io.Writer, n int) (int, error) {
	return w.Write(f.buf[addr : addr+uint64(n)])
}

func (f *fakeMemory) WriteFrom(addr uint64, r io.Reader, n int) (int, error) {
	buf := make([]byte, n)
	read, _ := r.Read(buf)
	copy(f.buf[addr:], buf[:read])
	return read, nil
}

// fakeDisk is an in-memory DiskFile for exercising request execution
// without touching the filesystem. Its counters are guarded by a mutex
// since worker_test.go reads them from the test goroutine while the
// worker goroutine concurrently updates them.
type fakeDisk struct {
	mu        sync.Mutex
	data      []byte
	flushed   int
	flushErr  error
	zeroCalls int
}

func newFakeDisk(size int) *fakeDisk { return &fakeDisk{data: make([]byte, size)} }

func (d *fakeDisk) ReadAt(p []byte, off int64) (int, error)  { return copy(p, d.data[off:]), nil }
func (d *fakeDisk) WriteAt(p []byte, off int64) (int, error) { return copy(d.data[off:], p), nil }
func (d *fakeDisk) Close() error                             { return nil }

func (d *fakeDisk) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushed++
	return d.flushErr
}

func (d *fakeDisk) Flushed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushed
}

func (d *fakeDisk) WriteZeroesAt(off, length int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.zeroCalls++
	for i := int64(0); i < length; i++ {
		d.data[off+i] = 0
	}
	return nil
}

const (
	descFlagNextBit  = 1
	descFlagWriteBit = 2
)

func desc(addr uint64, length uint32, writeOnly, hasNext bool, next uint16) virtqueue.Descriptor {
	var flags uint16
	if writeOnly {
		flags |= descFlagWriteBit
	}
	if hasNext {
		flags |= descFlagNextBit
	}
	return virtqueue.Descriptor{Addr: addr, Length: length, Flags: flags, Next: next}
}

func putHeader(mem *fakeMemory, addr uint64, reqType uint32, sector uint64) {
	binary.LittleEndian.PutUint32(mem.buf[addr:], reqType)
	binary.LittleEndian.PutUint32(mem.buf[addr+4:], 0)
	binary.LittleEndian.PutUint64(mem.buf[addr+8:], sector)
}

func putSegment(mem *fakeMemory, addr uint64, sector uint64, numSectors, flags uint32) {
	binary.LittleEndian.PutUint64(mem.buf[addr:], sector)
	binary.LittleEndian.PutUint32(mem.buf[addr+8:], numSectors)
	binary.LittleEndian.PutUint32(mem.buf[addr+12:], flags)
}

func newTestWorker(mem *fakeMemory, disk *fakeDisk, readOnly bool) *worker {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	return &worker{
		logger:        slog.Default(),
		disk:          disk,
		mem:           mem,
		readOnly:      readOnly,
		timer:         timer,
		flushInterval: time.Hour,
	}
}

// TestParseRequestOutChain exercises §8 scenario 3: a well-formed OUT chain
// parses cleanly and, on execution, writes the data to disk.
func TestParseRequestOutChain(t *testing.T) {
	mem := newFakeMemory(0x10000)
	const headerAddr, dataAddr, statusAddr = 0x100, 0x200, 0x500
	putHeader(mem, headerAddr, blkTypeOut, 0)
	for i := range mem.buf[dataAddr : dataAddr+512] {
		mem.buf[dataAddr+i] = 0xAB
	}

	chain := virtqueue.Chain{Head: 7, Descriptors: []virtqueue.Descriptor{
		desc(headerAddr, 16, false, true, 1),
		desc(dataAddr, 512, false, true, 2),
		desc(statusAddr, 1, true, false, 0),
	}}

	req, err := parseRequest(mem, chain)
	if err != nil {
		t.Fatalf("parseRequest: %v", err)
	}
	if req.kind != reqOut || req.dataLen != 512 || req.statusAddr != statusAddr {
		t.Fatalf("parsed request = %+v", req)
	}

	disk := newFakeDisk(4096)
	w := newTestWorker(mem, disk, false)
	status, writtenLen := w.executeRequest(req)
	if status != blkStatusOK || writtenLen != 1 {
		t.Fatalf("status=%d writtenLen=%d, want OK/1", status, writtenLen)
	}
	if !bytes.Equal(disk.data[:512], bytes.Repeat([]byte{0xAB}, 512)) {
		t.Fatal("disk did not receive the written bytes")
	}
}

// TestParseRequestRejectsReversedDirection exercises §8 scenario 4: a data
// descriptor marked write-only for an OUT request is a parse error.
func TestParseRequestRejectsReversedDirection(t *testing.T) {
	mem := newFakeMemory(0x10000)
	putHeader(mem, 0x100, blkTypeOut, 0)

	chain := virtqueue.Chain{Head: 3, Descriptors: []virtqueue.Descriptor{
		desc(0x100, 16, false, true, 1),
		desc(0x200, 512, true, true, 2), // wrong direction: write-only for OUT
		desc(0x500, 1, true, false, 0),
	}}

	if _, err := parseRequest(mem, chain); !errors.Is(err, ErrMalformedChain) {
		t.Fatalf("err = %v, want ErrMalformedChain", err)
	}
}

func TestParseRequestInChain(t *testing.T) {
	mem := newFakeMemory(0x10000)
	putHeader(mem, 0x100, blkTypeIn, 2)

	chain := virtqueue.Chain{Head: 1, Descriptors: []virtqueue.Descriptor{
		desc(0x100, 16, false, true, 1),
		desc(0x200, 256, true, true, 2),
		desc(0x500, 1, true, false, 0),
	}}

	req, err := parseRequest(mem, chain)
	if err != nil {
		t.Fatalf("parseRequest: %v", err)
	}

	disk := newFakeDisk(4096)
	for i := range disk.data[2*sectorSize : 2*sectorSize+256] {
		disk.data[2*sectorSize+i] = byte(i)
	}
	w := newTestWorker(mem, disk, true)
	status, writtenLen := w.executeRequest(req)
	if status != blkStatusOK || writtenLen != 256 {
		t.Fatalf("status=%d writtenLen=%d, want OK/256", status, writtenLen)
	}
	if !bytes.Equal(mem.buf[0x200:0x200+256], disk.data[2*sectorSize:2*sectorSize+256]) {
		t.Fatal("guest memory did not receive the read bytes")
	}
}

func TestParseRequestFlushChain(t *testing.T) {
	mem := newFakeMemory(0x10000)
	putHeader(mem, 0x100, blkTypeFlush, 0)
	chain := virtqueue.Chain{Head: 0, Descriptors: []virtqueue.Descriptor{
		desc(0x100, 16, false, true, 1),
		desc(0x500, 1, true, false, 0),
	}}
	req, err := parseRequest(mem, chain)
	if err != nil {
		t.Fatalf("parseRequest: %v", err)
	}
	if req.kind != reqFlush {
		t.Fatalf("kind = %v, want reqFlush", req.kind)
	}

	disk := newFakeDisk(4096)
	w := newTestWorker(mem, disk, false)
	status, writtenLen := w.executeRequest(req)
	if status != blkStatusOK || writtenLen != 1 || disk.flushed != 1 {
		t.Fatalf("status=%d writtenLen=%d flushed=%d", status, writtenLen, disk.flushed)
	}
}

func TestParseRequestDiscardChain(t *testing.T) {
	mem := newFakeMemory(0x10000)
	putHeader(mem, 0x100, blkTypeDiscard, 0)
	putSegment(mem, 0x200, 1, 2, 0)
	chain := virtqueue.Chain{Head: 0, Descriptors: []virtqueue.Descriptor{
		desc(0x100, 16, false, true, 1),
		desc(0x200, 16, false, true, 2),
		desc(0x500, 1, true, false, 0),
	}}
	req, err := parseRequest(mem, chain)
	if err != nil {
		t.Fatalf("parseRequest: %v", err)
	}
	if req.kind != reqDiscard || req.segSector != 1 || req.segNumSectors != 2 {
		t.Fatalf("parsed request = %+v", req)
	}

	disk := newFakeDisk(4096)
	for i := range disk.data {
		disk.data[i] = 0xFF
	}
	w := newTestWorker(mem, disk, false)
	status, writtenLen := w.executeRequest(req)
	if status != blkStatusOK || writtenLen != 1 || disk.zeroCalls != 1 {
		t.Fatalf("status=%d writtenLen=%d zeroCalls=%d", status, writtenLen, disk.zeroCalls)
	}
	for _, b := range disk.data[sectorSize : sectorSize+2*sectorSize] {
		if b != 0 {
			t.Fatal("discard did not zero the requested range")
		}
	}
}

func TestParseRequestWriteZeroesRejectsUnknownFlags(t *testing.T) {
	mem := newFakeMemory(0x10000)
	putHeader(mem, 0x100, blkTypeWriteZeroes, 0)
	putSegment(mem, 0x200, 0, 1, 0x2) // only UNMAP(0x1) is allowed
	chain := virtqueue.Chain{Head: 0, Descriptors: []virtqueue.Descriptor{
		desc(0x100, 16, false, true, 1),
		desc(0x200, 16, false, true, 2),
		desc(0x500, 1, true, false, 0),
	}}
	req, err := parseRequest(mem, chain)
	if err != nil {
		t.Fatalf("parseRequest: %v", err)
	}

	disk := newFakeDisk(4096)
	w := newTestWorker(mem, disk, false)
	status, writtenLen := w.executeRequest(req)
	if status != blkStatusIOErr || writtenLen != 1 {
		t.Fatalf("status=%d writtenLen=%d, want IOERR/1", status, writtenLen)
	}
}

func TestParseRequestUnsupportedType(t *testing.T) {
	mem := newFakeMemory(0x10000)
	putHeader(mem, 0x100, blkTypeGetID, 0)
	chain := virtqueue.Chain{Head: 0, Descriptors: []virtqueue.Descriptor{
		desc(0x100, 16, false, true, 1),
		desc(0x500, 1, true, false, 0),
	}}
	req, err := parseRequest(mem, chain)
	if err != nil {
		t.Fatalf("parseRequest: %v", err)
	}
	if req.kind != reqUnsupported {
		t.Fatalf("kind = %v, want reqUnsupported", req.kind)
	}

	disk := newFakeDisk(4096)
	w := newTestWorker(mem, disk, false)
	status, writtenLen := w.executeRequest(req)
	if status != blkStatusUnsupp || writtenLen != 1 {
		t.Fatalf("status=%d writtenLen=%d, want UNSUPP/1", status, writtenLen)
	}
}

func TestParseRequestRejectsHeaderTooShort(t *testing.T) {
	mem := newFakeMemory(0x10000)
	chain := virtqueue.Chain{Head: 0, Descriptors: []virtqueue.Descriptor{
		desc(0x100, 8, false, true, 1), // header must be at least 16 bytes
		desc(0x500, 1, true, false, 0),
	}}
	if _, err := parseRequest(mem, chain); !errors.Is(err, ErrMalformedChain) {
		t.Fatalf("err = %v, want ErrMalformedChain", err)
	}
}

func TestParseRequestRejectsWritableStatus(t *testing.T) {
	mem := newFakeMemory(0x10000)
	putHeader(mem, 0x100, blkTypeFlush, 0)
	chain := virtqueue.Chain{Head: 0, Descriptors: []virtqueue.Descriptor{
		desc(0x100, 16, false, true, 1),
		desc(0x500, 1, false, false, 0), // status must be write-only
	}}
	if _, err := parseRequest(mem, chain); !errors.Is(err, ErrMalformedChain) {
		t.Fatalf("err = %v, want ErrMalformedChain", err)
	}
}

func TestOutRejectedOnReadOnlyDevice(t *testing.T) {
	mem := newFakeMemory(0x10000)
	putHeader(mem, 0x100, blkTypeOut, 0)
	chain := virtqueue.Chain{Head: 0, Descriptors: []virtqueue.Descriptor{
		desc(0x100, 16, false, true, 1),
		desc(0x200, 512, false, true, 2),
		desc(0x500, 1, true, false, 0),
	}}
	req, err := parseRequest(mem, chain)
	if err != nil {
		t.Fatalf("parseRequest: %v", err)
	}

	disk := newFakeDisk(4096)
	w := newTestWorker(mem, disk, true)
	status, _ := w.executeRequest(req)
	if status != blkStatusIOErr {
		t.Fatalf("status = %d, want IOERR for write to read-only device", status)
	}
}
