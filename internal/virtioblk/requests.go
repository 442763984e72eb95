package virtioblk

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/virtiopci/internal/guestmem"
	"github.com/tinyrange/virtiopci/internal/virtqueue"
)

// ErrMalformedChain is returned (wrapped) by parseRequest for any chain
// shape or descriptor-direction violation. It never escapes the worker:
// callers complete the chain with written-len 0 and log a warning instead.
var ErrMalformedChain = errors.New("virtioblk: malformed descriptor chain")

type requestKind int

const (
	reqIn requestKind = iota
	reqOut
	reqFlush
	reqDiscard
	reqWriteZeroes
	reqUnsupported
)

// request is one parsed block request, ready for execution.
type request struct {
	kind    requestKind
	rawType uint32
	sector  uint64

	dataAddr uint64
	dataLen  uint32

	segSector     uint64
	segNumSectors uint32
	segFlags      uint32

	statusAddr uint64
}

// parseRequest validates a descriptor chain against the virtio-blk request
// shapes and extracts the fields executeRequest needs. It never touches
// guest memory beyond the header and, for discard/write-zeroes, the segment
// descriptor — and never writes to guest memory at all.
func parseRequest(mem guestmem.Memory, chain virtqueue.Chain) (*request, error) {
	descs := chain.Descriptors
	if len(descs) < 2 {
		return nil, fmt.Errorf("%w: chain has %d descriptors, want at least 2", ErrMalformedChain, len(descs))
	}

	head := descs[0]
	if head.IsWriteOnly() {
		return nil, fmt.Errorf("%w: header descriptor must be read-only", ErrMalformedChain)
	}
	if head.Length < 16 {
		return nil, fmt.Errorf("%w: header descriptor too short (%d bytes)", ErrMalformedChain, head.Length)
	}
	var hdr [16]byte
	if err := guestmem.ReadInto(mem, head.Addr, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrMalformedChain, err)
	}

	status := descs[len(descs)-1]
	if !status.IsWriteOnly() || status.Length < 1 {
		return nil, fmt.Errorf("%w: status descriptor must be write-only and at least 1 byte", ErrMalformedChain)
	}

	req := &request{
		rawType:    binary.LittleEndian.Uint32(hdr[0:4]),
		sector:     binary.LittleEndian.Uint64(hdr[8:16]),
		statusAddr: status.Addr,
	}

	switch req.rawType {
	case blkTypeIn, blkTypeOut:
		if len(descs) != 3 {
			return nil, fmt.Errorf("%w: IN/OUT chain must have 3 descriptors, got %d", ErrMalformedChain, len(descs))
		}
		data := descs[1]
		wantWrite := req.rawType == blkTypeIn
		if data.IsWriteOnly() != wantWrite {
			return nil, fmt.Errorf("%w: data descriptor direction mismatch", ErrMalformedChain)
		}
		if req.rawType == blkTypeIn {
			req.kind = reqIn
		} else {
			req.kind = reqOut
		}
		req.dataAddr = data.Addr
		req.dataLen = data.Length

	case blkTypeFlush:
		if len(descs) != 2 {
			return nil, fmt.Errorf("%w: FLUSH chain must have 2 descriptors, got %d", ErrMalformedChain, len(descs))
		}
		req.kind = reqFlush

	case blkTypeDiscard, blkTypeWriteZeroes:
		if len(descs) != 3 {
			return nil, fmt.Errorf("%w: DISCARD/WRITE_ZEROES chain must have 3 descriptors, got %d", ErrMalformedChain, len(descs))
		}
		seg := descs[1]
		if seg.IsWriteOnly() || seg.Length < 16 {
			return nil, fmt.Errorf("%w: segment descriptor must be read-only and at least 16 bytes", ErrMalformedChain)
		}
		var segBuf [16]byte
		if err := guestmem.ReadInto(mem, seg.Addr, segBuf[:]); err != nil {
			return nil, fmt.Errorf("%w: reading segment: %v", ErrMalformedChain, err)
		}
		req.segSector = binary.LittleEndian.Uint64(segBuf[0:8])
		req.segNumSectors = binary.LittleEndian.Uint32(segBuf[8:12])
		req.segFlags = binary.LittleEndian.Uint32(segBuf[12:16])
		if req.rawType == blkTypeDiscard {
			req.kind = reqDiscard
		} else {
			req.kind = reqWriteZeroes
		}

	default:
		req.kind = reqUnsupported
	}

	return req, nil
}

// executeRequest runs a validated request against the worker's disk and
// guest memory, returning the status byte and written-len to report through
// the used ring. It never panics and never returns an error: every failure
// mode maps to a status byte, logged by the caller.
func (w *worker) executeRequest(req *request) (status byte, writtenLen uint32) {
	switch req.kind {
	case reqIn:
		buf := make([]byte, req.dataLen)
		if _, err := w.disk.ReadAt(buf, int64(req.sector)*sectorSize); err != nil {
			w.logger.Warn("virtioblk: disk read failed", "sector", req.sector, "len", req.dataLen, "err", err)
			return blkStatusIOErr, 1
		}
		if err := guestmem.WriteFromBytes(w.mem, req.dataAddr, buf); err != nil {
			w.logger.Warn("virtioblk: guest write failed", "addr", req.dataAddr, "err", err)
			return blkStatusIOErr, 1
		}
		return blkStatusOK, req.dataLen

	case reqOut:
		if w.readOnly {
			w.logger.Warn("virtioblk: write to read-only device rejected", "sector", req.sector)
			return blkStatusIOErr, 1
		}
		buf := make([]byte, req.dataLen)
		if err := guestmem.ReadInto(w.mem, req.dataAddr, buf); err != nil {
			w.logger.Warn("virtioblk: guest read failed", "addr", req.dataAddr, "err", err)
			return blkStatusIOErr, 1
		}
		if _, err := w.disk.WriteAt(buf, int64(req.sector)*sectorSize); err != nil {
			w.logger.Warn("virtioblk: disk write failed", "sector", req.sector, "err", err)
			return blkStatusIOErr, 1
		}
		w.armFlush()
		return blkStatusOK, 1

	case reqFlush:
		w.disarmFlush()
		if err := w.disk.Flush(); err != nil {
			w.logger.Warn("virtioblk: flush failed", "err", err)
			return blkStatusIOErr, 1
		}
		return blkStatusOK, 1

	case reqDiscard, reqWriteZeroes:
		if w.readOnly {
			return blkStatusIOErr, 1
		}
		if req.kind == reqWriteZeroes {
			if req.segFlags&^uint32(blkWriteZeroesUnmap) != 0 {
				w.logger.Warn("virtioblk: write-zeroes with unsupported flags", "flags", req.segFlags)
				return blkStatusIOErr, 1
			}
		} else if req.segFlags != 0 {
			w.logger.Warn("virtioblk: discard with unsupported flags", "flags", req.segFlags)
			return blkStatusIOErr, 1
		}
		off := int64(req.segSector) * sectorSize
		length := int64(req.segNumSectors) * sectorSize
		if err := w.disk.WriteZeroesAt(off, length); err != nil {
			w.logger.Warn("virtioblk: write-zeroes failed", "sector", req.segSector, "err", err)
			return blkStatusIOErr, 1
		}
		return blkStatusOK, 1

	default:
		w.logger.Warn("virtioblk: unsupported request type", "type", req.rawType)
		return blkStatusUnsupp, 1
	}
}
