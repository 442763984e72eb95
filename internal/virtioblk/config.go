// Package virtioblk implements a virtio block device back-end: a disk
// exposed to the guest through the split-ring request queue the transport
// in package virtiopci drives. It owns the disk once activated and runs
// entirely on its own worker goroutine.
package virtioblk

import (
	"encoding/binary"
	"math"
)

const sectorSize = 512

// Virtio block feature bits (virtio 1.0 §5.2.3).
const (
	featureSizeMax     = 1
	featureSegMax      = 2
	featureGeometry    = 4
	featureRO          = 5
	featureBlkSize     = 6
	featureFlush       = 9
	featureTopology    = 10
	featureConfigWCE   = 11
	featureDiscard     = 13
	featureWriteZeroes = 14
)

// Virtio block request types (virtio 1.0 §5.2.6).
const (
	blkTypeIn          = 0
	blkTypeOut         = 1
	blkTypeFlush       = 4
	blkTypeGetID       = 8
	blkTypeDiscard     = 11
	blkTypeWriteZeroes = 13
)

// Virtio block status codes.
const (
	blkStatusOK     = 0
	blkStatusIOErr  = 1
	blkStatusUnsupp = 2
)

// blkWriteZeroesUnmap is the only flag bit a WRITE_ZEROES segment may set.
const blkWriteZeroesUnmap = 0x1

// usedRingInterruptBit is VIRTIO_PCI_ISR_QUEUE, the ISR bit set whenever the
// used ring gains an entry.
const usedRingInterruptBit = 0x1

// configBlobSize is sizeof(struct virtio_blk_config) as laid out below.
const configBlobSize = 60

// configBlob mirrors struct virtio_blk_config byte-for-byte: capacity
// through the legacy geometry/topology fields, followed by the
// discard/write-zeroes limits this device always advertises.
type configBlob struct {
	capacity  uint64
	sizeMax   uint32
	segMax    uint32
	cylinders uint16
	heads     uint8
	sectors   uint8
	blkSize   uint32

	physBlockExp    uint8
	alignmentOffset uint8
	minIOSize       uint16
	optIOSize       uint32

	writeback uint8

	maxDiscardSectors      uint32
	maxDiscardSeg          uint32
	discardSectorAlignment uint32
	maxWriteZeroesSectors  uint32
	maxWriteZeroesSeg      uint32
	writeZeroesMayUnmap    uint8
}

// Bytes serializes the blob to its little-endian, packed wire layout.
func (c configBlob) Bytes() []byte {
	buf := make([]byte, configBlobSize)
	binary.LittleEndian.PutUint64(buf[0:8], c.capacity)
	binary.LittleEndian.PutUint32(buf[8:12], c.sizeMax)
	binary.LittleEndian.PutUint32(buf[12:16], c.segMax)
	binary.LittleEndian.PutUint16(buf[16:18], c.cylinders)
	buf[18] = c.heads
	buf[19] = c.sectors
	binary.LittleEndian.PutUint32(buf[20:24], c.blkSize)
	buf[24] = c.physBlockExp
	buf[25] = c.alignmentOffset
	binary.LittleEndian.PutUint16(buf[26:28], c.minIOSize)
	binary.LittleEndian.PutUint32(buf[28:32], c.optIOSize)
	buf[32] = c.writeback
	binary.LittleEndian.PutUint32(buf[36:40], c.maxDiscardSectors)
	binary.LittleEndian.PutUint32(buf[40:44], c.maxDiscardSeg)
	binary.LittleEndian.PutUint32(buf[44:48], c.discardSectorAlignment)
	binary.LittleEndian.PutUint32(buf[48:52], c.maxWriteZeroesSectors)
	binary.LittleEndian.PutUint32(buf[52:56], c.maxWriteZeroesSeg)
	buf[56] = c.writeZeroesMayUnmap
	return buf
}

// configBlob builds the device's current configuration blob from its fixed
// capacity and the constant discard/write-zeroes limits this implementation
// always advertises.
func (d *Device) configBlob() configBlob {
	return configBlob{
		capacity:               d.capacitySectors,
		sizeMax:                1 << 20,
		segMax:                 128,
		blkSize:                sectorSize,
		maxDiscardSectors:      math.MaxUint32,
		maxDiscardSeg:          1,
		discardSectorAlignment: 128,
		maxWriteZeroesSectors:  math.MaxUint32,
		maxWriteZeroesSeg:      1,
		writeZeroesMayUnmap:    1,
	}
}
