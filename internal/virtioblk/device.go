package virtioblk

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/virtiopci/internal/guestmem"
	"github.com/tinyrange/virtiopci/internal/virtiopci"
	"github.com/tinyrange/virtiopci/internal/virtqueue"
)

// deviceTypeBlock is the virtio device type ID for block devices.
const deviceTypeBlock uint16 = 2

// defaultQueueSize and defaultFlushInterval are the manifest defaults
// (internal/config falls back to these when a manifest entry omits them).
const (
	defaultQueueSize     = 256
	defaultFlushInterval = 60 * time.Second
)

// ErrAlreadyActivated is returned by a second Enable call on a Device that
// has already activated. The transport's own rising-edge check already
// makes this unreachable in practice; Device still guards against it so it
// never depends on that invariant holding.
var ErrAlreadyActivated = errors.New("virtioblk: device already activated")

// ErrQueueCountMismatch is returned by Enable if handed anything other than
// exactly one queue, which a conforming transport never does for a device
// that reports NumQueues() == 1.
var ErrQueueCountMismatch = errors.New("virtioblk: expected exactly one queue")

// Device is a virtio-blk back-end: a single disk behind a single request
// queue. It implements virtiopci.VirtioDevice.
type Device struct {
	logger        *slog.Logger
	path          string
	readOnly      bool
	queueSize     uint16
	flushInterval time.Duration

	capacitySectors uint64

	once      sync.Once
	activated bool
	kill      chan struct{}
	eg        *errgroup.Group
	closeOnce sync.Once
}

// NewDevice opens path to stat its size (the device's fixed capacity) and
// returns a Device ready to be wired into a virtiopci.Transport. It does
// not keep the file open or lock it — that happens at Enable, against the
// running worker's own handle. queueSize and flushInterval of zero fall
// back to this package's defaults.
func NewDevice(path string, readOnly bool, queueSize uint16, flushInterval time.Duration, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize == 0 {
		queueSize = defaultQueueSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("virtioblk: open %s: %w", path, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("virtioblk: stat %s: %w", path, err)
	}

	size := fi.Size()
	if size%sectorSize != 0 {
		logger.Warn("virtioblk: backing file size is not a multiple of the sector size, truncating",
			"path", path, "size", size, "sector_size", sectorSize)
	}

	return &Device{
		logger:          logger,
		path:            path,
		readOnly:        readOnly,
		queueSize:       queueSize,
		flushInterval:   flushInterval,
		capacitySectors: uint64(size) / sectorSize,
	}, nil
}

// DeviceType implements virtiopci.VirtioDevice.
func (d *Device) DeviceType() uint16 { return deviceTypeBlock }

// DeviceFeatures implements virtiopci.VirtioDevice: FLUSH is always
// offered; a read-only device offers RO instead of the write-shaping
// DISCARD/WRITE_ZEROES bits.
func (d *Device) DeviceFeatures() uint64 {
	features := uint64(1) << featureFlush
	if d.readOnly {
		features |= 1 << featureRO
	} else {
		features |= 1<<featureDiscard | 1<<featureWriteZeroes
	}
	return features
}

// NumQueues implements virtiopci.VirtioDevice: virtio-blk exposes a single
// request queue in this implementation (multi-queue block is out of scope).
func (d *Device) NumQueues() int { return 1 }

// QueueMaxSize implements virtiopci.VirtioDevice.
func (d *Device) QueueMaxSize(int) uint16 { return d.queueSize }

// ConfigSize implements virtiopci.VirtioDevice.
func (d *Device) ConfigSize() int { return configBlobSize }

// ReadDeviceConfig implements virtiopci.VirtioDevice, zero-extending past
// the blob's end.
func (d *Device) ReadDeviceConfig(offset uint32, data []byte) {
	blob := d.configBlob().Bytes()
	for i := range data {
		idx := int(offset) + i
		if idx < len(blob) {
			data[i] = blob[idx]
		} else {
			data[i] = 0
		}
	}
}

// WriteDeviceConfig implements virtiopci.VirtioDevice. Every field of the
// block configuration blob is read-only from the guest's side.
func (d *Device) WriteDeviceConfig(uint32, []byte) error { return nil }

// Enable implements virtiopci.VirtioDevice: it opens and locks the backing
// file and spawns the worker that owns it from then on.
func (d *Device) Enable(mem guestmem.Memory, negotiatedFeatures uint64, queues []*virtqueue.Queue, irq virtiopci.Interrupter) error {
	if len(queues) != 1 {
		return fmt.Errorf("virtioblk: activate: %w", ErrQueueCountMismatch)
	}
	if d.activated {
		return ErrAlreadyActivated
	}

	var activationErr error
	d.once.Do(func() {
		d.activated = true

		flag := os.O_RDWR
		if d.readOnly {
			flag = os.O_RDONLY
		}
		f, err := os.OpenFile(d.path, flag, 0)
		if err != nil {
			activationErr = fmt.Errorf("virtioblk: open backing file: %w", err)
			return
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			activationErr = fmt.Errorf("virtioblk: lock backing file %s: %w", d.path, err)
			return
		}

		w := &worker{
			logger:        d.logger,
			disk:          &fileDisk{f: f},
			mem:           mem,
			queue:         queues[0],
			irq:           irq,
			kill:          make(chan struct{}),
			flushInterval: d.flushInterval,
			readOnly:      d.readOnly,
		}
		d.kill = w.kill

		var eg errgroup.Group
		eg.Go(w.run)
		d.eg = &eg
	})
	return activationErr
}

// Disable implements virtiopci.VirtioDevice: it kills the worker and waits
// for it to release the disk. It is safe to call on a Device that never
// activated, and safe to call more than once — the kill channel is closed
// at most once regardless of how many times Disable is called.
func (d *Device) Disable() error {
	if !d.activated || d.kill == nil {
		return nil
	}
	d.closeOnce.Do(func() { close(d.kill) })
	if d.eg == nil {
		return nil
	}
	if err := d.eg.Wait(); err != nil {
		d.logger.Error("virtioblk: worker exited with error", "err", err)
		return err
	}
	return nil
}

var _ virtiopci.VirtioDevice = (*Device)(nil)
