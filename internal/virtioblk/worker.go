package virtioblk

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/virtiopci/internal/guestmem"
	"github.com/tinyrange/virtiopci/internal/virtiopci"
	"github.com/tinyrange/virtiopci/internal/virtqueue"
)

// worker is the single goroutine an activated Device spawns. It owns the
// disk, the guest memory handle, the queue, and the interrupt handle for
// the lifetime of the device, and is the only thing that touches any of
// them after activation.
type worker struct {
	logger        *slog.Logger
	disk          DiskFile
	mem           guestmem.Memory
	queue         *virtqueue.Queue
	irq           virtiopci.Interrupter
	kill          chan struct{}
	flushInterval time.Duration
	readOnly      bool

	timer      *time.Timer
	flushArmed bool
}

// run is the worker's event loop: a select over the flush timer, the
// queue's notify channel, and the kill channel, the Go rendering of the
// original poll-context-with-a-sum-type-token design. It returns nil on a
// clean kill and a non-nil error only when the disk itself is presumed
// broken (a flush-timer tick failed), which is fatal to this worker alone.
func (w *worker) run() error {
	defer w.disk.Close()

	w.timer = time.NewTimer(w.flushInterval)
	if !w.timer.Stop() {
		<-w.timer.C
	}
	defer w.timer.Stop()

	for {
		select {
		case <-w.kill:
			return nil
		case <-w.timer.C:
			w.flushArmed = false
			if err := w.disk.Flush(); err != nil {
				w.logger.Error("virtioblk: flush-timer tick failed, worker exiting", "err", err)
				return fmt.Errorf("virtioblk: flush tick: %w", err)
			}
		case <-w.queue.NotifyEvent:
			w.drainAvailable()
		}
	}
}

// armFlush starts the deferred-flush timer if it isn't already running.
func (w *worker) armFlush() {
	if w.flushArmed {
		return
	}
	w.flushArmed = true
	w.timer.Reset(w.flushInterval)
}

// disarmFlush stops the deferred-flush timer, draining it if it had
// already fired and not yet been drained.
func (w *worker) disarmFlush() {
	if !w.flushArmed {
		return
	}
	w.flushArmed = false
	if !w.timer.Stop() {
		select {
		case <-w.timer.C:
		default:
		}
	}
}

// drainAvailable processes every chain the driver has made available since
// the last wakeup, then — if any chain was processed — publishes the used
// index once and raises one interrupt for the whole batch, per the
// one-signal-per-batch rule.
func (w *worker) drainAvailable() {
	any := false
	for {
		head, ok, err := w.queue.NextAvailable()
		if err != nil {
			w.logger.Warn("virtioblk: reading available ring failed", "err", err)
			break
		}
		if !ok {
			break
		}
		writtenLen := w.processChain(head)
		if err := w.queue.PushUsed(head, writtenLen); err != nil {
			w.logger.Warn("virtioblk: push used failed", "head", head, "err", err)
			continue
		}
		any = true
	}
	if !any {
		return
	}
	if err := w.queue.PublishUsed(); err != nil {
		w.logger.Error("virtioblk: publish used failed", "err", err)
		return
	}
	if !w.queue.AvailNoInterrupt() {
		w.irq.RaiseInterrupt(usedRingInterruptBit)
	}
}

// processChain walks, parses, and executes one descriptor chain, writing
// its status byte. A malformed chain is reported with written-len 0 and
// never touches guest memory beyond what parseRequest already validated.
func (w *worker) processChain(head uint16) uint32 {
	chain, err := w.queue.ReadChain(head)
	if err != nil {
		w.logger.Warn("virtioblk: malformed descriptor chain", "head", head, "err", err)
		return 0
	}
	req, err := parseRequest(w.mem, chain)
	if err != nil {
		w.logger.Warn("virtioblk: malformed request", "head", head, "err", err)
		return 0
	}
	status, writtenLen := w.executeRequest(req)
	if err := guestmem.WriteFromBytes(w.mem, req.statusAddr, []byte{status}); err != nil {
		w.logger.Warn("virtioblk: failed to write status byte", "head", head, "err", err)
		return 0
	}
	return writtenLen
}
