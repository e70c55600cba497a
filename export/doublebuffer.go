package export

import (
	"sync"
	"time"

	"github.com/efield-lab/goaefi/sample"
)

// DoubleBuffer is the hand-off between the acquisition producer and the
// disk writer.  Two backing arrays alternate between the "active" role
// (producer appends) and the "flushing" role (writer drains).  The swap is
// a pointer exchange under a short lock; no I/O ever happens inside it.
//
// Exactly one flush may be outstanding.  If the active buffer fills while
// the previous flush is still running, Append blocks for at most the
// configured timeout and then reports a drop.  The caller decides how to
// surface that; the buffer only guarantees it is never silent.
type DoubleBuffer struct {
	mu        sync.Mutex
	active    []sample.Sample
	threshold int

	// freed carries the spare backing array back from the writer.  A
	// token being present means no flush is in progress.
	freed chan []sample.Sample
}

// NewDoubleBuffer creates a buffer pair that swaps when the active side
// reaches threshold samples.
func NewDoubleBuffer(threshold int) *DoubleBuffer {
	if threshold < 1 {
		threshold = 1
	}
	d := &DoubleBuffer{
		active:    make([]sample.Sample, 0, threshold),
		threshold: threshold,
		freed:     make(chan []sample.Sample, 1),
	}
	d.freed <- make([]sample.Sample, 0, threshold)
	return d
}

// Append adds s to the active buffer.  If the append filled the buffer to
// the swap threshold and the writer is free, the roles are swapped and the
// full batch is returned for flushing; the caller must hand the batch back
// via Release when the flush completes.
//
// If the writer is still busy, Append waits up to wait for it; on expiry
// the sample is discarded and dropped=true is returned.
func (d *DoubleBuffer) Append(s sample.Sample, wait time.Duration) (batch []sample.Sample, dropped bool) {
	d.mu.Lock()
	if len(d.active) >= d.threshold {
		// need a swap before this sample has a home
		d.mu.Unlock()
		select {
		case spare := <-d.freed:
			d.mu.Lock()
			batch = d.active
			d.active = spare[:0]
		case <-time.After(wait):
			return nil, true
		}
	}
	d.active = append(d.active, s)
	d.mu.Unlock()
	return batch, false
}

// Release returns a drained batch's backing array to the spare role.  The
// remainder batch from TakeRemainder is a third array on top of the
// resident pair, so its return is discarded rather than blocking the
// writer on a full token slot.
func (d *DoubleBuffer) Release(batch []sample.Sample) {
	select {
	case d.freed <- batch[:0]:
	default:
	}
}

// TakeRemainder performs the final swap: it removes and returns whatever
// is in the active buffer, regardless of the threshold.  Only called
// during finalization, after the producer has stopped appending.
func (d *DoubleBuffer) TakeRemainder() []sample.Sample {
	d.mu.Lock()
	defer d.mu.Unlock()
	batch := d.active
	d.active = nil
	return batch
}

// Len reports the number of samples waiting in the active buffer.
func (d *DoubleBuffer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}
