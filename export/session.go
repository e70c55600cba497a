// Package export persists acquisition streams to disk.  A Session couples
// a DoubleBuffer to a Recorder; the producer thread only ever touches the
// buffer, all file I/O happens on the session's writer goroutine.
package export

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/efield-lab/goaefi/sample"
)

// Summary describes a finished session.  It is only valid after Stop
// returns.
type Summary struct {
	Path           string
	SamplesWritten uint64
	Dropped        uint64
	Start          time.Time
	End            time.Time
	ConfigHash     string
}

// Recorder is a destination for sample batches.  WriteBatch is called from
// a single goroutine; Finalize is called exactly once, after the last
// batch, and must leave a self-describing artifact on disk.
type Recorder interface {
	WriteBatch([]sample.Sample) error
	Finalize(Summary) error
	Path() string
}

// Config parameterizes a Session.
type Config struct {
	// SwapThreshold is the batch size at which buffers swap roles.
	SwapThreshold int
	// AppendWait bounds how long Offer blocks when the writer lags
	// before discarding the sample.
	AppendWait time.Duration
	// ConfigHash is the frozen acquisition configuration digest
	// recorded in the summary and the file metadata.
	ConfigHash string
}

// DefaultSwapThreshold matches one flush per quarter second at the
// nominal sample rate.
const DefaultSwapThreshold = 256

// DefaultAppendWait is the default producer-side backpressure bound.
const DefaultAppendWait = 250 * time.Millisecond

// Session streams samples into a Recorder through a DoubleBuffer.
type Session struct {
	buf  *DoubleBuffer
	rec  Recorder
	wait time.Duration
	hash string

	flush chan []sample.Sample
	done  chan struct{}

	written uint64
	dropped uint64
	start   time.Time

	// failed flips to 1 on the first recorder error; writeErr is written
	// before the flip and read only after observing it.
	failed   uint32
	writeErr error
	stopOnce sync.Once
	summary  Summary
}

// NewSession starts a recording session.  The writer goroutine runs until
// Stop is called.
func NewSession(rec Recorder, cfg Config) *Session {
	if cfg.SwapThreshold <= 0 {
		cfg.SwapThreshold = DefaultSwapThreshold
	}
	if cfg.AppendWait <= 0 {
		cfg.AppendWait = DefaultAppendWait
	}
	s := &Session{
		buf:   NewDoubleBuffer(cfg.SwapThreshold),
		rec:   rec,
		wait:  cfg.AppendWait,
		hash:  cfg.ConfigHash,
		flush: make(chan []sample.Sample, 1),
		done:  make(chan struct{}),
		start: time.Now(),
	}
	go s.run()
	return s
}

// Offer hands one sample to the session.  It returns false when the sample
// had to be discarded, either because the writer could not keep up within
// the configured wait or because a disk write already failed; Err
// distinguishes the two.  Offer must not be called after Stop.
func (s *Session) Offer(smp sample.Sample) bool {
	if atomic.LoadUint32(&s.failed) == 1 {
		return false
	}
	batch, dropped := s.buf.Append(smp, s.wait)
	if dropped {
		atomic.AddUint64(&s.dropped, 1)
		return false
	}
	if batch != nil {
		s.flush <- batch
	}
	return true
}

// Dropped reports the running count of discarded samples.
func (s *Session) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Written reports the running count of samples handed to the recorder.
func (s *Session) Written() uint64 {
	return atomic.LoadUint64(&s.written)
}

// Err reports the write error that failed the session, if any.  Once it
// returns non-nil the session accepts no further samples and the caller
// should finalize.
func (s *Session) Err() error {
	if atomic.LoadUint32(&s.failed) == 0 {
		return nil
	}
	return s.writeErr
}

func (s *Session) run() {
	for batch := range s.flush {
		// after the first write error the file body must stay a gapless
		// prefix, so later batches are discarded, not written around it
		if atomic.LoadUint32(&s.failed) == 1 {
			s.buf.Release(batch)
			continue
		}
		if err := s.rec.WriteBatch(batch); err != nil {
			s.writeErr = err
			atomic.StoreUint32(&s.failed, 1)
		} else {
			atomic.AddUint64(&s.written, uint64(len(batch)))
		}
		s.buf.Release(batch)
	}
	close(s.done)
}

// Stop drains the remaining buffered samples, finalizes the recorder and
// returns the session summary.  It is safe to call more than once; later
// calls return the first result.
func (s *Session) Stop() (Summary, error) {
	s.stopOnce.Do(func() {
		if rest := s.buf.TakeRemainder(); len(rest) > 0 {
			s.flush <- rest
		}
		close(s.flush)
		<-s.done

		s.summary = Summary{
			Path:           s.rec.Path(),
			SamplesWritten: atomic.LoadUint64(&s.written),
			Dropped:        atomic.LoadUint64(&s.dropped),
			Start:          s.start,
			End:            time.Now(),
			ConfigHash:     s.hash,
		}
		if err := s.rec.Finalize(s.summary); err != nil && s.writeErr == nil {
			s.writeErr = err
		}
	})
	return s.summary, s.writeErr
}
