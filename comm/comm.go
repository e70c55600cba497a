/*Package comm provides the serial channel used to talk to the bench MCU.

The physical link is a single RS-232-over-USB connection to the
microcontroller that fronts the DDS and ADC chips.  The link carries a
fixed-width ASCII protocol with no flow control, so the two rules enforced
here are:

 1. exactly one owner.  A Channel is handed to the acquisition manager and
    nobody else touches it; there is no pooling and no sharing.
 2. reads are exact and bounded.  The device's response segments have fixed
    widths, so the consumer always knows how many bytes it wants and how
    long it is willing to wait for them.
*/
package comm

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is returned when an operation is attempted on a
	// channel whose port is closed or was never opened.
	ErrNotConnected = errors.New("comm: port is not open")

	// ErrReadTimeout is returned by ReadExact when the requested number of
	// bytes did not arrive within the deadline.  The partial read is
	// returned alongside it so the caller can log what did arrive.
	ErrReadTimeout = errors.New("comm: read deadline exceeded")
)

// Channel is the only access point to the physical link.  Implementations
// are not concurrent safe; the owner serializes access by construction.
type Channel interface {
	// Write sends the buffer in full.
	Write(p []byte) error

	// ReadExact reads exactly n bytes, waiting up to timeout for them to
	// arrive.  On timeout it returns the bytes received so far together
	// with ErrReadTimeout.
	ReadExact(n int, timeout time.Duration) ([]byte, error)

	// FlushInput discards any unread bytes buffered on the receive side.
	// Used after a pause or a framing error to resynchronize.
	FlushInput() error

	Close() error
}

// SerialChannel is a Channel backed by a tarm/serial port.
type SerialChannel struct {
	port *serial.Port
	name string
	baud int

	// pollInterval is the granularity of the ReadExact wait loop; the
	// underlying driver timeout is set to this value at open.
	pollInterval time.Duration
}

// OpenSerial opens the named port at the given baud rate.  The open is
// retried with exponential backoff; some USB-serial bridges reject the
// first open attempt right after enumeration.
func OpenSerial(name string, baud int) (*SerialChannel, error) {
	ch := &SerialChannel{name: name, baud: baud, pollInterval: 5 * time.Millisecond}
	op := func() error {
		conf := &serial.Config{
			Name:        name,
			Baud:        baud,
			ReadTimeout: ch.pollInterval,
		}
		port, err := serial.OpenPort(conf)
		if err != nil {
			return err
		}
		ch.port = port
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return nil, fmt.Errorf("comm: open %s: %w", name, err)
	}
	return ch, nil
}

// Write sends the buffer in full.
func (ch *SerialChannel) Write(p []byte) error {
	if ch.port == nil {
		return ErrNotConnected
	}
	for len(p) > 0 {
		n, err := ch.port.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// ReadExact reads exactly n bytes from the port.  The driver is opened with
// a short read timeout, so the accumulation loop polls until the count is
// satisfied or the caller's deadline passes.
func (ch *SerialChannel) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	if ch.port == nil {
		return nil, ErrNotConnected
	}
	buf := make([]byte, n)
	got := 0
	deadline := time.Now().Add(timeout)
	for got < n {
		m, err := ch.port.Read(buf[got:])
		got += m
		// the driver signals its own timeout as (0, nil) or io.EOF
		// depending on platform; both are retryable within the deadline
		if err != nil && err != io.EOF {
			return buf[:got], err
		}
		if got < n && time.Now().After(deadline) {
			return buf[:got], ErrReadTimeout
		}
	}
	return buf, nil
}

// FlushInput drains whatever is pending on the receive side.
func (ch *SerialChannel) FlushInput() error {
	if ch.port == nil {
		return ErrNotConnected
	}
	return ch.port.Flush()
}

// Close releases the port.  Closing twice is a no-op.
func (ch *SerialChannel) Close() error {
	if ch.port == nil {
		return nil
	}
	err := ch.port.Close()
	ch.port = nil
	return err
}
