package mcu

import (
	"bytes"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/efield-lab/goaefi/comm"
)

// Sim is an in-memory board that speaks the wire protocol.  It backs the
// demo mode of the server binary and the package tests; no hardware, no
// timing.  It implements comm.Channel.
//
// The zero value is not usable; construct with NewSim.
type Sim struct {
	mu       sync.Mutex
	layout   FrameLayout
	regs     map[uint16]uint32
	selected uint16
	out      bytes.Buffer
	triggers int

	// CodeFunc produces the raw code for a channel on the nth trigger.
	// The default is a deterministic ramp so tests can assert exact rows.
	CodeFunc func(channel, trigger int) int32

	// EchoAverage, when non-nil, overrides the averaging count echoed in
	// the confirmation segment.  Used to exercise echo-mismatch handling.
	EchoAverage *uint32

	// VerifyOverride, when a register address is present, substitutes the
	// read-back value for that register.  Used to exercise rollback.
	VerifyOverride map[uint16]uint32

	// ShortFrames, while positive, makes each trigger response one byte
	// short of its fixed width and is decremented per trigger.
	ShortFrames int

	// Mute suppresses all responses, simulating a dead or disconnected
	// device.
	Mute bool
}

// NewSim constructs a simulated board with the given response layout.
func NewSim(l FrameLayout) *Sim {
	return &Sim{
		layout:         l,
		regs:           make(map[uint16]uint32),
		VerifyOverride: make(map[uint16]uint32),
		CodeFunc: func(channel, trigger int) int32 {
			return int32(1000*(channel+1) + trigger%16)
		},
	}
}

// SetMute silences or restores the board's responses while it is in use,
// simulating a cable pull.  The other fault knobs are set before handing
// the Sim to its owner.
func (s *Sim) SetMute(mute bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Mute = mute
}

// Register returns the current value of a register, for test assertions.
func (s *Sim) Register(addr uint16) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[addr]
}

// Triggers returns the number of acquisition triggers processed so far.
func (s *Sim) Triggers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggers
}

// Write consumes one or more '*'-terminated command frames.
func (s *Sim) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, frame := range bytes.Split(p, []byte{delimiter}) {
		if len(frame) == 0 {
			continue
		}
		s.execute(frame)
	}
	return nil
}

func (s *Sim) execute(frame []byte) {
	op := frame[0]
	arg, err := strconv.ParseUint(string(frame[1:]), 10, 32)
	if err != nil {
		return // firmware ignores garbage frames
	}
	switch op {
	case 'a':
		s.selected = uint16(arg)
	case 'd':
		s.regs[s.selected] = uint32(arg)
	case 'v':
		v, ok := s.VerifyOverride[uint16(arg)]
		if !ok {
			v = s.regs[uint16(arg)]
		}
		s.respondVerify(v)
	case 'm':
		s.respondAcquisition(uint32(arg))
	}
}

func (s *Sim) respondVerify(v uint32) {
	if s.Mute {
		return
	}
	// "v=" + right-aligned value + CRLF, padded to the fixed width
	s.out.WriteString(fmt.Sprintf("v=%*d\r\n", s.layout.VerifyLen-4, v))
}

func (s *Sim) respondAcquisition(avg uint32) {
	s.triggers++
	if s.Mute {
		return
	}
	echoed := avg
	if s.EchoAverage != nil {
		echoed = *s.EchoAverage
	}
	echo := fmt.Sprintf("m=%*d\r\n", s.layout.EchoLen-4, echoed)

	fields := make([][]byte, s.layout.Channels)
	for ch := range fields {
		fields[ch] = strconv.AppendInt(nil, int64(s.CodeFunc(ch, s.triggers)), 10)
	}
	data := bytes.Join(fields, []byte{'\t'})
	data = append(data, '\r', '\n')
	for len(data) < s.layout.DataLen {
		data = append(data, 0)
	}

	if s.ShortFrames > 0 {
		s.ShortFrames--
		echo = echo[:len(echo)-1]
		data = data[:len(data)-1]
	}
	s.out.WriteString(echo)
	s.out.Write(data)
}

// ReadExact pops up to n bytes from the response buffer.  A short buffer
// reports comm.ErrReadTimeout immediately rather than sleeping out the
// caller's deadline.
func (s *Sim) ReadExact(n int, _ time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, n)
	got, _ := s.out.Read(buf)
	if got < n {
		return buf[:got], comm.ErrReadTimeout
	}
	return buf, nil
}

// FlushInput discards any queued response bytes.
func (s *Sim) FlushInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Reset()
	return nil
}

// Close is a no-op; the simulated board has nothing to release.
func (s *Sim) Close() error { return nil }
