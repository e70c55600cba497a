/*Package mcu speaks the wire protocol of the DDS/ADC board.

The board is an AD9106 waveform generator and two ADS131A04 ADCs behind a
small microcontroller.  The MCU exposes a register file over a serial link
with a three-letter ASCII command set:

	a<address>*   select a register
	d<value>*     write a value to the selected register
	v<address>*   read a register back
	m<count>*     trigger an acquisition averaged over <count> conversions

Every command frame is terminated by '*'.  The acquisition response is two
fixed-width segments: a short echo of the averaging count, then a data
segment carrying one decimal code per channel.  The protocol has no
checksum; integrity rests on reading exactly the expected widths and on
validating the echoed averaging count against what was requested.

This package knows nothing about acquisition modes or buffering; it only
encodes commands and decodes frames.
*/
package mcu

import (
	"bytes"
	"fmt"
	"strconv"
)

// delimiter terminates every command frame.
const delimiter = '*'

// RegisterCommand is a single register write, encoded and discarded.
type RegisterCommand struct {
	Address uint16
	Value   uint32
}

// FrameLayout holds the fixed response widths.  They depend on the channel
// count and the firmware's field formatting, so they are configuration, not
// constants.
type FrameLayout struct {
	// EchoLen is the width of the trigger confirmation segment.
	EchoLen int `koanf:"echo" yaml:"echo"`
	// DataLen is the width of the data segment.
	DataLen int `koanf:"data" yaml:"data"`
	// VerifyLen is the width of a register read-back response.
	VerifyLen int `koanf:"verify" yaml:"verify"`
	// Channels is the number of code fields in the data segment.
	Channels int `koanf:"channels" yaml:"channels"`
}

// DefaultLayout matches the stock firmware: 8 channels, 9-byte echo,
// 99-byte data segment, 12-byte read-back.
func DefaultLayout() FrameLayout {
	return FrameLayout{EchoLen: 9, DataLen: 99, VerifyLen: 12, Channels: 8}
}

// RawFrame is a decoded acquisition response.
type RawFrame struct {
	// AverageCount is the averaging count echoed by the firmware.
	AverageCount uint32
	// Codes are the per-channel raw ADC codes in channel order.
	Codes []int32
}

// MalformedFrameError reports a response segment that could not be parsed.
type MalformedFrameError struct {
	Reason string
	Raw    []byte
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("mcu: malformed frame (%s): %q", e.Reason, e.Raw)
}

// EchoMismatchError reports a confirmation segment whose averaging count
// does not match the one requested.  This is the primary defense against
// acquiring with a stale or partially applied configuration.
type EchoMismatchError struct {
	Want, Got uint32
}

func (e *EchoMismatchError) Error() string {
	return fmt.Sprintf("mcu: echo mismatch: requested average count %d, device confirmed %d", e.Want, e.Got)
}

// VerifyMismatchError reports a register read-back that does not match the
// value previously written.
type VerifyMismatchError struct {
	Address   uint16
	Want, Got uint32
}

func (e *VerifyMismatchError) Error() string {
	return fmt.Sprintf("mcu: register %d read back %d, wanted %d", e.Address, e.Got, e.Want)
}

// EncodeWrite produces the two command frames of a register write: the
// address-select frame followed by the value frame.  It never fails.
func EncodeWrite(cmd RegisterCommand) []byte {
	buf := make([]byte, 0, 16)
	buf = append(buf, 'a')
	buf = strconv.AppendUint(buf, uint64(cmd.Address), 10)
	buf = append(buf, delimiter, 'd')
	buf = strconv.AppendUint(buf, uint64(cmd.Value), 10)
	buf = append(buf, delimiter)
	return buf
}

// EncodeTrigger produces the acquisition trigger frame for the given
// averaging count.
func EncodeTrigger(averageCount uint32) []byte {
	buf := make([]byte, 0, 8)
	buf = append(buf, 'm')
	buf = strconv.AppendUint(buf, uint64(averageCount), 10)
	buf = append(buf, delimiter)
	return buf
}

// EncodeVerify produces the register read-back frame.
func EncodeVerify(address uint16) []byte {
	buf := make([]byte, 0, 8)
	buf = append(buf, 'v')
	buf = strconv.AppendUint(buf, uint64(address), 10)
	buf = append(buf, delimiter)
	return buf
}

// trim strips the firmware's segment padding: CR, LF, NUL and spaces.
func trim(raw []byte) []byte {
	return bytes.Trim(raw, "\r\n\x00 ")
}

// DecodeAcquisitionFrame decodes the two response segments of an
// acquisition trigger.  echo and data must each be at least the layout's
// fixed width; the echoed averaging count must equal expectAverage.
func DecodeAcquisitionFrame(l FrameLayout, echo, data []byte, expectAverage uint32) (RawFrame, error) {
	var fr RawFrame
	if len(echo) < l.EchoLen {
		return fr, &MalformedFrameError{Reason: "short echo segment", Raw: echo}
	}
	if len(data) < l.DataLen {
		return fr, &MalformedFrameError{Reason: "short data segment", Raw: data}
	}
	got, err := parseEcho(echo)
	if err != nil {
		return fr, err
	}
	if got != expectAverage {
		return fr, &EchoMismatchError{Want: expectAverage, Got: got}
	}
	codes, err := parseCodes(data, l.Channels)
	if err != nil {
		return fr, err
	}
	fr.AverageCount = got
	fr.Codes = codes
	return fr, nil
}

// parseEcho extracts the averaging count from a confirmation segment
// looking like "m=  127\r\n".
func parseEcho(echo []byte) (uint32, error) {
	idx := bytes.IndexByte(echo, '=')
	if idx < 0 {
		return 0, &MalformedFrameError{Reason: "no '=' in echo segment", Raw: echo}
	}
	v, err := strconv.ParseUint(string(trim(echo[idx+1:])), 10, 32)
	if err != nil {
		return 0, &MalformedFrameError{Reason: "unparseable echo count", Raw: echo}
	}
	return uint32(v), nil
}

// parseCodes splits the data segment on whitespace and parses exactly
// channels signed decimal codes.
func parseCodes(data []byte, channels int) ([]int32, error) {
	fields := bytes.Fields(trim(data))
	if len(fields) != channels {
		return nil, &MalformedFrameError{
			Reason: fmt.Sprintf("expected %d code fields, found %d", channels, len(fields)),
			Raw:    data,
		}
	}
	codes := make([]int32, channels)
	for i, f := range fields {
		v, err := strconv.ParseInt(string(f), 10, 32)
		if err != nil {
			return nil, &MalformedFrameError{Reason: "unparseable code field", Raw: data}
		}
		codes[i] = int32(v)
	}
	return codes, nil
}

// DecodeVerifyFrame decodes a register read-back segment looking like
// "v=  12583\r\n" and returns the register value.
func DecodeVerifyFrame(l FrameLayout, raw []byte) (uint32, error) {
	if len(raw) < l.VerifyLen {
		return 0, &MalformedFrameError{Reason: "short verify segment", Raw: raw}
	}
	idx := bytes.IndexByte(raw, '=')
	if idx < 0 {
		return 0, &MalformedFrameError{Reason: "no '=' in verify segment", Raw: raw}
	}
	v, err := strconv.ParseUint(string(trim(raw[idx+1:])), 10, 32)
	if err != nil {
		return 0, &MalformedFrameError{Reason: "unparseable verify value", Raw: raw}
	}
	return uint32(v), nil
}
