package mcu

import "fmt"

// Register addresses of the board's register file.  The AD9106 DDS block
// and the ADS131A04 clocking/gain block share one flat address space on the
// MCU; the numbering comes from the firmware's configuration table.
const (
	// ADS131A04 block
	AddrADCReference    uint16 = 11 // reference configuration bit field
	AddrADCClkinDivider uint16 = 13
	AddrADCClockControl uint16 = 14 // ICLK divider + oversampling, packed

	// AD9106 block
	AddrModeDDS34 uint16 = 38 // AC/DC modes for DDS3+DDS4, packed
	AddrModeDDS12 uint16 = 39 // AC/DC modes for DDS1+DDS2, packed
	AddrFreqMSB   uint16 = 62
	AddrFreqLSB   uint16 = 63
)

// Per-channel register maps.  DDS channels are 1..4; ADC gain registers are
// one per converter channel, shared by the two ADS131A04s.
var (
	AddrDDSGain   = map[int]uint16{1: 53, 2: 52, 3: 51, 4: 50}
	AddrDDSOffset = map[int]uint16{1: 37, 2: 36, 3: 35, 4: 34}
	AddrDDSPhase  = map[int]uint16{1: 67, 2: 66, 3: 65, 4: 64}
	AddrDDSConst  = map[int]uint16{1: 49, 2: 48, 3: 47, 4: 46}
	AddrADCGain   = map[int]uint16{1: 17, 2: 18, 3: 19, 4: 20}
)

// ddsModeValues gives the packed mode field contribution per DDS channel.
// Channels 1+2 share register 39 and channels 3+4 share register 38; the
// register value is the sum of both contributions.
var ddsModeValues = map[int]map[bool]uint32{
	1: {true: 49, false: 1},
	2: {true: 12544, false: 256},
	3: {true: 49, false: 1},
	4: {true: 12544, false: 256},
}

// refClockHz is the DDS core clock, from which output frequency words are
// derived.
const refClockHz = 16_000_000

// maxDDSGain is the largest accepted DDS gain register value.
const maxDDSGain = 16376

// FrequencyWord converts an output frequency in Hz to the 32-bit tuning
// word: round(hz * 2^32 / refClock).
func FrequencyWord(hz float64) (uint32, error) {
	if hz < 0 {
		return 0, fmt.Errorf("mcu: negative frequency %g", hz)
	}
	w := hz * float64(uint64(1)<<32) / refClockHz
	if w > float64(^uint32(0)) {
		return 0, fmt.Errorf("mcu: frequency %g Hz overflows the tuning word", hz)
	}
	return uint32(w + 0.5), nil
}

// SplitWord decomposes a 32-bit tuning word into the MSB and LSB register
// halves.
func SplitWord(w uint32) (msb, lsb uint16) {
	return uint16(w >> 16), uint16(w & 0xFFFF)
}

// FrequencyCommands returns the two register writes that program the DDS
// output frequency.  The MSB register is written first, matching the
// firmware's expectation.
func FrequencyCommands(hz float64) ([]RegisterCommand, error) {
	w, err := FrequencyWord(hz)
	if err != nil {
		return nil, err
	}
	msb, lsb := SplitWord(w)
	return []RegisterCommand{
		{Address: AddrFreqMSB, Value: uint32(msb)},
		{Address: AddrFreqLSB, Value: uint32(lsb)},
	}, nil
}

// DDSGainCommand returns the register write for one DDS channel gain.
func DDSGainCommand(channel int, gain uint16) (RegisterCommand, error) {
	addr, ok := AddrDDSGain[channel]
	if !ok {
		return RegisterCommand{}, fmt.Errorf("mcu: no such DDS channel %d", channel)
	}
	if uint32(gain) > maxDDSGain {
		return RegisterCommand{}, fmt.Errorf("mcu: DDS gain %d out of range [0, %d]", gain, maxDDSGain)
	}
	return RegisterCommand{Address: addr, Value: uint32(gain)}, nil
}

// DDSPhaseCommand returns the register write for one DDS channel phase.
// The full 16-bit range maps to 0..360 degrees.
func DDSPhaseCommand(channel int, phase uint16) (RegisterCommand, error) {
	addr, ok := AddrDDSPhase[channel]
	if !ok {
		return RegisterCommand{}, fmt.Errorf("mcu: no such DDS channel %d", channel)
	}
	return RegisterCommand{Address: addr, Value: uint32(phase)}, nil
}

// DDSModeCommand returns the mode register write for a DDS channel pair.
// pair is 1 for DDS1+DDS2, 3 for DDS3+DDS4; the two booleans select AC
// (true) or DC (false) for the lower and upper channel of the pair.  Both
// channels must be written together because they share a register.
func DDSModeCommand(pair int, lowerAC, upperAC bool) (RegisterCommand, error) {
	switch pair {
	case 1:
		return RegisterCommand{
			Address: AddrModeDDS12,
			Value:   ddsModeValues[1][lowerAC] + ddsModeValues[2][upperAC],
		}, nil
	case 3:
		return RegisterCommand{
			Address: AddrModeDDS34,
			Value:   ddsModeValues[3][lowerAC] + ddsModeValues[4][upperAC],
		}, nil
	}
	return RegisterCommand{}, fmt.Errorf("mcu: DDS mode pair must be 1 or 3, got %d", pair)
}

// adcGainCodes maps the ADS131A04 programmable gain to its register code.
var adcGainCodes = map[int]uint32{1: 0, 2: 1, 4: 2, 8: 3, 16: 4}

// ADCGainCommand returns the gain register write for one converter channel
// (1..4; the two ADCs share gain settings channel-for-channel).
func ADCGainCommand(channel, gain int) (RegisterCommand, error) {
	addr, ok := AddrADCGain[channel]
	if !ok {
		return RegisterCommand{}, fmt.Errorf("mcu: no such ADC gain channel %d", channel)
	}
	code, ok := adcGainCodes[gain]
	if !ok {
		return RegisterCommand{}, fmt.Errorf("mcu: ADC gain must be one of 1,2,4,8,16, got %d", gain)
	}
	return RegisterCommand{Address: addr, Value: code}, nil
}

// clkDividerCodes maps a CLKIN or ICLK divider ratio to its register code.
var clkDividerCodes = map[int]uint32{2: 1, 4: 2, 6: 3, 8: 4, 10: 5, 12: 6, 14: 7}

// oversamplingCodes maps an oversampling ratio to its register code.
var oversamplingCodes = map[int]uint32{
	4096: 0, 2048: 1, 1024: 2, 800: 3, 768: 4, 512: 5, 400: 6, 384: 7,
	256: 8, 200: 9, 192: 10, 128: 11, 96: 12, 64: 13, 48: 14, 32: 15,
}

// ClockControlCommand packs the ICLK divider and oversampling ratio into
// the shared clock control register: iclkCode*36 + osrCode.
func ClockControlCommand(iclkDivider, oversampling int) (RegisterCommand, error) {
	ic, ok := clkDividerCodes[iclkDivider]
	if !ok {
		return RegisterCommand{}, fmt.Errorf("mcu: invalid ICLK divider %d", iclkDivider)
	}
	osr, ok := oversamplingCodes[oversampling]
	if !ok {
		return RegisterCommand{}, fmt.Errorf("mcu: invalid oversampling ratio %d", oversampling)
	}
	return RegisterCommand{Address: AddrADCClockControl, Value: ic*36 + osr}, nil
}

// ClkinDividerCommand returns the CLKIN divider register write.
func ClkinDividerCommand(ratio int) (RegisterCommand, error) {
	code, ok := clkDividerCodes[ratio]
	if !ok {
		return RegisterCommand{}, fmt.Errorf("mcu: invalid CLKIN divider %d", ratio)
	}
	return RegisterCommand{Address: AddrADCClkinDivider, Value: code}, nil
}

// ReferenceCommand packs the ADC reference configuration bit field.
// refV4 selects the 4.0 V reference over 2.442 V; internal selects the
// on-chip reference over an external one.
func ReferenceCommand(negativeRef, highRes, refV4, internal bool) RegisterCommand {
	var v uint32
	if negativeRef {
		v += 128
	}
	if highRes {
		v += 64
	}
	if refV4 {
		v += 16
	}
	if internal {
		v += 8
	}
	return RegisterCommand{Address: AddrADCReference, Value: v}
}

// DefaultProgram is the power-up register program for the typical bench:
// AC excitation on all four DDS channels, unity ADC gains, 2 kHz output.
// The write order matters; the MCU applies clocking before waveform setup.
func DefaultProgram() []RegisterCommand {
	return []RegisterCommand{
		{AddrADCClkinDivider, 1},
		{AddrADCClockControl, 51}, // ICLK /2, oversampling 32
		{AddrADCGain[1], 0},
		{AddrADCGain[2], 0},
		{AddrADCGain[3], 0},
		{AddrADCGain[4], 0},
		{AddrFreqMSB, 8}, // 2 kHz with the LSB below
		{AddrFreqLSB, 12583},
		{AddrModeDDS34, 12593}, // AC+AC
		{AddrModeDDS12, 12593}, // AC+AC
		{AddrDDSOffset[4], 0},
		{AddrDDSOffset[3], 0},
		{AddrDDSOffset[2], 0},
		{AddrDDSOffset[1], 0},
		{AddrDDSConst[1], 0},
		{AddrDDSGain[1], 10000},
		{AddrDDSPhase[1], 0},
		{AddrDDSConst[2], 0},
		{AddrDDSGain[2], 10000},
		{AddrDDSPhase[2], 0},
		{AddrDDSConst[3], 0},
		{AddrDDSGain[3], 10000},
		{AddrDDSPhase[3], 16384},
		{AddrDDSConst[4], 0},
		{AddrDDSGain[4], 10000},
		{AddrDDSPhase[4], 0},
	}
}
