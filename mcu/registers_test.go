package mcu

import "testing"

func TestFrequencyWord(t *testing.T) {
	// 2 kHz is the bench default; the split halves must match the
	// power-up program
	w, err := FrequencyWord(2000)
	if err != nil {
		t.Fatal(err)
	}
	if w != 536871 {
		t.Errorf("FrequencyWord(2000) = %d, want 536871", w)
	}
	msb, lsb := SplitWord(w)
	if msb != 8 || lsb != 12583 {
		t.Errorf("SplitWord(%d) = (%d, %d), want (8, 12583)", w, msb, lsb)
	}
}

func TestFrequencyWordRejectsNegative(t *testing.T) {
	if _, err := FrequencyWord(-1); err == nil {
		t.Error("negative frequency accepted")
	}
}

func TestFrequencyCommandsOrder(t *testing.T) {
	cmds, err := FrequencyCommands(2000)
	if err != nil {
		t.Fatal(err)
	}
	if len(cmds) != 2 {
		t.Fatalf("got %d commands, want 2", len(cmds))
	}
	if cmds[0].Address != AddrFreqMSB || cmds[1].Address != AddrFreqLSB {
		t.Error("MSB register must be written before LSB")
	}
}

func TestClockControlCommand(t *testing.T) {
	cmd, err := ClockControlCommand(2, 32)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Value != 51 {
		t.Errorf("ICLK /2 with OSR 32 packs to %d, want 51", cmd.Value)
	}
	if _, err := ClockControlCommand(3, 32); err == nil {
		t.Error("odd ICLK divider accepted")
	}
	if _, err := ClockControlCommand(2, 100); err == nil {
		t.Error("unsupported oversampling ratio accepted")
	}
}

func TestReferenceCommand(t *testing.T) {
	cmd := ReferenceCommand(false, true, true, true)
	if cmd.Value != 88 {
		t.Errorf("reference field packs to %d, want 88", cmd.Value)
	}
	if cmd.Address != AddrADCReference {
		t.Errorf("reference command targets register %d, want %d", cmd.Address, AddrADCReference)
	}
}

func TestDDSModeCommand(t *testing.T) {
	cmd, err := DDSModeCommand(1, true, true)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Address != AddrModeDDS12 || cmd.Value != 12593 {
		t.Errorf("AC+AC mode = {%d, %d}, want {%d, 12593}", cmd.Address, cmd.Value, AddrModeDDS12)
	}
	cmd, err = DDSModeCommand(3, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Address != AddrModeDDS34 || cmd.Value != 257 {
		t.Errorf("DC+DC mode = {%d, %d}, want {%d, 257}", cmd.Address, cmd.Value, AddrModeDDS34)
	}
	if _, err := DDSModeCommand(2, true, true); err == nil {
		t.Error("mode pair 2 accepted; only 1 and 3 exist")
	}
}

func TestADCGainCommand(t *testing.T) {
	for gain, code := range map[int]uint32{1: 0, 2: 1, 4: 2, 8: 3, 16: 4} {
		cmd, err := ADCGainCommand(1, gain)
		if err != nil {
			t.Fatal(err)
		}
		if cmd.Value != code {
			t.Errorf("gain %d encodes to %d, want %d", gain, cmd.Value, code)
		}
	}
	if _, err := ADCGainCommand(1, 3); err == nil {
		t.Error("gain 3 accepted")
	}
	if _, err := ADCGainCommand(5, 1); err == nil {
		t.Error("channel 5 accepted")
	}
}

func TestDDSGainCommandRange(t *testing.T) {
	if _, err := DDSGainCommand(1, 16376); err != nil {
		t.Errorf("max gain rejected: %v", err)
	}
	if _, err := DDSGainCommand(1, 16377); err == nil {
		t.Error("over-range gain accepted")
	}
}

func TestDefaultProgramConsistency(t *testing.T) {
	// the hard-coded power-up values must agree with the encoders
	prog := DefaultProgram()
	vals := make(map[uint16]uint32, len(prog))
	for _, cmd := range prog {
		vals[cmd.Address] = cmd.Value
	}

	freq, err := FrequencyCommands(2000)
	if err != nil {
		t.Fatal(err)
	}
	for _, cmd := range freq {
		if vals[cmd.Address] != cmd.Value {
			t.Errorf("register %d: program has %d, encoder says %d", cmd.Address, vals[cmd.Address], cmd.Value)
		}
	}
	clk, err := ClockControlCommand(2, 32)
	if err != nil {
		t.Fatal(err)
	}
	if vals[clk.Address] != clk.Value {
		t.Errorf("clock control: program has %d, encoder says %d", vals[clk.Address], clk.Value)
	}
}
