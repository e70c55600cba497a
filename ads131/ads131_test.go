package ads131

import (
	"errors"
	"math"
	"testing"
)

func TestToVoltageUnityGain(t *testing.T) {
	// one LSB at gain 1 with the 4 V reference
	v, err := ToVoltage(1, Gain1, DefaultVref)
	if err != nil {
		t.Fatal(err)
	}
	want := 4.76837158203125e-07
	if math.Abs(v-want) > 1e-20 {
		t.Errorf("one LSB = %g V, want %g", v, want)
	}
}

func TestToVoltageFullScale(t *testing.T) {
	v, err := ToVoltage(1<<23-1, Gain1, DefaultVref)
	if err != nil {
		t.Fatal(err)
	}
	if v >= 4.0 || v < 3.999 {
		t.Errorf("positive full scale = %g V, want just under 4", v)
	}
	v, err = ToVoltage(-(1 << 23), Gain1, DefaultVref)
	if err != nil {
		t.Fatal(err)
	}
	if v != -4.0 {
		t.Errorf("negative full scale = %g V, want -4", v)
	}
}

func TestToVoltageGainScales(t *testing.T) {
	base, _ := ToVoltage(1000, Gain1, DefaultVref)
	for _, g := range []Gain{Gain2, Gain4, Gain8, Gain16} {
		v, err := ToVoltage(1000, g, DefaultVref)
		if err != nil {
			t.Fatal(err)
		}
		want := base / float64(g)
		if math.Abs(v-want) > 1e-18 {
			t.Errorf("gain %d: %g V, want %g", g, v, want)
		}
	}
}

func TestToVoltageCodeRange(t *testing.T) {
	if _, err := ToVoltage(1<<23, Gain1, DefaultVref); !errors.Is(err, ErrCodeRange) {
		t.Errorf("code 2^23: got %v, want ErrCodeRange", err)
	}
	if _, err := ToVoltage(-(1<<23)-1, Gain1, DefaultVref); !errors.Is(err, ErrCodeRange) {
		t.Errorf("code -2^23-1: got %v, want ErrCodeRange", err)
	}
}

func TestToVoltageInvalidGain(t *testing.T) {
	if _, err := ToVoltage(0, Gain(3), DefaultVref); err == nil {
		t.Error("gain 3 accepted")
	}
}

func TestGainRange(t *testing.T) {
	lo, hi := Gain16.Range(DefaultVref)
	if lo != -0.25 || hi != 0.25 {
		t.Errorf("gain 16 range = (%g, %g), want (-0.25, 0.25)", lo, hi)
	}
}

func TestConvertAll(t *testing.T) {
	codes := []int32{100, 200, 300}
	gains := []Gain{Gain1, Gain2, Gain4}
	out, err := ConvertAll(codes, gains, DefaultVref)
	if err != nil {
		t.Fatal(err)
	}
	for i := range codes {
		want, _ := ToVoltage(codes[i], gains[i], DefaultVref)
		if out[i] != want {
			t.Errorf("channel %d: %g, want %g", i+1, out[i], want)
		}
	}
	if _, err := ConvertAll(codes, gains[:2], DefaultVref); err == nil {
		t.Error("short gain table accepted")
	}
}

func TestToField(t *testing.T) {
	if got := ToField(2.0, 50.0); got != 100.0 {
		t.Errorf("ToField(2, 50) = %g, want 100", got)
	}
}
