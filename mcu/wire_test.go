package mcu

import (
	"errors"
	"testing"
	"time"
)

func TestEncodeWrite(t *testing.T) {
	got := string(EncodeWrite(RegisterCommand{Address: 62, Value: 12583}))
	want := "a62*d12583*"
	if got != want {
		t.Errorf("EncodeWrite produced %q, want %q", got, want)
	}
}

func TestEncodeTrigger(t *testing.T) {
	got := string(EncodeTrigger(127))
	if got != "m127*" {
		t.Errorf("EncodeTrigger produced %q, want m127*", got)
	}
}

func TestEncodeVerify(t *testing.T) {
	got := string(EncodeVerify(14))
	if got != "v14*" {
		t.Errorf("EncodeVerify produced %q, want v14*", got)
	}
}

// writes should round-trip through the simulated board's register file
func TestWriteRoundTrip(t *testing.T) {
	s := NewSim(DefaultLayout())
	cmd := RegisterCommand{Address: 53, Value: 10000}
	if err := s.Write(EncodeWrite(cmd)); err != nil {
		t.Fatal(err)
	}
	if got := s.Register(53); got != 10000 {
		t.Errorf("register 53 holds %d after write, want 10000", got)
	}

	if err := s.Write(EncodeVerify(53)); err != nil {
		t.Fatal(err)
	}
	raw, err := s.ReadExact(DefaultLayout().VerifyLen, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	v, err := DecodeVerifyFrame(DefaultLayout(), raw)
	if err != nil {
		t.Fatal(err)
	}
	if v != 10000 {
		t.Errorf("verify read back %d, want 10000", v)
	}
}

func TestDecodeAcquisitionFrame(t *testing.T) {
	l := DefaultLayout()
	s := NewSim(l)
	if err := s.Write(EncodeTrigger(127)); err != nil {
		t.Fatal(err)
	}
	echo, err := s.ReadExact(l.EchoLen, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	data, err := s.ReadExact(l.DataLen, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	fr, err := DecodeAcquisitionFrame(l, echo, data, 127)
	if err != nil {
		t.Fatal(err)
	}
	if fr.AverageCount != 127 {
		t.Errorf("echoed average %d, want 127", fr.AverageCount)
	}
	if len(fr.Codes) != l.Channels {
		t.Fatalf("got %d codes, want %d", len(fr.Codes), l.Channels)
	}
	// the default code function is a per-channel ramp
	for ch, code := range fr.Codes {
		want := int32(1000*(ch+1) + 1)
		if code != want {
			t.Errorf("channel %d code %d, want %d", ch+1, code, want)
		}
	}
}

func TestDecodeEchoMismatch(t *testing.T) {
	l := DefaultLayout()
	s := NewSim(l)
	wrong := uint32(64)
	s.EchoAverage = &wrong
	s.Write(EncodeTrigger(127))
	echo, _ := s.ReadExact(l.EchoLen, time.Second)
	data, _ := s.ReadExact(l.DataLen, time.Second)

	_, err := DecodeAcquisitionFrame(l, echo, data, 127)
	var mismatch *EchoMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("got error %v, want EchoMismatchError", err)
	}
	if mismatch.Want != 127 || mismatch.Got != 64 {
		t.Errorf("mismatch reported want=%d got=%d", mismatch.Want, mismatch.Got)
	}
}

func TestDecodeShortSegments(t *testing.T) {
	l := DefaultLayout()
	_, err := DecodeAcquisitionFrame(l, []byte("m= 127\r"), make([]byte, l.DataLen), 127)
	var malformed *MalformedFrameError
	if !errors.As(err, &malformed) {
		t.Errorf("short echo: got %v, want MalformedFrameError", err)
	}
	_, err = DecodeAcquisitionFrame(l, []byte("m=   127\r\n"), make([]byte, 10), 127)
	if !errors.As(err, &malformed) {
		t.Errorf("short data: got %v, want MalformedFrameError", err)
	}
}

func TestDecodeGarbageData(t *testing.T) {
	l := DefaultLayout()
	echo := []byte("m=   127\r\n")
	data := make([]byte, l.DataLen)
	copy(data, "not\tnumbers\tat\tall")
	var malformed *MalformedFrameError
	if _, err := DecodeAcquisitionFrame(l, echo, data, 127); !errors.As(err, &malformed) {
		t.Errorf("got %v, want MalformedFrameError", err)
	}
}
