// Package ads131 converts raw ADS131A04 codes to physical quantities.
//
// The converters produce signed 24-bit codes; the full scale depends on the
// programmable gain in effect when the conversion was made.  Callers must
// pass the gain that was active at capture time, never the one currently
// selected elsewhere, or the result silently loses traceability.  The
// acquisition manager converts synchronously at capture for this reason.
package ads131

import (
	"errors"
	"fmt"
)

// DefaultVref is the internal 4.0 V reference.
const DefaultVref = 4.0

// fullScale is 2^24, the span of a 24-bit code.
const fullScale = 1 << 24

// codeMax and codeMin bound the representable signed 24-bit range.
const (
	codeMax = 1<<23 - 1
	codeMin = -(1 << 23)
)

// ErrCodeRange is returned for codes outside the signed 24-bit range.
// Out-of-range codes indicate a framing or firmware fault, so they error
// rather than saturate.
var ErrCodeRange = errors.New("ads131: code outside signed 24-bit range")

// Gain is an ADS131A04 programmable gain setting.
type Gain int

// The supported gain settings and their full-scale input ranges.
const (
	Gain1  Gain = 1  // ±4.0 V
	Gain2  Gain = 2  // ±2.0 V
	Gain4  Gain = 4  // ±1.0 V
	Gain8  Gain = 8  // ±0.5 V
	Gain16 Gain = 16 // ±0.25 V
)

// Valid reports whether g is one of the supported gain settings.
func (g Gain) Valid() bool {
	switch g {
	case Gain1, Gain2, Gain4, Gain8, Gain16:
		return true
	}
	return false
}

// Range returns the full-scale input range (min, max) in volts for the
// gain at the given reference voltage.
func (g Gain) Range(vref float64) (float64, float64) {
	span := vref / float64(g)
	return -span, span
}

// ToVoltage converts a raw signed 24-bit code to volts:
//
//	code * (2*vref / gain) / 2^24
func ToVoltage(code int32, g Gain, vref float64) (float64, error) {
	if !g.Valid() {
		return 0, fmt.Errorf("ads131: invalid gain %d", g)
	}
	if code > codeMax || code < codeMin {
		return 0, fmt.Errorf("%w: %d", ErrCodeRange, code)
	}
	return float64(code) * (2 * vref / float64(g)) / fullScale, nil
}

// ToField applies a field-strength calibration factor to a converted
// voltage, yielding V/m.  The factor comes from probe characterization.
func ToField(voltage, factor float64) float64 {
	return voltage * factor
}

// ConvertAll converts a full frame of codes with per-channel gains.  gains
// must have at least len(codes) entries.
func ConvertAll(codes []int32, gains []Gain, vref float64) ([]float64, error) {
	if len(gains) < len(codes) {
		return nil, fmt.Errorf("ads131: %d codes but only %d gains", len(codes), len(gains))
	}
	out := make([]float64, len(codes))
	for i, c := range codes {
		v, err := ToVoltage(c, gains[i], vref)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}
