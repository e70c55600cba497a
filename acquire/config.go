package acquire

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"gopkg.in/yaml.v2"

	"github.com/efield-lab/goaefi/ads131"
	"github.com/efield-lab/goaefi/mcu"
)

// maxAverageCount keeps the trigger echo inside its fixed segment width.
const maxAverageCount = 99999

// Config is the full set of tunable hardware parameters.  Two instances
// exist conceptually at runtime: the live one, mutated only through the
// manager's reconfiguration protocol, and a frozen snapshot taken when an
// export begins.
type Config struct {
	// FrequencyHz is the DDS output frequency for all four channels.
	FrequencyHz float64 `koanf:"frequencyHz" yaml:"frequencyHz"`

	// DDSGain and DDSPhase are the per-DDS-channel amplitude and phase
	// register values, channels 1..4 at indices 0..3.
	DDSGain  [4]uint16 `koanf:"ddsGain" yaml:"ddsGain"`
	DDSPhase [4]uint16 `koanf:"ddsPhase" yaml:"ddsPhase"`

	// DDSModeAC selects AC excitation (true) or DC (false) per channel.
	DDSModeAC [4]bool `koanf:"ddsModeAC" yaml:"ddsModeAC"`

	// ADCGain is the programmable gain per converter channel pair; the
	// two ADS131A04s share settings channel-for-channel.
	ADCGain [4]ads131.Gain `koanf:"adcGain" yaml:"adcGain"`

	// ClkinDivider and ICLKDivider set the converter clock tree;
	// Oversampling is the modulator OSR.
	ClkinDivider int `koanf:"clkinDivider" yaml:"clkinDivider"`
	ICLKDivider  int `koanf:"iclkDivider" yaml:"iclkDivider"`
	Oversampling int `koanf:"oversampling" yaml:"oversampling"`

	// AverageCount is the number of conversions averaged per trigger.
	AverageCount uint32 `koanf:"averageCount" yaml:"averageCount"`

	// Vref is the ADC reference voltage used for code conversion.
	Vref float64 `koanf:"vref" yaml:"vref"`

	// FieldFactor is the probe calibration factor converting volts to
	// field strength, V/m per V.
	FieldFactor float64 `koanf:"fieldFactor" yaml:"fieldFactor"`
}

// DefaultConfig mirrors the board's power-up register program.
func DefaultConfig() Config {
	return Config{
		FrequencyHz:  2000,
		DDSGain:      [4]uint16{10000, 10000, 10000, 10000},
		DDSPhase:     [4]uint16{0, 0, 16384, 0},
		DDSModeAC:    [4]bool{true, true, true, true},
		ADCGain:      [4]ads131.Gain{ads131.Gain1, ads131.Gain1, ads131.Gain1, ads131.Gain1},
		ClkinDivider: 2,
		ICLKDivider:  2,
		Oversampling: 32,
		AverageCount: 127,
		Vref:         ads131.DefaultVref,
		FieldFactor:  1,
	}
}

// Validate checks every field against the hardware's accepted ranges.  A
// config that validates always yields a command program without error.
func (c Config) Validate() error {
	if _, err := mcu.FrequencyWord(c.FrequencyHz); err != nil {
		return err
	}
	for i, g := range c.ADCGain {
		if !g.Valid() {
			return fmt.Errorf("acquire: ADC channel %d gain %d is not one of 1,2,4,8,16", i+1, g)
		}
	}
	for i, g := range c.DDSGain {
		if _, err := mcu.DDSGainCommand(i+1, g); err != nil {
			return err
		}
	}
	if _, err := mcu.ClkinDividerCommand(c.ClkinDivider); err != nil {
		return err
	}
	if _, err := mcu.ClockControlCommand(c.ICLKDivider, c.Oversampling); err != nil {
		return err
	}
	if c.AverageCount < 1 || c.AverageCount > maxAverageCount {
		return fmt.Errorf("acquire: average count %d outside [1, %d]", c.AverageCount, maxAverageCount)
	}
	if c.Vref <= 0 {
		return fmt.Errorf("acquire: reference voltage %g must be positive", c.Vref)
	}
	if c.FieldFactor <= 0 {
		return fmt.Errorf("acquire: field factor %g must be positive", c.FieldFactor)
	}
	return nil
}

// Hash returns a content digest of the configuration, used to tie exported
// files back to the exact settings that produced them.  The canonical form
// is the YAML encoding, which is stable for a struct with ordered fields.
func (c Config) Hash() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		// a plain value struct cannot fail to marshal
		panic(err)
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Commands returns the full register program realizing the configuration,
// in hardware apply order: clock tree first, then waveform setup.
func (c Config) Commands() ([]mcu.RegisterCommand, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cmds := make([]mcu.RegisterCommand, 0, 20)

	clkin, err := mcu.ClkinDividerCommand(c.ClkinDivider)
	if err != nil {
		return nil, err
	}
	clk, err := mcu.ClockControlCommand(c.ICLKDivider, c.Oversampling)
	if err != nil {
		return nil, err
	}
	cmds = append(cmds, clkin, clk)

	for i, g := range c.ADCGain {
		cmd, err := mcu.ADCGainCommand(i+1, int(g))
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}

	freq, err := mcu.FrequencyCommands(c.FrequencyHz)
	if err != nil {
		return nil, err
	}
	cmds = append(cmds, freq...)

	m12, err := mcu.DDSModeCommand(1, c.DDSModeAC[0], c.DDSModeAC[1])
	if err != nil {
		return nil, err
	}
	m34, err := mcu.DDSModeCommand(3, c.DDSModeAC[2], c.DDSModeAC[3])
	if err != nil {
		return nil, err
	}
	cmds = append(cmds, m34, m12)

	for i := 0; i < 4; i++ {
		g, err := mcu.DDSGainCommand(i+1, c.DDSGain[i])
		if err != nil {
			return nil, err
		}
		p, err := mcu.DDSPhaseCommand(i+1, c.DDSPhase[i])
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, g, p)
	}
	return cmds, nil
}

// Delta returns only the register writes needed to move the hardware from
// prev to c, preserving the apply order of Commands.  Registers whose
// values are unchanged are skipped, which keeps the pause window short.
func (c Config) Delta(prev Config) ([]mcu.RegisterCommand, error) {
	next, err := c.Commands()
	if err != nil {
		return nil, err
	}
	old, err := prev.Commands()
	if err != nil {
		return nil, err
	}
	was := make(map[uint16]uint32, len(old))
	for _, cmd := range old {
		was[cmd.Address] = cmd.Value
	}
	var out []mcu.RegisterCommand
	for _, cmd := range next {
		if v, ok := was[cmd.Address]; !ok || v != cmd.Value {
			out = append(out, cmd)
		}
	}
	return out, nil
}

// Patch is a partial configuration update.  Nil fields and absent map keys
// leave the corresponding live value untouched.  DDS and ADC maps are
// keyed by channel number 1..4.
type Patch struct {
	FrequencyHz  *float64        `json:"frequencyHz,omitempty"`
	DDSGain      map[int]uint16  `json:"ddsGain,omitempty"`
	DDSPhase     map[int]uint16  `json:"ddsPhase,omitempty"`
	DDSModeAC    map[int]bool    `json:"ddsModeAC,omitempty"`
	ADCGain      map[int]int     `json:"adcGain,omitempty"`
	ClkinDivider *int            `json:"clkinDivider,omitempty"`
	ICLKDivider  *int            `json:"iclkDivider,omitempty"`
	Oversampling *int            `json:"oversampling,omitempty"`
	AverageCount *uint32         `json:"averageCount,omitempty"`
	FieldFactor  *float64        `json:"fieldFactor,omitempty"`
}

// Apply overlays the patch on base and validates the result.
func (p Patch) Apply(base Config) (Config, error) {
	c := base
	if p.FrequencyHz != nil {
		c.FrequencyHz = *p.FrequencyHz
	}
	for ch, v := range p.DDSGain {
		if ch < 1 || ch > 4 {
			return base, fmt.Errorf("acquire: no such DDS channel %d", ch)
		}
		c.DDSGain[ch-1] = v
	}
	for ch, v := range p.DDSPhase {
		if ch < 1 || ch > 4 {
			return base, fmt.Errorf("acquire: no such DDS channel %d", ch)
		}
		c.DDSPhase[ch-1] = v
	}
	for ch, v := range p.DDSModeAC {
		if ch < 1 || ch > 4 {
			return base, fmt.Errorf("acquire: no such DDS channel %d", ch)
		}
		c.DDSModeAC[ch-1] = v
	}
	for ch, v := range p.ADCGain {
		if ch < 1 || ch > 4 {
			return base, fmt.Errorf("acquire: no such ADC channel %d", ch)
		}
		c.ADCGain[ch-1] = ads131.Gain(v)
	}
	if p.ClkinDivider != nil {
		c.ClkinDivider = *p.ClkinDivider
	}
	if p.ICLKDivider != nil {
		c.ICLKDivider = *p.ICLKDivider
	}
	if p.Oversampling != nil {
		c.Oversampling = *p.Oversampling
	}
	if p.AverageCount != nil {
		c.AverageCount = *p.AverageCount
	}
	if p.FieldFactor != nil {
		c.FieldFactor = *p.FieldFactor
	}
	if err := c.Validate(); err != nil {
		return base, err
	}
	return c, nil
}

// Meta renders the configuration as flat key/value pairs for export file
// headers.
func (c Config) Meta() map[string]string {
	m := map[string]string{
		"frequency_hz":  fmt.Sprintf("%g", c.FrequencyHz),
		"clkin_divider": fmt.Sprintf("%d", c.ClkinDivider),
		"iclk_divider":  fmt.Sprintf("%d", c.ICLKDivider),
		"oversampling":  fmt.Sprintf("%d", c.Oversampling),
		"average_count": fmt.Sprintf("%d", c.AverageCount),
		"vref_v":        fmt.Sprintf("%g", c.Vref),
		"field_factor":  fmt.Sprintf("%g", c.FieldFactor),
		"config_hash":   c.Hash(),
	}
	for i := 0; i < 4; i++ {
		m[fmt.Sprintf("dds%d_gain", i+1)] = fmt.Sprintf("%d", c.DDSGain[i])
		m[fmt.Sprintf("dds%d_phase", i+1)] = fmt.Sprintf("%d", c.DDSPhase[i])
		m[fmt.Sprintf("dds%d_ac", i+1)] = fmt.Sprintf("%t", c.DDSModeAC[i])
		m[fmt.Sprintf("adc%d_gain", i+1)] = fmt.Sprintf("%d", c.ADCGain[i])
	}
	return m
}

// GainTable expands the per-pair ADC gains to one gain per data channel.
// The frame carries channels in converter order, two channels per gain
// register.
func (c Config) GainTable(channels int) []ads131.Gain {
	out := make([]ads131.Gain, channels)
	for i := range out {
		out[i] = c.ADCGain[(i/2)%4]
	}
	return out
}
