package main

import (
	"time"

	"github.com/efield-lab/goaefi/acquire"
	"github.com/efield-lab/goaefi/mcu"
	"github.com/efield-lab/goaefi/telemetry"
)

// SerialSetup identifies the board's serial link.
type SerialSetup struct {
	// Port is the device path, e.g. /dev/ttyUSB0 or COM3.
	Port string `koanf:"port" yaml:"port"`
	Baud int    `koanf:"baud" yaml:"baud"`
}

// LoopSetup tunes the polling loop.
type LoopSetup struct {
	PollHz        float64 `koanf:"pollHz" yaml:"pollHz"`
	ReadTimeoutMs int     `koanf:"readTimeoutMs" yaml:"readTimeoutMs"`
	RetryBudget   int     `koanf:"retryBudget" yaml:"retryBudget"`
	TimeoutBudget int     `koanf:"timeoutBudget" yaml:"timeoutBudget"`
	RingDepth     int     `koanf:"ringDepth" yaml:"ringDepth"`
}

// Config is the full server configuration, loadable from aefisrv.yml.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `koanf:"addr" yaml:"addr"`

	// Sim replaces the hardware with the in-memory simulated board.
	Sim bool `koanf:"sim" yaml:"sim"`

	Serial SerialSetup `koanf:"serial" yaml:"serial"`
	Loop   LoopSetup   `koanf:"loop" yaml:"loop"`

	// Frame holds the response segment widths of the attached firmware.
	Frame mcu.FrameLayout `koanf:"frame" yaml:"frame"`

	// Acquisition is the initial hardware configuration.
	Acquisition acquire.Config `koanf:"acquisition" yaml:"acquisition"`

	// Telemetry configures the optional MQTT publisher; an empty broker
	// disables it.
	Telemetry telemetry.Config `koanf:"telemetry" yaml:"telemetry"`
}

// defaultConfig is what mkconf writes and what missing fields fall back
// to.
func defaultConfig() Config {
	return Config{
		Addr: ":8050",
		Serial: SerialSetup{
			Port: "/dev/ttyUSB0",
			Baud: 115200,
		},
		Loop: LoopSetup{
			PollHz:        50,
			ReadTimeoutMs: 500,
			RetryBudget:   3,
			TimeoutBudget: 5,
			RingDepth:     2048,
		},
		Frame:       mcu.DefaultLayout(),
		Acquisition: acquire.DefaultConfig(),
		Telemetry: telemetry.Config{
			ClientID: "aefisrv",
			Topic:    "aefi/samples",
			Decimate: 10,
		},
	}
}

func (c Config) readTimeout() time.Duration {
	return time.Duration(c.Loop.ReadTimeoutMs) * time.Millisecond
}
