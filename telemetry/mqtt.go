// Package telemetry publishes the live sample stream to an MQTT broker so
// other bench services (plotters, loggers) can follow an acquisition
// without touching the serial link.  It is optional; a bench with no
// broker configured simply never constructs a Publisher.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/efield-lab/goaefi/sample"
)

// Config holds the broker connection parameters.
type Config struct {
	// Broker is the broker URL, e.g. tcp://bench-pi:1883.  Empty disables
	// telemetry entirely.
	Broker   string `koanf:"broker" yaml:"broker"`
	ClientID string `koanf:"clientID" yaml:"clientID"`
	Username string `koanf:"username" yaml:"username"`
	Password string `koanf:"password" yaml:"password"`

	// Topic receives one JSON message per sample.
	Topic string `koanf:"topic" yaml:"topic"`

	// Decimate publishes only every Nth sample, 1 or 0 meaning every one.
	// Brokers on the bench LAN do not enjoy kilohertz message rates.
	Decimate int `koanf:"decimate" yaml:"decimate"`
}

// Publisher forwards samples from a subscription channel to the broker.
type Publisher struct {
	client   mqtt.Client
	topic    string
	decimate int
	log      *zap.Logger
}

// NewPublisher connects to the broker.  log may be nil.
func NewPublisher(cfg Config, log *zap.Logger) (*Publisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Topic == "" {
		cfg.Topic = "aefi/samples"
	}
	if cfg.Decimate < 1 {
		cfg.Decimate = 1
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("telemetry: connect to %s: %w", cfg.Broker, token.Error())
	}
	log.Info("mqtt telemetry connected",
		zap.String("broker", cfg.Broker), zap.String("topic", cfg.Topic))
	return &Publisher{
		client:   client,
		topic:    cfg.Topic,
		decimate: cfg.Decimate,
		log:      log,
	}, nil
}

// Run forwards samples until the context is cancelled or the channel
// closes.  Publish failures are logged and skipped; telemetry never gates
// acquisition.
func (p *Publisher) Run(ctx context.Context, samples <-chan sample.Sample) {
	var n int
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-samples:
			if !ok {
				return
			}
			n++
			if n%p.decimate != 0 {
				continue
			}
			payload, err := json.Marshal(s)
			if err != nil {
				p.log.Warn("telemetry marshal failed", zap.Error(err))
				continue
			}
			// QoS 0, telemetry is best-effort
			if token := p.client.Publish(p.topic, 0, false, payload); token.Wait() && token.Error() != nil {
				p.log.Warn("telemetry publish failed", zap.Error(token.Error()))
			}
		}
	}
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
