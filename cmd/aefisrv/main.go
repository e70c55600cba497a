// Command aefisrv runs the electric-field acquisition bench server: it
// owns the serial link to the DDS/ADC board, runs the acquisition loop and
// exposes control, live data and export over HTTP.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/theckman/yacspin"
	"go.uber.org/zap"
	"goji.io"
	yml "gopkg.in/yaml.v2"

	"github.com/efield-lab/goaefi/acquire"
	"github.com/efield-lab/goaefi/comm"
	"github.com/efield-lab/goaefi/httpapi"
	"github.com/efield-lab/goaefi/mcu"
	"github.com/efield-lab/goaefi/telemetry"
)

var (
	// Version is typically injected via ldflags at build time.
	Version = "1"

	// ConfigFileName is what it sounds like.
	ConfigFileName = "aefisrv.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(defaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `aefisrv drives the electric-field acquisition bench over a serial link and
exposes an HTTP interface to it.  Clients control acquisition, tune the
DDS/ADC configuration live, follow samples over a websocket and stream
exports to disk.

Usage:
	aefisrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `aefisrv is configured via its .yml file; run "aefisrv mkconf" to write one
with the defaults, then edit it.  For a primer on YAML, see
https://yaml.org/start.html

Set sim: true to run against the in-memory simulated board, no hardware
needed.  Otherwise serial.port must name the board's USB-serial device.

Routes served (relative to the listen address):
	POST /start          launch acquisition
	POST /stop           stop acquisition and release the port
	GET  /config         live configuration
	POST /config         partial configuration update (JSON patch)
	POST /export/start   begin streaming samples to disk
	POST /export/stop    finalize the export, returns the summary
	GET  /status         mode, sequence index, export progress
	GET  /buffer         recent samples from the ring buffer
	GET  /live           websocket sample stream
	GET  /metrics        Prometheus metrics`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("aefisrv version %v\n", Version)
}

// bringup opens the channel and programs the board, narrating progress on
// a spinner so the operator can tell a slow USB enumeration from a hang.
func bringup(c Config, logger *zap.Logger) (*acquire.Manager, error) {
	spincfg := yacspin.Config{
		Frequency:     100 * time.Millisecond,
		CharSet:       yacspin.CharSets[59],
		Suffix:        " bench bring-up",
		StopCharacter: "✓",
		StopColors:    []string{"fgGreen"},
	}
	spinner, err := yacspin.New(spincfg)
	if err != nil {
		return nil, err
	}
	spinner.Start()
	defer spinner.Stop()

	var channel comm.Channel
	if c.Sim {
		spinner.Message("starting simulated board")
		channel = mcu.NewSim(c.Frame)
	} else {
		spinner.Message(fmt.Sprintf("opening %s @ %d baud", c.Serial.Port, c.Serial.Baud))
		channel, err = comm.OpenSerial(c.Serial.Port, c.Serial.Baud)
		if err != nil {
			return nil, err
		}
	}

	spinner.Message("programming registers")
	mgr := acquire.New(acquire.Options{
		Channel:       channel,
		Layout:        c.Frame,
		Logger:        logger,
		PollHz:        c.Loop.PollHz,
		ReadTimeout:   c.readTimeout(),
		RetryBudget:   c.Loop.RetryBudget,
		TimeoutBudget: c.Loop.TimeoutBudget,
		RingDepth:     c.Loop.RingDepth,
		Metrics:       acquire.NewMetrics(prometheus.DefaultRegisterer),
		Config:        &c.Acquisition,
	})
	if err := mgr.Start(); err != nil {
		channel.Close()
		return nil, err
	}
	spinner.StopMessage("bench ready")
	return mgr, nil
}

func run() {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	mgr, err := bringup(c, logger)
	if err != nil {
		logger.Fatal("bring-up failed", zap.Error(err))
	}

	if c.Telemetry.Broker != "" {
		pub, err := telemetry.NewPublisher(c.Telemetry, logger)
		if err != nil {
			logger.Warn("telemetry disabled", zap.Error(err))
		} else {
			samples, cancel := mgr.Subscribe(256)
			defer cancel()
			defer pub.Close()
			go pub.Run(context.Background(), samples)
		}
	}

	mux := goji.NewMux()
	httpapi.NewServer(mgr, logger).BindRoutes(mux)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutting down")
		if err := mgr.Stop(); err != nil {
			logger.Error("stop failed", zap.Error(err))
		}
		os.Exit(0)
	}()

	logger.Info("listening", zap.String("addr", c.Addr))
	logger.Fatal("http server exited", zap.Error(http.ListenAndServe(c.Addr, mux)))
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd := strings.ToLower(args[1])
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
