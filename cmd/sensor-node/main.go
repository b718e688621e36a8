package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/terrasense/terrasense-node/internal/backoff"
	"github.com/terrasense/terrasense-node/internal/config"
	"github.com/terrasense/terrasense-node/internal/node"
	"github.com/terrasense/terrasense-node/internal/power"
	"github.com/terrasense/terrasense-node/internal/radio"
	"github.com/terrasense/terrasense-node/internal/radio/rn2483"
	"github.com/terrasense/terrasense-node/internal/sensors"
	"github.com/terrasense/terrasense-node/internal/session"
	"github.com/terrasense/terrasense-node/internal/storage"
	"github.com/terrasense/terrasense-node/internal/telemetry"
)

func main() {
	var configPath = flag.String("config", "config/sensor-node.yml", "path to the configuration file")
	var validateOnly = flag.Bool("validate", false, "validate the configuration and exit")
	var showConfig = flag.Bool("show-config", false, "print the effective configuration and exit")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	if *showConfig {
		out, _ := yaml.Marshal(cfg)
		fmt.Print(string(out))
		return
	}
	if *validateOnly {
		fmt.Println("configuration ok")
		return
	}

	log.Info().
		Str("config_path", *configPath).
		Str("dev_eui", cfg.Device.DevEUI).
		Dur("interval", cfg.Sampling.Interval).
		Msg("sensor node starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv := openStorage(cfg)
	defer kv.Close()
	sessions := session.NewStore(kv)

	modem, err := rn2483.Dial(rn2483.Config{
		Address:        cfg.Radio.SerialPort,
		BaudRate:       cfg.Radio.BaudRate,
		CommandTimeout: cfg.Radio.CommandTimeout,
		JoinTimeout:    cfg.Radio.JoinTimeout,
		TxTimeout:      cfg.Radio.AckTimeout * 2,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open modem")
	}
	defer modem.Close()

	devEUI, joinEUI, appKey, err := cfg.Credentials()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid device credentials")
	}

	policy := backoff.Policy{
		Base:       cfg.Backoff.Base,
		Multiplier: cfg.Backoff.Multiplier,
		Cap:        cfg.Backoff.Cap,
		Jitter:     cfg.Backoff.Jitter,
	}
	clock := clockwork.NewRealClock()

	controller := radio.NewController(modem, sessions, radio.Config{
		Credentials:  radio.Credentials{DevEUI: devEUI, JoinEUI: joinEUI, AppKey: appKey},
		Confirmed:    cfg.Radio.Confirmed,
		AckTimeout:   cfg.Radio.AckTimeout,
		JoinAttempts: cfg.Radio.JoinAttempts,
		Port:         uint8(cfg.Radio.Port),
		Backoff:      policy,
	}, clock)

	if err := controller.Restore(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to restore session")
	}

	manager := buildSensors(ctx, cfg, clock)

	dropPriority := make([]sensors.Kind, 0, len(cfg.Payload.DropPriority))
	for _, name := range cfg.Payload.DropPriority {
		kind, err := sensors.ParseKind(name)
		if err != nil {
			log.Fatal().Err(err).Str("channel", name).Msg("unknown channel in payload.drop_priority")
		}
		dropPriority = append(dropPriority, kind)
	}
	encoder := &telemetry.Encoder{MaxSize: cfg.Payload.MaxSize, DropPriority: dropPriority}

	pm := power.NewManager(cfg.Sampling.Interval, policy, controller, clock)
	orch := node.New(manager, encoder, controller, pm, cfg.Sampling.CycleTimeout)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("node stopped")
	}
	log.Info().Msg("sensor node stopped")
}

// openStorage opens the session log, reformatting it when the on-disk
// state is unreadable. Losing the session costs one rejoin; refusing to
// start would take the node offline for good.
func openStorage(cfg *config.Config) storage.Store {
	kv, err := storage.Open(cfg.Storage.Path, cfg.Storage.MaxSize)
	if errors.Is(err, storage.ErrCorrupt) {
		log.Warn().Err(err).Str("path", cfg.Storage.Path).Msg("session log unreadable, reformatting")
		if err := storage.Format(cfg.Storage.Path); err != nil {
			log.Fatal().Err(err).Msg("failed to format session log")
		}
		kv, err = storage.Open(cfg.Storage.Path, cfg.Storage.MaxSize)
	}
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Storage.Path).Msg("failed to open session log")
	}
	return kv
}

// buildSensors probes the configured buses and returns a manager over
// every sensor that answered. An absent sensor is logged and skipped;
// the node keeps reporting the channels it still has.
func buildSensors(ctx context.Context, cfg *config.Config, clock clockwork.Clock) *sensors.Manager {
	var list []sensors.Sensor

	if _, err := host.Init(); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize host drivers")
	}
	bus, err := i2creg.Open(cfg.Sampling.I2CBus)
	if err != nil {
		log.Error().Err(err).Str("bus", cfg.Sampling.I2CBus).Msg("failed to open i2c bus, continuing without i2c sensors")
	} else {
		probeCtx, cancel := context.WithTimeout(ctx, cfg.Sampling.SensorTimeout)
		defer cancel()

		air := sensors.NewAirSensor(bus, clock)
		if err := air.Detect(probeCtx); err != nil {
			log.Warn().Err(err).Msg("air sensor not detected")
		} else {
			list = append(list, air)
		}

		soil := sensors.NewSoilSensor(bus, clock)
		if err := soil.Detect(probeCtx); err != nil {
			log.Warn().Err(err).Msg("soil sensor not detected")
		} else {
			list = append(list, soil)
		}
	}

	if cfg.Sampling.BatteryRawPath != "" {
		reader := &sensors.IIOVoltageReader{
			RawPath: cfg.Sampling.BatteryRawPath,
			Scale:   cfg.Sampling.BatteryScale,
		}
		list = append(list, sensors.NewSystemSensor(reader))
	}

	if len(list) == 0 {
		log.Warn().Msg("no sensors detected, cycles will produce no readings")
	}

	enabled := make(map[sensors.Kind]bool)
	for _, name := range cfg.Sampling.Channels {
		kind, err := sensors.ParseKind(name)
		if err != nil {
			log.Fatal().Err(err).Str("channel", name).Msg("unknown channel in sampling.channels")
		}
		enabled[kind] = true
	}
	if len(enabled) == 0 {
		enabled = nil
	}

	return sensors.NewManager(list, cfg.Sampling.SensorTimeout, enabled)
}
