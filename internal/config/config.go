// Package config loads the node configuration from a YAML file with
// environment variable overrides on top.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrasense/terrasense-node/pkg/lorawan"
)

// Config is the full node configuration.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Sampling SamplingConfig `yaml:"sampling"`
	Payload  PayloadConfig  `yaml:"payload"`
	Radio    RadioConfig    `yaml:"radio"`
	Backoff  BackoffConfig  `yaml:"backoff"`
	Storage  StorageConfig  `yaml:"storage"`
	Log      LogConfig      `yaml:"log"`
}

// DeviceConfig holds the LoRaWAN device identity.
type DeviceConfig struct {
	DevEUI  string `yaml:"dev_eui"`
	JoinEUI string `yaml:"join_eui"`
	AppKey  string `yaml:"app_key"`
}

// SamplingConfig controls the measurement cycle.
type SamplingConfig struct {
	// Interval between wake cycles.
	Interval time.Duration `yaml:"interval"`
	// SensorTimeout bounds one sensor's Sample call.
	SensorTimeout time.Duration `yaml:"sensor_timeout"`
	// CycleTimeout bounds a whole wake cycle.
	CycleTimeout time.Duration `yaml:"cycle_timeout"`
	// Channels lists the enabled measurement channels; empty means all.
	Channels []string `yaml:"channels"`
	// BatteryRawPath and BatteryScale locate the battery ADC in sysfs.
	BatteryRawPath string  `yaml:"battery_raw_path"`
	BatteryScale   float64 `yaml:"battery_scale"`
	// I2CBus names the bus the sensors sit on; empty selects the first.
	I2CBus string `yaml:"i2c_bus"`
}

// PayloadConfig controls uplink encoding.
type PayloadConfig struct {
	// MaxSize is the uplink payload budget in bytes.
	MaxSize int `yaml:"max_size"`
	// DropPriority lists channels to shed first when the payload
	// overflows, most expendable first.
	DropPriority []string `yaml:"drop_priority"`
}

// RadioConfig controls the LoRaWAN link.
type RadioConfig struct {
	SerialPort     string        `yaml:"serial_port"`
	BaudRate       int           `yaml:"baud_rate"`
	Confirmed      bool          `yaml:"confirmed"`
	AckTimeout     time.Duration `yaml:"ack_timeout"`
	JoinAttempts   int           `yaml:"join_attempts"`
	Port           int           `yaml:"port"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	JoinTimeout    time.Duration `yaml:"join_timeout"`
}

// BackoffConfig tunes the shared retry policy.
type BackoffConfig struct {
	Base       time.Duration `yaml:"base"`
	Multiplier float64       `yaml:"multiplier"`
	Cap        time.Duration `yaml:"cap"`
	Jitter     float64       `yaml:"jitter"`
}

// StorageConfig locates the session log.
type StorageConfig struct {
	Path    string `yaml:"path"`
	MaxSize int64  `yaml:"max_size"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the configuration file, applies environment overrides and
// defaults, and validates the result.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("NODE_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("NODE_SERIAL_PORT"); v != "" {
		c.Radio.SerialPort = v
	}
	if v := os.Getenv("NODE_DEV_EUI"); v != "" {
		c.Device.DevEUI = v
	}
	if v := os.Getenv("NODE_JOIN_EUI"); v != "" {
		c.Device.JoinEUI = v
	}
	if v := os.Getenv("NODE_APP_KEY"); v != "" {
		c.Device.AppKey = v
	}
}

// applyDefaults fills in unset fields.
func (c *Config) applyDefaults() {
	if c.Sampling.Interval == 0 {
		c.Sampling.Interval = 5 * time.Minute
	}
	if c.Sampling.SensorTimeout == 0 {
		c.Sampling.SensorTimeout = 15 * time.Second
	}
	if c.Sampling.CycleTimeout == 0 {
		c.Sampling.CycleTimeout = 2 * time.Minute
	}
	if c.Sampling.BatteryScale == 0 {
		c.Sampling.BatteryScale = 0.0016113281
	}

	if c.Payload.MaxSize == 0 {
		c.Payload.MaxSize = 51
	}
	if len(c.Payload.DropPriority) == 0 {
		c.Payload.DropPriority = []string{
			"co2", "soil_moisture", "soil_temperature",
			"air_humidity", "battery_capacity", "battery_voltage",
			"air_temperature",
		}
	}

	if c.Radio.BaudRate == 0 {
		c.Radio.BaudRate = 57600
	}
	if c.Radio.AckTimeout == 0 {
		c.Radio.AckTimeout = 30 * time.Second
	}
	if c.Radio.JoinAttempts == 0 {
		c.Radio.JoinAttempts = 3
	}
	if c.Radio.Port == 0 {
		c.Radio.Port = 1
	}
	if c.Radio.CommandTimeout == 0 {
		c.Radio.CommandTimeout = 5 * time.Second
	}
	if c.Radio.JoinTimeout == 0 {
		c.Radio.JoinTimeout = 30 * time.Second
	}

	if c.Backoff.Base == 0 {
		c.Backoff.Base = 30 * time.Second
	}
	if c.Backoff.Multiplier == 0 {
		c.Backoff.Multiplier = 2.0
	}
	if c.Backoff.Cap == 0 {
		c.Backoff.Cap = time.Hour
	}
	if c.Backoff.Jitter == 0 {
		c.Backoff.Jitter = 0.1
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/sensor-node/session.log"
	}
	if c.Storage.MaxSize == 0 {
		c.Storage.MaxSize = 64 * 1024
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	if _, err := lorawan.ParseEUI64(c.Device.DevEUI); err != nil {
		return fmt.Errorf("device.dev_eui: %w", err)
	}
	if _, err := lorawan.ParseEUI64(c.Device.JoinEUI); err != nil {
		return fmt.Errorf("device.join_eui: %w", err)
	}
	if _, err := lorawan.ParseAES128Key(c.Device.AppKey); err != nil {
		return fmt.Errorf("device.app_key: %w", err)
	}

	if c.Radio.SerialPort == "" {
		return fmt.Errorf("radio.serial_port must be set")
	}
	if c.Radio.Port < 1 || c.Radio.Port > 223 {
		return fmt.Errorf("radio.port %d outside application port range 1..223", c.Radio.Port)
	}

	if c.Payload.MaxSize < 4 {
		return fmt.Errorf("payload.max_size %d cannot fit a single reading", c.Payload.MaxSize)
	}
	if c.Backoff.Multiplier < 1 {
		return fmt.Errorf("backoff.multiplier must be >= 1, got %v", c.Backoff.Multiplier)
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter > 1 {
		return fmt.Errorf("backoff.jitter must be in [0, 1], got %v", c.Backoff.Jitter)
	}
	if c.Sampling.Interval < time.Second {
		return fmt.Errorf("sampling.interval %v too short", c.Sampling.Interval)
	}
	return nil
}

// Credentials parses the device identity. Validate must have passed.
func (c *Config) Credentials() (devEUI, joinEUI lorawan.EUI64, appKey lorawan.AES128Key, err error) {
	devEUI, err = lorawan.ParseEUI64(c.Device.DevEUI)
	if err != nil {
		return
	}
	joinEUI, err = lorawan.ParseEUI64(c.Device.JoinEUI)
	if err != nil {
		return
	}
	appKey, err = lorawan.ParseAES128Key(c.Device.AppKey)
	return
}
