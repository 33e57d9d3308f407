package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDeviceID            = "speedometer-001"
	DefaultWheelCircumferenceM = 2.1
	DefaultSerialPort          = "/dev/serial0"
	DefaultBaudRate            = 57600
	DefaultCollectorURL        = "http://localhost:3000/api/data"
	DefaultSamplingIntervalSec = 30
	DefaultMaxDeliveryAttempts = 5
	DefaultPowerPin            = 4
	DefaultHallPin             = 17
	DefaultAPN                 = "internet"
	DefaultDatabasePath        = "data/uplink.db"
	DefaultLogLevel            = "info"
	DefaultDrainBatchSize      = 10
	DefaultHandshakeAttempts   = 5
	DefaultRegistrationPolls   = 30
	DefaultRegistrationSec     = 2
	DefaultBootWaitSec         = 15
)

// Config lists the tunable parameters for the uplink daemon.
type Config struct {
	DeviceID            string            `yaml:"device_id"`
	WheelCircumferenceM float64           `yaml:"wheel_circumference_m"`
	SerialPort          string            `yaml:"serial_port"`
	BaudRate            int               `yaml:"baud_rate"`
	CollectorURL        string            `yaml:"collector_url"`
	HTTPHeaders         map[string]string `yaml:"http_headers,omitempty"`
	SamplingIntervalSec int               `yaml:"sampling_interval_s"`
	MaxDeliveryAttempts int               `yaml:"max_delivery_attempts"`
	PowerPin            int               `yaml:"power_pin"`
	HallPin             int               `yaml:"hall_pin"`
	APN                 string            `yaml:"apn"`
	DatabasePath        string            `yaml:"database_path"`
	MQTTBrokerURL       string            `yaml:"mqtt_broker_url,omitempty"`
	LogLevel            string            `yaml:"log_level"`

	// Fixed position of the node, reported with every reading when set.
	Latitude  *float64 `yaml:"latitude,omitempty"`
	Longitude *float64 `yaml:"longitude,omitempty"`

	// Modem timing knobs. The state machine itself is fixed; only the
	// ceilings and intervals are configurable.
	DrainBatchSize          int `yaml:"drain_batch_size"`
	HandshakeAttempts       int `yaml:"handshake_attempts"`
	RegistrationPolls       int `yaml:"registration_polls"`
	RegistrationIntervalSec int `yaml:"registration_interval_s"`
	BootWaitSec             int `yaml:"boot_wait_s"`

	// RetentionDays prunes delivered rows older than this many days.
	// Zero keeps the full audit trail.
	RetentionDays int `yaml:"retention_days"`
}

// Default returns a config populated with every default value.
func Default() Config {
	cfg := Config{}
	ApplyDefaults(&cfg)
	return cfg
}

// Load reads and parses a YAML config file, applying defaults for any
// missing option. If the file does not exist, one is written with defaults
// and the defaults are returned.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg := Default()
		if err := Save(path, cfg); err != nil {
			return Config{}, fmt.Errorf("write default config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk, creating directories as needed.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if cfg.WheelCircumferenceM <= 0 {
		return fmt.Errorf("wheel_circumference_m must be positive")
	}
	if cfg.CollectorURL == "" {
		return fmt.Errorf("collector_url is required")
	}
	if cfg.MaxDeliveryAttempts < 1 {
		return fmt.Errorf("max_delivery_attempts must be at least 1")
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.DeviceID == "" {
		cfg.DeviceID = DefaultDeviceID
	}
	if cfg.WheelCircumferenceM == 0 {
		cfg.WheelCircumferenceM = DefaultWheelCircumferenceM
	}
	if cfg.SerialPort == "" {
		cfg.SerialPort = DefaultSerialPort
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.CollectorURL == "" {
		cfg.CollectorURL = DefaultCollectorURL
	}
	if cfg.SamplingIntervalSec == 0 {
		cfg.SamplingIntervalSec = DefaultSamplingIntervalSec
	}
	if cfg.MaxDeliveryAttempts == 0 {
		cfg.MaxDeliveryAttempts = DefaultMaxDeliveryAttempts
	}
	if cfg.PowerPin == 0 {
		cfg.PowerPin = DefaultPowerPin
	}
	if cfg.HallPin == 0 {
		cfg.HallPin = DefaultHallPin
	}
	if cfg.APN == "" {
		cfg.APN = DefaultAPN
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = DefaultDatabasePath
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.DrainBatchSize == 0 {
		cfg.DrainBatchSize = DefaultDrainBatchSize
	}
	if cfg.HandshakeAttempts == 0 {
		cfg.HandshakeAttempts = DefaultHandshakeAttempts
	}
	if cfg.RegistrationPolls == 0 {
		cfg.RegistrationPolls = DefaultRegistrationPolls
	}
	if cfg.RegistrationIntervalSec == 0 {
		cfg.RegistrationIntervalSec = DefaultRegistrationSec
	}
	if cfg.BootWaitSec == 0 {
		cfg.BootWaitSec = DefaultBootWaitSec
	}
}
