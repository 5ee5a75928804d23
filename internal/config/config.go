package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration of the acquisition logger.
// This mirrors config/dataqlog.yaml.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Devices DevicesConfig `yaml:"devices"`
	Storage StorageConfig `yaml:"storage"`
	Upload  UploadConfig  `yaml:"upload"`
	Alerts  AlertConfig   `yaml:"alerts"`
	SQLite  SQLiteConfig  `yaml:"sqlite"`
	Modbus  ModbusConfig  `yaml:"modbus"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"` // text | json
	Output   string `yaml:"output"` // stdout | file
	FilePath string `yaml:"file_path"`
}

type DevicesConfig struct {
	DI1100 FamilyConfig  `yaml:"di1100"`
	DI245  FamilyConfig  `yaml:"di245"`
	Static []StaticPort  `yaml:"static"`
	Settle time.Duration `yaml:"settle"` // delay after each command write
}

// FamilyConfig holds the channel list shared by every device of a family.
// DI-1100 channels are analog indices ("0".."3"); DI-245 channels are
// thermocouple type letters (B E J K N R S T).
type FamilyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Channels []string `yaml:"channels"`
}

// StaticPort names a port that USB enumeration cannot see, such as the
// emulator's pty.
type StaticPort struct {
	Port   string `yaml:"port"`
	Family string `yaml:"family"` // DI-1100 | DI-245
}

type StorageConfig struct {
	Dir            string        `yaml:"dir"`
	Window         time.Duration `yaml:"window"`
	MinInterval    time.Duration `yaml:"min_interval"`
	UploadInterval time.Duration `yaml:"upload_interval"`
	QueueSize      int           `yaml:"queue_size"`
}

type UploadConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Bucket      string        `yaml:"bucket"`
	Region      string        `yaml:"region"`
	Prefix      string        `yaml:"prefix"`
	Compression string        `yaml:"compression"` // none | zstd
	Timeout     time.Duration `yaml:"timeout"`
}

type AlertConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Topic    string        `yaml:"topic"`
	Min      *float64      `yaml:"min"`
	Max      *float64      `yaml:"max"`
	Timeout  time.Duration `yaml:"timeout"`
}

type SQLiteConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type ModbusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// DefaultMinInterval admits the 1 Hz decimated DI-1100 vectors with room
// for read jitter while dropping bursts.
const DefaultMinInterval = 500 * time.Millisecond

// Default returns the configuration used when no file is given: both
// families on four channels, ten-minute chunks in ./data.
func Default() Config {
	var cfg Config
	cfg.Devices.DI1100 = FamilyConfig{Enabled: true, Channels: []string{"0", "1", "2", "3"}}
	cfg.Devices.DI245 = FamilyConfig{Enabled: true, Channels: []string{"K", "K", "K", "K"}}
	applyDefaults(&cfg)
	return cfg
}

func LoadYAML(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Devices.Settle <= 0 {
		cfg.Devices.Settle = 100 * time.Millisecond
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "data"
	}
	if cfg.Storage.Window <= 0 {
		cfg.Storage.Window = 10 * time.Minute
	}
	if cfg.Storage.MinInterval <= 0 {
		cfg.Storage.MinInterval = DefaultMinInterval
	}
	if cfg.Storage.UploadInterval <= 0 {
		cfg.Storage.UploadInterval = 5 * time.Minute
	}
	if cfg.Storage.QueueSize <= 0 {
		cfg.Storage.QueueSize = 1000
	}
	if cfg.Upload.Compression == "" {
		cfg.Upload.Compression = "none"
	}
	if cfg.Upload.Timeout <= 0 {
		cfg.Upload.Timeout = 30 * time.Second
	}
	if cfg.Alerts.Addr == "" {
		cfg.Alerts.Addr = "localhost:6379"
	}
	if cfg.Alerts.Topic == "" {
		cfg.Alerts.Topic = "dataq_alerts"
	}
	if cfg.Alerts.Timeout <= 0 {
		cfg.Alerts.Timeout = 5 * time.Second
	}
	if cfg.SQLite.Path == "" {
		cfg.SQLite.Path = "data/readings.sqlite"
	}
	if cfg.Modbus.Listen == "" {
		cfg.Modbus.Listen = ":1502"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
}

// Validate checks structural settings. Channel specs are checked by the
// device families before a session starts scanning.
func Validate(cfg Config) error {
	if !cfg.Devices.DI1100.Enabled && !cfg.Devices.DI245.Enabled && len(cfg.Devices.Static) == 0 {
		return errors.New("no device family enabled")
	}
	if cfg.Devices.DI1100.Enabled && len(cfg.Devices.DI1100.Channels) == 0 {
		return errors.New("devices.di1100.channels must not be empty")
	}
	if cfg.Devices.DI245.Enabled && len(cfg.Devices.DI245.Channels) == 0 {
		return errors.New("devices.di245.channels must not be empty")
	}
	for i, sp := range cfg.Devices.Static {
		if strings.TrimSpace(sp.Port) == "" {
			return fmt.Errorf("devices.static[%d]: port is required", i)
		}
		switch strings.ToUpper(sp.Family) {
		case "DI-1100", "DI-245":
		default:
			return fmt.Errorf("devices.static[%d]: unknown family %q", i, sp.Family)
		}
	}
	if cfg.Upload.Enabled {
		if cfg.Upload.Bucket == "" || cfg.Upload.Region == "" {
			return errors.New("upload.bucket and upload.region are required when upload is enabled")
		}
		switch cfg.Upload.Compression {
		case "none", "zstd":
		default:
			return fmt.Errorf("upload.compression %q (expected none or zstd)", cfg.Upload.Compression)
		}
	}
	if cfg.Alerts.Min != nil && cfg.Alerts.Max != nil && *cfg.Alerts.Min > *cfg.Alerts.Max {
		return fmt.Errorf("alerts.min %g is greater than alerts.max %g", *cfg.Alerts.Min, *cfg.Alerts.Max)
	}
	return nil
}
