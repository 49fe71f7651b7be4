// Package config holds the application configuration: defaults come from
// struct tags, a YAML file can overlay them, and flags overlay that.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/bluart/internal/bleuuid"
	"github.com/srg/bluart/internal/uart"
)

// Duration is a time.Duration that unmarshals from YAML strings like "10s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config holds application configuration.
type Config struct {
	LogLevel     string `yaml:"log_level" default:"info"`
	OutputFormat string `yaml:"output_format" default:"table"` // table, json, csv

	// go-defaults only understands "10s"-style values for plain time.Duration
	// fields; for the named Duration type the default must be nanoseconds.
	ScanTimeout    Duration `yaml:"scan_timeout" default:"10000000000"`    // 10s
	ConnectTimeout Duration `yaml:"connect_timeout" default:"30000000000"` // 30s

	QueueCapacity int `yaml:"queue_capacity" default:"8"` // must be a power of two
	PtyBufferSize int `yaml:"pty_buffer_size" default:"4096"`

	// Serial service identity. Empty values select the Nordic UART service.
	ServiceUUID    string `yaml:"service_uuid"`
	WriteCharUUID  string `yaml:"write_char_uuid"`
	NotifyCharUUID string `yaml:"notify_char_uuid"`

	TTYSymlink string `yaml:"tty_symlink"`
}

// DefaultConfig returns the configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. A missing file is not an error;
// the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the cross-field constraints the YAML schema cannot express.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}

	switch c.OutputFormat {
	case "table", "json", "csv":
	default:
		return fmt.Errorf("invalid output_format %q (want table, json or csv)", c.OutputFormat)
	}

	if c.QueueCapacity <= 0 || c.QueueCapacity&(c.QueueCapacity-1) != 0 {
		return fmt.Errorf("queue_capacity must be a power of two, got %d", c.QueueCapacity)
	}
	if c.PtyBufferSize <= 0 {
		return fmt.Errorf("pty_buffer_size must be positive, got %d", c.PtyBufferSize)
	}

	for _, u := range []string{c.ServiceUUID, c.WriteCharUUID, c.NotifyCharUUID} {
		if u == "" {
			continue
		}
		if _, err := bleuuid.Validate(u); err != nil {
			return err
		}
	}
	return nil
}

// NewLogger creates a logger configured from LogLevel.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

// ClientOptions translates the configuration into driver options.
func (c *Config) ClientOptions(logger *logrus.Logger) uart.ClientOptions {
	return uart.ClientOptions{
		Logger:         logger,
		QueueCapacity:  c.QueueCapacity,
		ServiceUUID:    c.ServiceUUID,
		WriteCharUUID:  c.WriteCharUUID,
		NotifyCharUUID: c.NotifyCharUUID,
	}
}
