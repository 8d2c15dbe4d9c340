package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blepulse/internal/device"
	"github.com/srg/blepulse/internal/uart"
	"gopkg.in/yaml.v3"
)

// Backend names accepted by Config.Backend.
const (
	BackendGoBLE  = "goble"
	BackendTinyGo = "tinygo"
)

// Color modes accepted by OutputConfig.Color.
const (
	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"
)

// Config holds application configuration
type Config struct {
	LogLevel  string          `yaml:"log_level" default:"warn"`
	Backend   string          `yaml:"backend" default:"goble"`
	Scan      ScanConfig      `yaml:"scan"`
	Connect   ConnectConfig   `yaml:"connect"`
	UART      UARTConfig      `yaml:"uart"`
	Estimator EstimatorConfig `yaml:"estimator"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Output    OutputConfig    `yaml:"output"`
}

type ScanConfig struct {
	// TargetName is matched as a substring of the advertised local name.
	TargetName string        `yaml:"target_name" default:"BBC micro:bit"`
	Duration   time.Duration `yaml:"duration" default:"5s"`
}

type ConnectConfig struct {
	Timeout time.Duration `yaml:"timeout" default:"10s"`
}

type UARTConfig struct {
	ServiceUUID string `yaml:"service_uuid" default:"6E400001-B5A3-F393-E0A9-E50E24DCCA9E"`
	RXCharUUID  string `yaml:"rx_char_uuid" default:"6E400002-B5A3-F393-E0A9-E50E24DCCA9E"`
	TXCharUUID  string `yaml:"tx_char_uuid" default:"6E400003-B5A3-F393-E0A9-E50E24DCCA9E"`
	Framing     string `yaml:"framing" default:"packet"`
	// Delimiter terminates samples when Framing is "line".
	Delimiter string `yaml:"delimiter" default:"\n"`
	// Hello is written to the TX characteristic once streaming starts.
	Hello string `yaml:"hello"`
}

type EstimatorConfig struct {
	WindowSize   int           `yaml:"window_size" default:"4"`
	Divisor      int           `yaml:"divisor" default:"8"`
	EmitInterval time.Duration `yaml:"emit_interval" default:"500ms"`
	CountWindow  time.Duration `yaml:"count_window" default:"5s"`
}

type ReconnectConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxBackoff time.Duration `yaml:"max_backoff" default:"30s"`
}

type OutputConfig struct {
	Color string `yaml:"color" default:"auto"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults. The result is validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	path, err := expandTilde(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.Backend {
	case BackendGoBLE, BackendTinyGo:
	default:
		errs = append(errs, fmt.Errorf("backend: unknown backend %q (must be %s or %s)", c.Backend, BackendGoBLE, BackendTinyGo))
	}

	if c.Scan.Duration < 0 {
		errs = append(errs, errors.New("scan.duration: must not be negative"))
	}
	if c.Connect.Timeout <= 0 {
		errs = append(errs, errors.New("connect.timeout: must be positive"))
	}

	if _, err := device.ValidateUUID(c.UART.ServiceUUID, c.UART.RXCharUUID, c.UART.TXCharUUID); err != nil {
		errs = append(errs, fmt.Errorf("uart: %w", err))
	}
	framing, err := uart.ParseFraming(c.UART.Framing)
	if err != nil {
		errs = append(errs, fmt.Errorf("uart.framing: %w", err))
	}
	if framing == uart.FramingLine && len(c.UART.Delimiter) != 1 {
		errs = append(errs, fmt.Errorf("uart.delimiter: must be a single byte, got %q", c.UART.Delimiter))
	}

	if c.Estimator.WindowSize <= 0 {
		errs = append(errs, errors.New("estimator.window_size: must be positive"))
	}
	if c.Estimator.Divisor <= 0 {
		errs = append(errs, errors.New("estimator.divisor: must be positive"))
	}
	if c.Estimator.EmitInterval <= 0 {
		errs = append(errs, errors.New("estimator.emit_interval: must be positive"))
	}
	if c.Estimator.CountWindow <= 0 {
		errs = append(errs, errors.New("estimator.count_window: must be positive"))
	}

	if c.Reconnect.Enabled && c.Reconnect.MaxBackoff <= 0 {
		errs = append(errs, errors.New("reconnect.max_backoff: must be positive"))
	}
	switch c.Output.Color {
	case ColorAuto, ColorAlways, ColorNever:
	default:
		errs = append(errs, fmt.Errorf("output.color: unknown mode %q", c.Output.Color))
	}

	return errors.Join(errs...)
}

// Level returns the parsed log level, falling back to warn.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.WarnLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

func expandTilde(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
