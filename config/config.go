// Package config loads the console configuration.
//
// Loading starts from defaults, applies the YAML file named by the path
// argument or UARTMUX_CONFIG, then environment overrides, then validates.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/luhtfiimanal/go-uartmux/arbiter"
	"github.com/luhtfiimanal/go-uartmux/uart"
)

// Config is the complete console configuration.
type Config struct {
	Line    LineConfig    `yaml:"line"`
	Driver  DriverConfig  `yaml:"driver"`
	Log     LogConfig     `yaml:"log"`
	Capture CaptureConfig `yaml:"capture"`
}

// LineConfig selects and parameterizes the serial device.
type LineConfig struct {
	Device string `yaml:"device"`
	// Backend is "tty" (Linux termios) or "serial" (portable).
	Backend  string `yaml:"backend"`
	BaudRate int    `yaml:"baud_rate"`
	Parity   string `yaml:"parity"`
	StopBits int    `yaml:"stop_bits"`
}

// DriverConfig sizes the arbiter and the terminator receiver.
type DriverConfig struct {
	// Framing is "idle" (receive until the line goes quiet for Interbyte)
	// or "terminator" (receive until Terminator within one ScanWindow).
	Framing      string        `yaml:"framing"`
	Interbyte    time.Duration `yaml:"interbyte"`
	Terminator   string        `yaml:"terminator"`
	ScanWindow   int           `yaml:"scan_window"`
	TxBufferSize int           `yaml:"tx_buffer_size"`
	RxBufferSize int           `yaml:"rx_buffer_size"`
}

// LogConfig controls logging. An empty File logs to stderr.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// CaptureConfig enables line capture when Path is set.
type CaptureConfig struct {
	Path     string `yaml:"path"`
	Compress bool   `yaml:"compress"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Line: LineConfig{
			Device:   "/dev/ttyUSB0",
			Backend:  "tty",
			BaudRate: 115200,
			Parity:   "none",
			StopBits: 1,
		},
		Driver: DriverConfig{
			Framing:      "idle",
			Interbyte:    uart.DefaultInterbyte,
			Terminator:   "\n",
			ScanWindow:   uart.DefaultScanWindow,
			TxBufferSize: 3000,
			RxBufferSize: 3000,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("UARTMUX_CONFIG")
	}
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnvOverrides(cfg *Config) {
	if device := os.Getenv("UARTMUX_DEVICE"); device != "" {
		cfg.Line.Device = device
	}
	if baud := os.Getenv("UARTMUX_BAUD"); baud != "" {
		if n, err := strconv.Atoi(baud); err == nil {
			cfg.Line.BaudRate = n
		}
	}
	if level := os.Getenv("UARTMUX_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
}

// Validate checks the configuration for values the stack cannot use.
func (c *Config) Validate() error {
	if c.Line.Device == "" {
		return errors.New("line.device is required")
	}
	if c.Line.Backend != "tty" && c.Line.Backend != "serial" {
		return fmt.Errorf("invalid line.backend %q, must be tty or serial", c.Line.Backend)
	}
	if c.Line.BaudRate <= 0 {
		return fmt.Errorf("invalid line.baud_rate %d", c.Line.BaudRate)
	}
	if _, err := c.Parameters(); err != nil {
		return err
	}
	if _, err := c.Framing(); err != nil {
		return err
	}
	if c.Driver.Interbyte <= 0 {
		return fmt.Errorf("invalid driver.interbyte %s", c.Driver.Interbyte)
	}
	if len(c.Driver.Terminator) != 1 {
		return fmt.Errorf("driver.terminator must be a single byte, got %q", c.Driver.Terminator)
	}
	if c.Driver.ScanWindow <= 0 {
		return fmt.Errorf("invalid driver.scan_window %d", c.Driver.ScanWindow)
	}
	if c.Driver.RxBufferSize < c.Driver.ScanWindow {
		return fmt.Errorf("driver.rx_buffer_size %d is smaller than driver.scan_window %d", c.Driver.RxBufferSize, c.Driver.ScanWindow)
	}
	if c.Driver.TxBufferSize <= 0 {
		return fmt.Errorf("invalid driver.tx_buffer_size %d", c.Driver.TxBufferSize)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// Parameters converts the line settings to UART parameters.
func (c *Config) Parameters() (uart.Parameters, error) {
	p := uart.Parameters{BaudRate: c.Line.BaudRate}
	switch c.Line.Parity {
	case "", "none":
		p.Parity = uart.NoParity
	case "odd":
		p.Parity = uart.OddParity
	case "even":
		p.Parity = uart.EvenParity
	default:
		return p, fmt.Errorf("invalid line.parity %q, must be none, odd or even", c.Line.Parity)
	}
	switch c.Line.StopBits {
	case 0, 1:
		p.StopBits = uart.OneStopBit
	case 2:
		p.StopBits = uart.TwoStopBits
	default:
		return p, fmt.Errorf("invalid line.stop_bits %d, must be 1 or 2", c.Line.StopBits)
	}
	return p, nil
}

// Framing converts the receive framing name.
func (c *Config) Framing() (arbiter.Framing, error) {
	switch c.Driver.Framing {
	case "", "idle":
		return arbiter.FrameByIdle, nil
	case "terminator":
		return arbiter.FrameByTerminator, nil
	default:
		return arbiter.FrameByIdle, fmt.Errorf("invalid driver.framing %q, must be idle or terminator", c.Driver.Framing)
	}
}

// TerminatorByte returns the receive terminator.
func (c *Config) TerminatorByte() byte {
	return c.Driver.Terminator[0]
}

// SlogLevel parses the log level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return level, fmt.Errorf("invalid log.level %q: %w", l.Level, err)
	}
	return level, nil
}
