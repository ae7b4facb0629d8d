package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blelink/internal/ble"
	"github.com/chaz8081/blelink/internal/permission"
)

// Config holds all application configuration.
type Config struct {
	Device       DeviceConfig      `yaml:"device"`
	Radio        RadioConfig       `yaml:"radio"`
	Calibration  CalibrationConfig `yaml:"calibration"`
	Reconnect    ReconnectConfig   `yaml:"reconnect"`
	Permissions  PermissionsConfig `yaml:"permissions"`
	API          APIConfig         `yaml:"api"`
	StreamBuffer int               `yaml:"stream_buffer"`
	LogLevel     string            `yaml:"log_level"`
}

// DeviceConfig identifies the peripheral and the service to drive.
type DeviceConfig struct {
	Address string `yaml:"address"`
	Service string `yaml:"service"`
}

// RadioConfig selects the BLE stack.
type RadioConfig struct {
	Backend     string   `yaml:"backend"`      // "bluez" or "tinygo"
	Adapter     string   `yaml:"adapter"`      // BlueZ controller, e.g. "hci0"
	TinygoHints []string `yaml:"tinygo_hints"` // capabilities assumed by the tinygo backend
}

// CalibrationConfig controls the frame-size request and motion probe run
// after discovery.
type CalibrationConfig struct {
	Mode      string        `yaml:"mode"` // "auto", "always" or "never"
	FrameSize int           `yaml:"frame_size"`
	Channel   string        `yaml:"channel"`
	Threshold float64       `yaml:"threshold"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ReconnectConfig controls reconnecting after link loss.
type ReconnectConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxBackoff int  `yaml:"max_backoff"` // seconds
}

// PermissionsConfig selects the permission gate.
type PermissionsConfig struct {
	Mode    string   `yaml:"mode"`    // "prompt" or "grant"
	Granted []string `yaml:"granted"` // permissions granted in "grant" mode
}

// APIConfig configures the HTTP control surface.
type APIConfig struct {
	Listen string `yaml:"listen"` // empty disables the API
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blelink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Service: "0100",
		},
		Radio: RadioConfig{
			Backend:     "bluez",
			Adapter:     "hci0",
			TinygoHints: []string{"read", "write", "notify"},
		},
		Calibration: CalibrationConfig{
			Mode:      "auto",
			FrameSize: ble.DefaultFrameSize,
			Channel:   "0107",
			Threshold: 5,
			Timeout:   5 * time.Second,
		},
		Reconnect: ReconnectConfig{
			Enabled:    false,
			MaxBackoff: 30,
		},
		Permissions: PermissionsConfig{
			Mode:    "grant",
			Granted: []string{"connect"},
		},
		API: APIConfig{
			Listen: "127.0.0.1:8765",
		},
		StreamBuffer: 64,
		LogLevel:     "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Device.Address) == "" {
		return fmt.Errorf("device.address must not be empty")
	}
	if strings.TrimSpace(c.Device.Service) == "" {
		return fmt.Errorf("device.service must not be empty")
	}

	switch c.Radio.Backend {
	case "bluez", "tinygo":
	default:
		return fmt.Errorf("radio.backend must be \"bluez\" or \"tinygo\", got %q", c.Radio.Backend)
	}
	if c.Radio.Backend == "tinygo" && ble.ParseCapabilities(c.Radio.TinygoHints) == 0 {
		return fmt.Errorf("radio.tinygo_hints must name at least one of read, write, notify")
	}

	switch c.Calibration.Mode {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("calibration.mode must be auto, always, or never, got %q", c.Calibration.Mode)
	}
	if c.Calibration.FrameSize <= 0 {
		return fmt.Errorf("calibration.frame_size must be > 0")
	}
	if c.Calibration.Channel == "" {
		return fmt.Errorf("calibration.channel must not be empty")
	}
	if c.Calibration.Timeout <= 0 {
		return fmt.Errorf("calibration.timeout must be > 0")
	}

	if c.Reconnect.MaxBackoff <= 0 {
		return fmt.Errorf("reconnect.max_backoff must be > 0")
	}

	switch c.Permissions.Mode {
	case "prompt", "grant":
	default:
		return fmt.Errorf("permissions.mode must be \"prompt\" or \"grant\", got %q", c.Permissions.Mode)
	}
	for _, name := range c.Permissions.Granted {
		if _, err := permission.Parse(name); err != nil {
			return fmt.Errorf("permissions.granted: %w", err)
		}
	}

	if c.StreamBuffer <= 0 {
		return fmt.Errorf("stream_buffer must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// CalibrationEnabled resolves calibration.mode for the given GOOS. In auto
// mode only Linux calibrates: BlueZ lets the client drive the MTU exchange,
// while CoreBluetooth and WinRT negotiate it themselves.
func (c *Config) CalibrationEnabled(goos string) bool {
	switch c.Calibration.Mode {
	case "always":
		return true
	case "never":
		return false
	default:
		return goos == "linux"
	}
}

// MachineOptions converts the config into ble.Options for this platform.
func (c *Config) MachineOptions() ble.Options {
	return ble.Options{
		Service:        c.Device.Service,
		Calibrate:      c.CalibrationEnabled(runtime.GOOS),
		FrameSize:      c.Calibration.FrameSize,
		ProbeChannel:   c.Calibration.Channel,
		ProbeThreshold: c.Calibration.Threshold,
		ProbeTimeout:   c.Calibration.Timeout,
		StreamBuffer:   c.StreamBuffer,
		Reconnect:      c.Reconnect.Enabled,
		ReconnectMax:   c.Reconnect.MaxBackoff,
	}
}

// GrantedPermissions parses permissions.granted.
func (c *Config) GrantedPermissions() ([]ble.Permission, error) {
	perms := make([]ble.Permission, 0, len(c.Permissions.Granted))
	for _, name := range c.Permissions.Granted {
		p, err := permission.Parse(name)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, nil
}

const defaultConfigHeader = `# blelink configuration
#
# device.address      peripheral MAC address (CoreBluetooth UUID on macOS)
# device.service      target GATT service; only its characteristics become channels
# radio.backend       "bluez" (Linux, D-Bus) or "tinygo"
# calibration.mode    "auto" (Linux only), "always" or "never"
# permissions.mode    "grant" (use permissions.granted) or "prompt" (ask on the terminal)
# api.listen          HTTP control surface address; empty disables it

`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" if a file was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultConfigHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing default config: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
