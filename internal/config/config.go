package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"epdframe/internal/epd"
	"epdframe/internal/raster"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the Web UI/API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// SPIConfig selects the SPI port the panel is wired to.
type SPIConfig struct {
	// Port is a periph spireg name, e.g. "SPI0.0" or "/dev/spidev0.0".
	// Empty selects the first registered port.
	Port string `yaml:"port" json:"port"`
	// SpeedHz is the bus clock. Most UC81xx modules accept up to 4 MHz.
	SpeedHz int64 `yaml:"speed_hz" json:"speed_hz"`
}

// PinsConfig names the control lines, as understood by periph gpioreg
// ("GPIO25", "25", ...). CS is optional: leave it empty when the kernel
// drives chip select.
type PinsConfig struct {
	DC    string `yaml:"dc" json:"dc"`
	Reset string `yaml:"reset" json:"reset"`
	Busy  string `yaml:"busy" json:"busy"`
	CS    string `yaml:"cs,omitempty" json:"cs,omitempty"`
}

// CommandConfig is one controller command. Opcode and data bytes are plain
// YAML integers, so 0x12 style literals work.
type CommandConfig struct {
	Opcode   int           `yaml:"opcode" json:"opcode"`
	Data     []int         `yaml:"data,omitempty" json:"data,omitempty"`
	WaitIdle bool          `yaml:"wait_idle,omitempty" json:"wait_idle,omitempty"`
	Delay    time.Duration `yaml:"delay,omitempty" json:"delay,omitempty"`
}

// ResetConfig is the reset pulse timing.
type ResetConfig struct {
	Lead   time.Duration `yaml:"lead" json:"lead"`
	Pulse  time.Duration `yaml:"pulse" json:"pulse"`
	Settle time.Duration `yaml:"settle" json:"settle"`
}

// PanelConfig describes the panel model: geometry, plane encoding and the
// controller protocol. DefaultConfig fills it from epd.UC81xx2in9B.
type PanelConfig struct {
	Name          string          `yaml:"name" json:"name"`
	Width         int             `yaml:"width" json:"width"`
	Height        int             `yaml:"height" json:"height"`
	BusyActiveLow bool            `yaml:"busy_active_low" json:"busy_active_low"`
	Encoding      raster.Encoding `yaml:"encoding" json:"encoding"`
	Reset         ResetConfig     `yaml:"reset" json:"reset"`

	PollInterval    time.Duration `yaml:"poll_interval" json:"poll_interval"`
	InitTimeout     time.Duration `yaml:"init_timeout" json:"init_timeout"`
	RefreshTimeout  time.Duration `yaml:"refresh_timeout" json:"refresh_timeout"`
	PowerOffTimeout time.Duration `yaml:"power_off_timeout" json:"power_off_timeout"`

	Init         []CommandConfig `yaml:"init" json:"init"`
	PrimaryStart int             `yaml:"primary_start" json:"primary_start"`
	AccentStart  int             `yaml:"accent_start" json:"accent_start"`
	Refresh      int             `yaml:"refresh" json:"refresh"`
	PowerOff     []CommandConfig `yaml:"power_off" json:"power_off"`
}

// BatteryConfig enables the I2C supply monitor.
type BatteryConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Bus is a periph i2creg name; empty selects the first bus.
	Bus  string `yaml:"bus,omitempty" json:"bus,omitempty"`
	Addr int    `yaml:"addr" json:"addr"`
}

// Source kinds.
const (
	SourcePattern = "pattern"
	SourceFile    = "file"
	SourceURL     = "url"
	SourceImage   = "image"
)

// SourceConfig selects what is shown on the panel.
type SourceConfig struct {
	// Kind is one of "pattern", "file", "url" or "image".
	Kind string `yaml:"kind" json:"kind"`
	// Path is the image file for kind "file".
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
	// URL is the page rendered for kind "url", or the image fetched for
	// kind "image".
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
	// WaitSelector, if set, is awaited before the screenshot is taken.
	WaitSelector string `yaml:"wait_selector,omitempty" json:"wait_selector,omitempty"`
	// Settle is an extra pause after page load.
	Settle time.Duration `yaml:"settle,omitempty" json:"settle,omitempty"`
	// CacheDir keeps the last fetched image for kind "image" so that an
	// unreachable server still leaves something to show.
	CacheDir string `yaml:"cache_dir,omitempty" json:"cache_dir,omitempty"`
	// Label is printed by the test pattern.
	Label string `yaml:"label,omitempty" json:"label,omitempty"`

	// Fit scales the image into the panel keeping its aspect ratio;
	// otherwise it is center-cropped.
	Fit bool `yaml:"fit" json:"fit"`
	// Dither applies error diffusion before classification.
	Dither bool `yaml:"dither" json:"dither"`
	// Rotate is 0, 90, 180 or 270 degrees counter-clockwise.
	Rotate int `yaml:"rotate" json:"rotate"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the Web UI and API.
	Listen string `yaml:"listen" json:"listen"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// used for periodic refresh.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	SPI     SPIConfig     `yaml:"spi" json:"spi"`
	Pins    PinsConfig    `yaml:"pins" json:"pins"`
	Panel   PanelConfig   `yaml:"panel" json:"panel"`
	Source  SourceConfig  `yaml:"source" json:"source"`
	Battery BatteryConfig `yaml:"battery" json:"battery"`

	// PowerOffBetweenRefreshes puts the panel into deep sleep after every
	// refresh. The next refresh wakes it with a full reset.
	PowerOffBetweenRefreshes bool `yaml:"power_off_between_refreshes" json:"power_off_between_refreshes"`

	// BusyRetries is how many extra busy waits a refresh gets before the
	// panel is abandoned and re-initialized.
	BusyRetries int `yaml:"busy_retries" json:"busy_retries"`

	// DumpDir, if set, receives primary.bin, accent.bin and preview.png
	// after every refresh.
	DumpDir string `yaml:"dump_dir,omitempty" json:"dump_dir,omitempty"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen  = "127.0.0.1:8080"
	defaultRefresh = "*/15 * * * *"
	defaultSpeedHz = 4_000_000
	maxBusyRetries = 10

	// PiSugar 3 address.
	defaultBatteryAddr = 0x57
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      defaultListen,
		RefreshCron: defaultRefresh,
		LogLevel:    "info",
		SPI:         SPIConfig{SpeedHz: defaultSpeedHz},
		Pins: PinsConfig{
			DC:    "GPIO25",
			Reset: "GPIO17",
			Busy:  "GPIO24",
		},
		Panel:       PanelFromModel(epd.UC81xx2in9B),
		Source:      SourceConfig{Kind: SourcePattern, Fit: true},
		Battery:     BatteryConfig{Addr: defaultBatteryAddr},
		BusyRetries: 1,
	}
}

// PanelFromModel converts a driver model into its config form.
func PanelFromModel(m epd.Model) PanelConfig {
	return PanelConfig{
		Name:          m.Name,
		Width:         m.Geometry.Width,
		Height:        m.Geometry.Height,
		BusyActiveLow: m.BusyActiveLow,
		Encoding:      m.Encoding,
		Reset: ResetConfig{
			Lead:   m.Reset.Lead,
			Pulse:  m.Reset.Pulse,
			Settle: m.Reset.Settle,
		},
		PollInterval:    m.Timing.PollInterval,
		InitTimeout:     m.Timing.Init,
		RefreshTimeout:  m.Timing.Refresh,
		PowerOffTimeout: m.Timing.PowerOff,
		Init:            commandsToConfig(m.Init),
		PrimaryStart:    int(m.PrimaryStart),
		AccentStart:     int(m.AccentStart),
		Refresh:         int(m.Refresh),
		PowerOff:        commandsToConfig(m.PowerOff),
	}
}

func commandsToConfig(cmds []epd.Command) []CommandConfig {
	out := make([]CommandConfig, 0, len(cmds))
	for _, c := range cmds {
		cc := CommandConfig{Opcode: int(c.Opcode), WaitIdle: c.WaitIdle, Delay: c.Delay}
		for _, b := range c.Data {
			cc.Data = append(cc.Data, int(b))
		}
		out = append(out, cc)
	}
	return out
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefresh
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.SPI.SpeedHz <= 0 {
		c.SPI.SpeedHz = defaultSpeedHz
	}

	// A config without any panel geometry gets the built-in model whole;
	// mixing a partial protocol with preset opcodes would be worse.
	if c.Panel.Width == 0 && c.Panel.Height == 0 {
		c.Panel = PanelFromModel(epd.UC81xx2in9B)
	}
	if c.Panel.Encoding == (raster.Encoding{}) {
		c.Panel.Encoding = raster.DefaultEncoding
	}

	switch c.Source.Kind {
	case SourcePattern, SourceFile, SourceURL, SourceImage:
	default:
		c.Source.Kind = SourcePattern
	}
	switch c.Source.Rotate {
	case 0, 90, 180, 270:
	default:
		c.Source.Rotate = 0
	}

	if c.Battery.Addr <= 0 || c.Battery.Addr > 0x7F {
		c.Battery.Addr = defaultBatteryAddr
	}

	if c.BusyRetries < 0 {
		c.BusyRetries = 0
	}
	if c.BusyRetries > maxBusyRetries {
		c.BusyRetries = maxBusyRetries
	}
}

// Model builds the driver model described by the panel section.
func (c *Config) Model() (*epd.Model, error) {
	p := c.Panel
	m := &epd.Model{
		Name:          p.Name,
		Geometry:      raster.Geometry{Width: p.Width, Height: p.Height},
		Encoding:      p.Encoding,
		BusyActiveLow: p.BusyActiveLow,
		Reset: epd.ResetTiming{
			Lead:   p.Reset.Lead,
			Pulse:  p.Reset.Pulse,
			Settle: p.Reset.Settle,
		},
		Timing: epd.Timing{
			PollInterval: p.PollInterval,
			Init:         p.InitTimeout,
			Refresh:      p.RefreshTimeout,
			PowerOff:     p.PowerOffTimeout,
		},
	}

	var err error
	if m.Init, err = commandsFromConfig("init", p.Init); err != nil {
		return nil, err
	}
	if m.PowerOff, err = commandsFromConfig("power_off", p.PowerOff); err != nil {
		return nil, err
	}
	if m.PrimaryStart, err = toByte("primary_start", p.PrimaryStart); err != nil {
		return nil, err
	}
	if m.AccentStart, err = toByte("accent_start", p.AccentStart); err != nil {
		return nil, err
	}
	if m.Refresh, err = toByte("refresh", p.Refresh); err != nil {
		return nil, err
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("config: panel: %w", err)
	}
	return m, nil
}

func commandsFromConfig(section string, in []CommandConfig) ([]epd.Command, error) {
	out := make([]epd.Command, 0, len(in))
	for i, cc := range in {
		where := fmt.Sprintf("%s[%d]", section, i)
		op, err := toByte(where+".opcode", cc.Opcode)
		if err != nil {
			return nil, err
		}
		cmd := epd.Command{Opcode: op, WaitIdle: cc.WaitIdle, Delay: cc.Delay}
		for j, v := range cc.Data {
			b, err := toByte(fmt.Sprintf("%s.data[%d]", where, j), v)
			if err != nil {
				return nil, err
			}
			cmd.Data = append(cmd.Data, b)
		}
		out = append(out, cmd)
	}
	return out, nil
}

func toByte(field string, v int) (byte, error) {
	if v < 0 || v > 0xFF {
		return 0, fmt.Errorf("config: panel.%s: %d is not a byte", field, v)
	}
	return byte(v), nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".epdframe-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
