package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

// ICSConfig describes a single ICS subscription source.
type ICSConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for de-dup and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label shown in the UI.
	Name string `yaml:"name" json:"name"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the Web UI/API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// DisplayConfig drives the e-paper refresh engine.
type DisplayConfig struct {
	// Driver selects the panel backend:
	//   - "auto" (default): SPI panel when the build supports it, simulator otherwise
	//   - "panel": require the SPI panel
	//   - "sim": always simulate, writing a preview PNG into StateDir
	Driver string `yaml:"driver" json:"driver"`

	// Width / Height of the panel in pixels.
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`

	// MinFullIntervalSec is the panel age (seconds since the last full
	// refresh) beyond which any change escalates to a full refresh.
	MinFullIntervalSec int `yaml:"min_full_interval_sec" json:"min_full_interval_sec"`

	// MaxPartialUpdates bounds how many partial refreshes may run back to
	// back before ghosting is cleared with a full one.
	MaxPartialUpdates int `yaml:"max_partial_updates" json:"max_partial_updates"`

	// AreaThreshold is the changed-area fraction of the panel above which
	// a partial refresh is not worth it and a full one runs instead.
	AreaThreshold float64 `yaml:"area_threshold" json:"area_threshold"`

	// ChangeThreshold is the whole-content drift fraction above which the
	// change detector gives up on region tracking and repaints everything.
	ChangeThreshold float64 `yaml:"change_threshold" json:"change_threshold"`

	// BusyTimeoutSec caps the wait on the panel busy line.
	BusyTimeoutSec int `yaml:"busy_timeout_sec" json:"busy_timeout_sec"`

	// SleepBetween puts the panel into deep sleep between refreshes.
	SleepBetween bool `yaml:"sleep_between" json:"sleep_between"`

	// SPIPort overrides the SPI port name. Empty uses the first available.
	SPIPort string `yaml:"spi_port,omitempty" json:"spi_port,omitempty"`
}

// SectionConfig maps one renderer section onto a fixed panel region.
type SectionConfig struct {
	Name   string `yaml:"name" json:"name"`
	X      int    `yaml:"x" json:"x"`
	Y      int    `yaml:"y" json:"y"`
	Width  int    `yaml:"width" json:"width"`
	Height int    `yaml:"height" json:"height"`
}

// RendererConfig selects how display frames are produced.
type RendererConfig struct {
	// Mode is "text" (draw the sections directly) or "capture"
	// (screenshot the web calendar page with headless Chromium).
	Mode string `yaml:"mode" json:"mode"`

	// CaptureURL overrides the page the capture renderer loads.
	// Empty derives http://<listen>/calendar.
	CaptureURL string `yaml:"capture_url,omitempty" json:"capture_url,omitempty"`
}

// LogConfig routes logs to a rotating file next to stderr.
type LogConfig struct {
	// Level is one of "debug", "info", "error". Empty means info.
	Level string `yaml:"level" json:"level"`
	// File enables rotating file output when non-empty.
	File       string `yaml:"file,omitempty" json:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty" json:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty" json:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty" json:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress,omitempty" json:"compress,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the Web UI and API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used as canonical display zone (e.g. "Asia/Seoul").
	Timezone string `yaml:"timezone" json:"timezone"`

	// WeekStart controls which weekday is treated as the first day of the week
	// in calendar views. Supported values:
	//   - "monday" (default)
	//   - "sunday"
	WeekStart string `yaml:"week_start" json:"week_start"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// used for periodic refresh. If empty, it may be derived from
	// RefreshMinutes for backward compatibility.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// HorizonDays is the number of future days to display.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// ShowAllDay toggles the all-day section in the rendered view.
	ShowAllDay bool `yaml:"show_all_day" json:"show_all_day"`

	// HighlightRed is a list of keywords that cause events to be rendered in red.
	HighlightRed []string `yaml:"highlight_red" json:"highlight_red"`

	// ICS is the list of subscribed ICS sources.
	ICS []ICSConfig `yaml:"ics" json:"ics"`

	// StateDir is where runtime state lives: ICS cache, cycle journal,
	// simulator preview.
	StateDir string `yaml:"state_dir" json:"state_dir"`

	// Display configures the e-paper panel and its refresh policy.
	Display DisplayConfig `yaml:"display" json:"display"`

	// Layout maps renderer sections onto panel regions. Empty uses the
	// stock band layout for the configured panel size.
	Layout []SectionConfig `yaml:"layout" json:"layout"`

	// Renderer selects the frame production mode.
	Renderer RendererConfig `yaml:"renderer" json:"renderer"`

	// Log configures level and optional rotating file output.
	Log LogConfig `yaml:"log" json:"log"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:       "127.0.0.1:8080",
		Timezone:     "Asia/Seoul",
		WeekStart:    "monday",
		RefreshCron:  "*/5 * * * *",
		HorizonDays:  7,
		ShowAllDay:   true,
		HighlightRed: []string{"휴일", "휴가", "중요"},
		ICS:          []ICSConfig{},
		StateDir:     "./var",
		Display:      defaultDisplay(),
		Layout:       DefaultLayout(400, 300),
		Renderer:     RendererConfig{Mode: "text"},
		Log:          LogConfig{Level: "info"},
		BasicAuth:    nil,
	}
}

func defaultDisplay() DisplayConfig {
	return DisplayConfig{
		Driver:             "auto",
		Width:              400,
		Height:             300,
		MinFullIntervalSec: 60,
		MaxPartialUpdates:  5,
		AreaThreshold:      0.5,
		ChangeThreshold:    0.05,
		BusyTimeoutSec:     30,
		SleepBetween:       true,
	}
}

// DefaultLayout is the stock band layout for a panel: a date header on
// top, current and upcoming event bands in the middle, and a status line
// at the bottom. The middle is split evenly between the two event bands.
func DefaultLayout(width, height int) []SectionConfig {
	const (
		headerH = 40
		statusH = 20
	)
	mid := height - headerH - statusH
	currentH := mid / 2
	upcomingH := mid - currentH
	return []SectionConfig{
		{Name: "header", X: 0, Y: 0, Width: width, Height: headerH},
		{Name: "current", X: 0, Y: headerH, Width: width, Height: currentH},
		{Name: "upcoming", X: 0, Y: headerH + currentH, Width: width, Height: upcomingH},
		{Name: "status", X: 0, Y: height - statusH, Width: width, Height: statusH},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "Asia/Seoul"
	}
	// WeekStart default & validation.
	switch c.WeekStart {
	case "monday", "sunday":
		// ok
	case "":
		c.WeekStart = "monday"
	default:
		// Unknown value; fall back to monday to avoid surprising layouts.
		c.WeekStart = "monday"
	}

	if c.RefreshCron == "" {
		c.RefreshCron = "*/5 * * * *"
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = 7
	}
	// ShowAllDay default: true
	// Only treat unset if HighlightRed is nil and we want to ensure a base list.
	if c.HighlightRed == nil {
		c.HighlightRed = []string{"휴일", "휴가", "중요"}
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
	if c.StateDir == "" {
		c.StateDir = "./var"
	}
	c.Display.normalize()
	if len(c.Layout) == 0 {
		c.Layout = DefaultLayout(c.Display.Width, c.Display.Height)
	}
	switch c.Renderer.Mode {
	case "text", "capture":
		// ok
	default:
		c.Renderer.Mode = "text"
	}
}

func (d *DisplayConfig) normalize() {
	switch d.Driver {
	case "auto", "panel", "sim":
		// ok
	default:
		d.Driver = "auto"
	}
	if d.Width <= 0 {
		d.Width = 400
	}
	if d.Height <= 0 {
		d.Height = 300
	}
	if d.MinFullIntervalSec <= 0 {
		d.MinFullIntervalSec = 60
	}
	if d.MaxPartialUpdates <= 0 {
		d.MaxPartialUpdates = 5
	}
	if d.AreaThreshold <= 0 || d.AreaThreshold > 1 {
		d.AreaThreshold = 0.5
	}
	if d.ChangeThreshold <= 0 || d.ChangeThreshold >= 1 {
		d.ChangeThreshold = 0.05
	}
	if d.BusyTimeoutSec <= 0 {
		d.BusyTimeoutSec = 30
	}
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
			// First run: create default config file.
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
		return nil, err
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

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".inkcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// Set permissions to 0600 on temp file before rename.
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	// Rename over the target path.
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	return nil
}

// Save is a convenience method on Config that delegates to the package-level
// Save function. This makes Web UI code slightly nicer:
//
//	cfg, _ := config.Load(path)
//	// ... mutate cfg ...
//	if err := cfg.Save(path); err != nil { ... }
func (c *Config) Save(path string) error {
	return Save(path, c)
}
