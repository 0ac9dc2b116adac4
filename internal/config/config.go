package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata" // Africa/Tunis must resolve on minimal hosts

	"gopkg.in/yaml.v3"

	"subdash/internal/query"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the Web UI/API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// SourceConfig selects where subscription records come from. If APIURL is
// set the HTTP API is used, otherwise the YAML file at Path.
type SourceConfig struct {
	Path    string        `yaml:"path" json:"path"`
	APIURL  string        `yaml:"api_url,omitempty" json:"api_url,omitempty"`
	Token   string        `yaml:"token,omitempty" json:"token,omitempty"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	Retries int           `yaml:"retries" json:"retries"`
}

// CaptureConfig controls the chromedp screenshots of the calendar page.
type CaptureConfig struct {
	OutputDir string `yaml:"output_dir" json:"output_dir"`
	// NarrowWidth and WideWidth are the viewport widths captured on each
	// side of the header breakpoint.
	NarrowWidth int           `yaml:"narrow_width" json:"narrow_width"`
	WideWidth   int           `yaml:"wide_width" json:"wide_width"`
	Height      int           `yaml:"height" json:"height"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the Web UI and API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used to display event dates.
	Timezone string `yaml:"timezone" json:"timezone"`

	// LogLevel is one of debug, info, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// HorizonDays is how many days ahead /calendar shows by default.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// BackfillDays is how many past days /calendar includes by default.
	BackfillDays int `yaml:"backfill_days" json:"backfill_days"`

	Query   query.Policy  `yaml:"query" json:"query"`
	Source  SourceConfig  `yaml:"source" json:"source"`
	Capture CaptureConfig `yaml:"capture" json:"capture"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:       "127.0.0.1:8080",
		Timezone:     "Africa/Tunis",
		LogLevel:     "info",
		HorizonDays:  30,
		BackfillDays: 7,
		Query:        query.DefaultPolicy(),
		Source: SourceConfig{
			Path:    "/var/lib/subdash/subscriptions.yaml",
			Timeout: 15 * time.Second,
		},
		Capture: CaptureConfig{
			OutputDir:   "/var/lib/subdash/captures",
			NarrowWidth: 375,
			WideWidth:   1280,
			Height:      900,
			Timeout:     30 * time.Second,
		},
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	switch c.LogLevel {
	case "debug", "info", "error":
	default:
		c.LogLevel = def.LogLevel
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = def.HorizonDays
	}
	if c.BackfillDays < 0 {
		c.BackfillDays = 0
	}

	c.Query.Normalize()

	if c.Source.Path == "" && c.Source.APIURL == "" {
		c.Source.Path = def.Source.Path
	}
	if c.Source.Timeout <= 0 {
		c.Source.Timeout = def.Source.Timeout
	}
	if c.Source.Retries < 0 {
		c.Source.Retries = 0
	}

	if c.Capture.OutputDir == "" {
		c.Capture.OutputDir = def.Capture.OutputDir
	}
	if c.Capture.NarrowWidth <= 0 {
		c.Capture.NarrowWidth = def.Capture.NarrowWidth
	}
	if c.Capture.WideWidth <= 0 {
		c.Capture.WideWidth = def.Capture.WideWidth
	}
	if c.Capture.Height <= 0 {
		c.Capture.Height = def.Capture.Height
	}
	if c.Capture.Timeout <= 0 {
		c.Capture.Timeout = def.Capture.Timeout
	}
}

// Validate reports settings that Normalize cannot repair.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return err
	}
	if err := c.Query.Validate(); err != nil {
		return err
	}
	if c.Capture.NarrowWidth >= c.Capture.WideWidth {
		return errors.New("capture.narrow_width must be below capture.wide_width")
	}
	return nil
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
//
// The query policy's refetch flags and retry counts keep their defaults
// unless the file sets them, since their zero values are meaningful.
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

	cfg := Config{Query: query.DefaultPolicy()}
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

	tmp, err := os.CreateTemp(dir, ".subdash-config-*.tmp")
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

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
