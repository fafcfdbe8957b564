// Package config provides configuration loading and management for dcmseg.
// It handles loading configuration from YAML files, applies DCMSEG_*
// environment overrides and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"dcmseg/pkg/errs"
)

// EnvPrefix prefixes every environment override, e.g. DCMSEG_CONFIG_DIR.
const EnvPrefix = "dcmseg"

// Converter strategies.
const (
	StrategyLibrary = "library"
	StrategyBinary  = "binary"
)

// Releases holds the dcm2niix release archive URL for each supported platform.
type Releases struct {
	Windows  string `yaml:"windows" envconfig:"windows"`
	MacARM   string `yaml:"macArm" envconfig:"mac_arm"`
	MacIntel string `yaml:"macIntel" envconfig:"mac_intel"`
	Linux    string `yaml:"linux" envconfig:"linux"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// ConfigDir caches the downloaded converter binary
	ConfigDir string `yaml:"configDir" envconfig:"config_dir"`

	Conversion struct {
		// Strategy is "library" (in-process) or "binary" (dcm2niix)
		Strategy string `yaml:"strategy" envconfig:"strategy"`

		// ExtractSubdir is the scratch subfolder that receives archive contents
		ExtractSubdir string `yaml:"extractSubdir" envconfig:"extract_subdir"`

		// Verbose forwards converter output and contour diagnostics
		Verbose bool `yaml:"verbose" envconfig:"verbose"`
	} `yaml:"conversion" envconfig:"conversion"`

	Download struct {
		Timeout  time.Duration `yaml:"timeout" envconfig:"timeout"`
		Releases Releases      `yaml:"releases" envconfig:"releases"`
	} `yaml:"download" envconfig:"download"`

	Logging struct {
		// Mode is "dev", "prod" or "quiet"
		Mode string `yaml:"mode" envconfig:"mode"`
	} `yaml:"logging" envconfig:"logging"`
}

const releaseBase = "https://github.com/rordenlab/dcm2niix/releases/download/v1.0.20230411/"

// DefaultReleases are the dcm2niix v1.0.20230411 archives.
func DefaultReleases() Releases {
	return Releases{
		Windows:  releaseBase + "dcm2niix_win.zip",
		MacARM:   releaseBase + "dcm2niix_macos.zip",
		MacIntel: releaseBase + "dcm2niix_macos.zip",
		Linux:    releaseBase + "dcm2niix_lnx.zip",
	}
}

// DefaultConfigDir is <user config dir>/dcmseg, or .dcmseg when the user
// config dir is unknown.
func DefaultConfigDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ".dcmseg"
	}
	return filepath.Join(base, "dcmseg")
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ConfigDir = DefaultConfigDir()

	cfg.Conversion.Strategy = StrategyLibrary
	cfg.Conversion.ExtractSubdir = "extracted_dcm"
	cfg.Conversion.Verbose = false

	cfg.Download.Timeout = 5 * time.Minute
	cfg.Download.Releases = DefaultReleases()

	cfg.Logging.Mode = "dev"
	return cfg
}

// LoadConfig loads configuration from a YAML file and applies environment
// overrides. An empty path, or a path that doesn't exist, starts from the
// defaults.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("error reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("error parsing config file: %w", err)
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("%w: error reading environment: %v", errs.ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields every run depends on.
func (c *Config) Validate() error {
	switch c.Conversion.Strategy {
	case StrategyLibrary:
	case StrategyBinary:
		if c.ConfigDir == "" {
			return fmt.Errorf("%w: the binary strategy needs a config directory", errs.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown conversion strategy %q", errs.ErrConfiguration, c.Conversion.Strategy)
	}
	if c.Conversion.ExtractSubdir == "" || filepath.IsAbs(c.Conversion.ExtractSubdir) {
		return fmt.Errorf("%w: extract subdir must be a relative name, got %q", errs.ErrConfiguration, c.Conversion.ExtractSubdir)
	}
	if c.Download.Timeout < 0 {
		return fmt.Errorf("%w: negative download timeout", errs.ErrConfiguration)
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
