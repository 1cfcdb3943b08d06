package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/brettbedarf/stackfs/internal/util"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Bytes per MB
const MB = 1024 * 1024

// CLI verbosity values accepted by [ConfigOverride.LogLvl]
const (
	ErrorVerbose = iota + 1
	WarnVerbose
	InfoVerbose
	DebugVerbose
	TraceVerbose
)

// Default configuration constants. See [Config] for field descriptions.
const (
	DefaultFsName = "stackfs"
	DefaultName   = "stackfs"

	DefaultLogLvl = util.InfoLevel

	// DefaultSource mirrors the identical host path for every mounted path
	DefaultSource = "/"

	// DefaultUmask suppresses no permission bits so requested modes pass
	// through to the host unmodified
	DefaultUmask = 0

	// DefaultMaxWrite is the maximum write size per FUSE request
	DefaultMaxWrite = 1 * MB

	// DefaultAttrTimeout is the attribute cache timeout in seconds
	DefaultAttrTimeout = 1.0

	// DefaultEntryTimeout is the directory entry cache timeout in seconds
	DefaultEntryTimeout = 1.0

	// DefaultDirectIO determines whether to bypass the kernel page cache
	DefaultDirectIO = false
)

// Config contains runtime configuration values for the filesystem.
type Config struct {
	MountOptions
	LogLvl util.LogLevel // Internal log level (Default info)
	Source string        // Absolute host directory exposed at the mount root (Default "/")
	Umask  int           // Process file-creation mask applied once at startup (Default 0)
	// NOTE: Low-level FUSE config (strongly recommend defaults unless you really know what you're doing):

	MaxWrite     int     // Maximum write size per FUSE request (Default 1MB)
	AttrTimeout  float64 // Attribute cache timeout in seconds (Default 1.0)
	EntryTimeout float64 // Directory entry cache timeout in seconds (Default 1.0)
	DirectIO     bool    // Whether to bypass the kernel page cache (Default false)
}

// ConfigOverride uses pointer fields to distinguish between unset and zero values
// when loading partial configuration. See [Config] for field descriptions.
type ConfigOverride struct {
	Debug        *bool    `yaml:"debug,omitempty" json:"debug,omitempty"`
	FsName       *string  `yaml:"fs_name,omitempty" json:"fs_name,omitempty"`
	Name         *string  `yaml:"name,omitempty" json:"name,omitempty"`
	AllowOther   *bool    `yaml:"allow_other,omitempty" json:"allow_other,omitempty"`
	LogLvl       *int     `yaml:"verbose,omitempty" json:"verbose,omitempty"` // CLI verbosity 1 (error) to 5 (trace)
	Source       *string  `yaml:"source,omitempty" json:"source,omitempty"`
	Umask        *int     `yaml:"umask,omitempty" json:"umask,omitempty"`
	MaxWrite     *int     `yaml:"max_write,omitempty" json:"max_write,omitempty"`
	AttrTimeout  *float64 `yaml:"attr_timeout,omitempty" json:"attr_timeout,omitempty"`
	EntryTimeout *float64 `yaml:"entry_timeout,omitempty" json:"entry_timeout,omitempty"`
	DirectIO     *bool    `yaml:"direct_io,omitempty" json:"direct_io,omitempty"`
}

// NewDefaultConfig creates a new Config with all default values.
func NewDefaultConfig() *Config {
	return &Config{
		MountOptions: MountOptions{
			FsName: DefaultFsName,
			Name:   DefaultName,
		},
		LogLvl:       DefaultLogLvl,
		Source:       DefaultSource,
		Umask:        DefaultUmask,
		MaxWrite:     DefaultMaxWrite,
		AttrTimeout:  DefaultAttrTimeout,
		EntryTimeout: DefaultEntryTimeout,
		DirectIO:     DefaultDirectIO,
	}
}

// NewConfig creates a Config from defaults with override applied; override may be nil.
func NewConfig(override *ConfigOverride) *Config {
	cfg := NewDefaultConfig()
	if override != nil {
		cfg.Merge(override)
	}
	return cfg
}

// Merge applies non-nil values from override onto this Config.
// This allows partial configuration updates while preserving existing values.
func (c *Config) Merge(override *ConfigOverride) {
	c.Debug = util.ValueOr(override.Debug, c.Debug)
	c.FsName = util.ValueOr(override.FsName, c.FsName)
	c.Name = util.ValueOr(override.Name, c.Name)
	c.AllowOther = util.ValueOr(override.AllowOther, c.AllowOther)
	if override.LogLvl != nil {
		c.LogLvl = util.LevelFromVerbose(*override.LogLvl)
	}
	c.Source = util.ValueOr(override.Source, c.Source)
	c.Umask = util.ValueOr(override.Umask, c.Umask)
	c.MaxWrite = util.ValueOr(override.MaxWrite, c.MaxWrite)
	c.AttrTimeout = util.ValueOr(override.AttrTimeout, c.AttrTimeout)
	c.EntryTimeout = util.ValueOr(override.EntryTimeout, c.EntryTimeout)
	c.DirectIO = util.ValueOr(override.DirectIO, c.DirectIO)
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	if !filepath.IsAbs(c.Source) {
		errs = multierror.Append(errs, fmt.Errorf("source must be an absolute path: %q", c.Source))
	}
	if c.Umask < 0 || c.Umask > 0o777 {
		errs = multierror.Append(errs, fmt.Errorf("umask out of range: %#o", c.Umask))
	}
	if c.MaxWrite <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("max_write must be positive: %d", c.MaxWrite))
	}
	if c.AttrTimeout < 0 {
		errs = multierror.Append(errs, fmt.Errorf("attr_timeout must not be negative: %v", c.AttrTimeout))
	}
	if c.EntryTimeout < 0 {
		errs = multierror.Append(errs, fmt.Errorf("entry_timeout must not be negative: %v", c.EntryTimeout))
	}
	if c.FsName == "" || c.Name == "" {
		errs = multierror.Append(errs, fmt.Errorf("fs_name and name must not be empty"))
	}
	return errs.ErrorOrNil()
}

// LoadConfigOverrideFile loads configuration overrides from a file without merging.
// Supports both YAML (.yaml, .yml) and JSON (.json) formats.
func LoadConfigOverrideFile(path string) (*ConfigOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var override ConfigOverride

	// Determine format by file extension
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config file extension: %s", path)
	}

	return &override, nil
}

// NewConfigFromFile creates a new Config by merging file overrides with defaults.
// This is a convenience function that combines NewDefaultConfig, LoadConfigOverrideFile, and Merge.
func NewConfigFromFile(path string) (*Config, error) {
	override, err := LoadConfigOverrideFile(path)
	if err != nil {
		return nil, err
	}
	return NewConfig(override), nil
}
