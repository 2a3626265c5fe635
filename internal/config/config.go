package config

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents the host configuration as read from file.
type Config struct {
	// Global options.
	Global map[string]string
	// Section-specific options, keyed by section name.
	Sections map[string]map[string]string
	// Path is the file the config was loaded from, if any.
	Path string
	// Warnings contains any warnings generated during config loading.
	Warnings []string
}

// NewConfig creates a new empty configuration.
func NewConfig() *Config {
	return &Config{
		Global:   make(map[string]string),
		Sections: make(map[string]map[string]string),
		Warnings: make([]string, 0),
	}
}

// Load loads configuration from the default config file path.
func Load() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, fmt.Errorf("failed to get config path: %w", err)
	}
	return LoadFromPath(configPath)
}

// LoadFromPath loads configuration from the specified file path. A missing
// file yields an empty configuration.
//
// The file uses dnsmasq-style format: optionName remainingLineIsTheValue.
// Symlinks are rejected.
func LoadFromPath(path string) (*Config, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			c := NewConfig()
			c.Path = path
			return c, nil
		}
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("symlink not allowed in config path: %s", path)
	}

	file, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	c, err := LoadFromReader(file)
	if err != nil {
		return nil, err
	}
	c.Path = path
	return c, nil
}

// LoadFromReader loads configuration from an io.Reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	config := NewConfig()
	scanner := bufio.NewScanner(r)

	var section string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSpace(strings.Trim(line, "[]"))
			if config.Sections[section] == nil {
				config.Sections[section] = make(map[string]string)
			}
			continue
		}

		name, value, _ := strings.Cut(line, " ")
		value = strings.TrimSpace(value)
		if section == "" {
			config.Global[name] = value
		} else {
			config.Sections[section][name] = value
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config: %w", err)
	}

	for _, issue := range ValidateConfig(config, DefaultSchema()) {
		config.addWarning("%s", issue)
	}

	return config, nil
}

func (c *Config) addWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.Warnings = append(c.Warnings, msg)
	slog.Warn("[Config] " + msg)
}

// parseBool accepts true, false, 1, 0, yes, no, on, off (case-insensitive).
func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value: %s", s)
	}
}

// GetGlobalOption returns a global configuration option.
func (c *Config) GetGlobalOption(name string) (string, bool) {
	value, exists := c.Global[name]
	return value, exists
}

// GetSectionOption returns a section option, falling back to the global
// option of the same name.
func (c *Config) GetSectionOption(section, name string) (string, bool) {
	if opts, exists := c.Sections[section]; exists {
		if value, exists := opts[name]; exists {
			return value, true
		}
	}
	return c.GetGlobalOption(name)
}

// SetGlobalOption sets a global configuration option.
func (c *Config) SetGlobalOption(name, value string) {
	c.Global[name] = value
}

// HasWarnings returns true if there are any warnings.
func (c *Config) HasWarnings() bool {
	return len(c.Warnings) > 0
}

// Settings is the typed, fully resolved host configuration.
type Settings struct {
	UpstreamURL        string
	Manifest           string
	PluginTimeout      time.Duration
	MaxFailures        int
	DefaultSelectFirst bool
	LogFile            string
	LogLevel           string
	LogMaxSizeMB       int
	LogMaxFiles        int
	LogBuffer          int
	RenderOutput       string
}

// Settings resolves every option through the schema (environment, then
// file, then default) and parses it. Path options are resolved relative to
// the config file.
func (s *ConfigSchema) Settings(c *Config) (Settings, error) {
	var (
		out  Settings
		errs []string
	)
	str := func(key string) string {
		return s.Resolve(c, key)
	}
	num := func(key string) int {
		v := s.Resolve(c, key)
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: expected int, got %q", key, v))
		}
		return n
	}
	dur := func(key string) time.Duration {
		v := s.Resolve(c, key)
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: expected duration, got %q", key, v))
		}
		return d
	}
	flag := func(key string) bool {
		v := s.Resolve(c, key)
		b, err := parseBool(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: expected bool, got %q", key, v))
		}
		return b
	}

	out.UpstreamURL = str(KeyUpstreamURL)
	out.Manifest = ResolveRelative(c.Path, str(KeyPluginManifest))
	out.PluginTimeout = dur(KeyPluginTimeout)
	out.MaxFailures = num(KeyPluginMaxFailures)
	out.DefaultSelectFirst = flag(KeyPluginDefaultSelectFirst)
	out.LogFile = ResolveRelative(c.Path, str(KeyLogFile))
	out.LogLevel = str(KeyLogLevel)
	out.LogMaxSizeMB = num(KeyLogMaxSizeMB)
	out.LogMaxFiles = num(KeyLogMaxFiles)
	out.LogBuffer = num(KeyLogBuffer)
	out.RenderOutput = str(KeyRenderOutput)

	if len(errs) > 0 {
		return out, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return out, nil
}
