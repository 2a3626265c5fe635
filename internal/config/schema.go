package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// OptionType represents the expected type of a configuration option value.
type OptionType string

const (
	// TypeString is a plain string value (the default for all config values).
	TypeString OptionType = "string"
	// TypeBool is a boolean value (true/false/yes/no/1/0/on/off).
	TypeBool OptionType = "bool"
	// TypeInt is an integer value.
	TypeInt OptionType = "int"
	// TypeDuration is a Go time.Duration value (e.g. "250ms", "1s").
	TypeDuration OptionType = "duration"
	// TypePath is a filesystem path, resolved relative to the config file.
	TypePath OptionType = "path"
)

// ConfigOption declares a single configuration option with its type, default,
// documentation, and environment variable override.
type ConfigOption struct {
	// Key is the option name as it appears in the config file (kebab-case).
	Key string
	// Type is the expected value type for validation.
	Type OptionType
	// Default is the default value as a string, or "" for no default.
	Default string
	// Description is a human-readable description of the option.
	Description string
	// Section is "" for global options, or a section name.
	Section string
	// EnvVar is the environment variable that overrides this option, or "".
	EnvVar string
}

// ConfigSchema declares the expected configuration options. It is used for
// validation, documentation, typed resolution and env var mapping.
type ConfigSchema struct {
	options   []*ConfigOption
	byKey     map[string]*ConfigOption
	bySection map[string]map[string]*ConfigOption
}

// NewSchema creates a new empty ConfigSchema.
func NewSchema() *ConfigSchema {
	return &ConfigSchema{
		byKey:     make(map[string]*ConfigOption),
		bySection: make(map[string]map[string]*ConfigOption),
	}
}

// Register adds a ConfigOption to the schema. Duplicate keys within the same
// section are overwritten (last registration wins).
func (s *ConfigSchema) Register(opt ConfigOption) {
	ref := new(ConfigOption)
	*ref = opt
	s.options = append(s.options, ref)
	if opt.Section == "" {
		s.byKey[opt.Key] = ref
		return
	}
	if s.bySection[opt.Section] == nil {
		s.bySection[opt.Section] = make(map[string]*ConfigOption)
	}
	s.bySection[opt.Section][opt.Key] = ref
}

// RegisterAll adds multiple ConfigOptions to the schema.
func (s *ConfigSchema) RegisterAll(opts []ConfigOption) {
	for _, opt := range opts {
		s.Register(opt)
	}
}

// Lookup returns the ConfigOption for a key in a given section ("" for
// global), or nil.
func (s *ConfigSchema) Lookup(section, key string) *ConfigOption {
	if section == "" {
		return s.byKey[key]
	}
	if sec, ok := s.bySection[section]; ok {
		return sec[key]
	}
	return nil
}

// IsKnown reports whether key is registered in section. Global keys are
// known in every section.
func (s *ConfigSchema) IsKnown(section, key string) bool {
	if section != "" {
		if sec, ok := s.bySection[section]; ok && sec[key] != nil {
			return true
		}
	}
	return s.byKey[key] != nil
}

// GlobalOptions returns all registered global options.
func (s *ConfigSchema) GlobalOptions() []ConfigOption {
	return s.SectionOptions("")
}

// SectionOptions returns all registered options for a section.
func (s *ConfigSchema) SectionOptions(section string) []ConfigOption {
	var out []ConfigOption
	for _, o := range s.options {
		if o.Section == section {
			out = append(out, *o)
		}
	}
	return out
}

// Sections returns the sorted non-empty section names.
func (s *ConfigSchema) Sections() []string {
	out := make([]string, 0, len(s.bySection))
	for sec := range s.bySection {
		out = append(out, sec)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the effective value for a global key by checking, in
// order: the environment variable declared for it, the config value, the
// schema default.
func (s *ConfigSchema) Resolve(c *Config, key string) string {
	opt := s.Lookup("", key)
	if opt != nil && opt.EnvVar != "" {
		if v, ok := os.LookupEnv(opt.EnvVar); ok {
			return v
		}
	}
	if v, ok := c.GetGlobalOption(key); ok {
		return v
	}
	if opt != nil {
		return opt.Default
	}
	return ""
}

// ValidateConfig checks a loaded Config against the schema and returns
// human-readable issues: unknown options and type mismatches.
func ValidateConfig(c *Config, s *ConfigSchema) []string {
	var issues []string

	for key, value := range c.Global {
		opt := s.Lookup("", key)
		if opt == nil {
			issues = append(issues, fmt.Sprintf("unknown global option: %q (value: %q)", key, value))
			continue
		}
		if err := validateType(opt.Type, value); err != nil {
			issues = append(issues, fmt.Sprintf("global option %q: %v", key, err))
		}
	}

	for section, opts := range c.Sections {
		for key, value := range opts {
			if !s.IsKnown(section, key) {
				issues = append(issues, fmt.Sprintf("unknown option in [%s]: %q (value: %q)", section, key, value))
				continue
			}
			opt := s.Lookup(section, key)
			if opt == nil {
				opt = s.Lookup("", key)
			}
			if err := validateType(opt.Type, value); err != nil {
				issues = append(issues, fmt.Sprintf("option %q in [%s]: %v", key, section, err))
			}
		}
	}

	sort.Strings(issues)
	return issues
}

func validateType(t OptionType, value string) error {
	switch t {
	case TypeString, TypePath, "":
		return nil
	case TypeBool:
		if _, err := parseBool(value); err != nil {
			return fmt.Errorf("expected bool, got %q", value)
		}
	case TypeInt:
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("expected int, got %q", value)
		}
	case TypeDuration:
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("expected duration, got %q", value)
		}
	default:
		return fmt.Errorf("unknown option type %q", t)
	}
	return nil
}

// FormatHelp returns a human-readable reference of all registered options,
// grouped by section.
func (s *ConfigSchema) FormatHelp() string {
	var b strings.Builder

	if globals := s.GlobalOptions(); len(globals) > 0 {
		b.WriteString("Global Options:\n")
		for _, o := range globals {
			writeOptionHelp(&b, o)
		}
	}

	for _, sec := range s.Sections() {
		opts := s.SectionOptions(sec)
		if len(opts) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n[%s] Options:\n", sec)
		for _, o := range opts {
			writeOptionHelp(&b, o)
		}
	}

	return b.String()
}

func writeOptionHelp(b *strings.Builder, o ConfigOption) {
	fmt.Fprintf(b, "  %-30s %s", o.Key, o.Description)
	parts := make([]string, 0, 3)
	if o.Type != "" && o.Type != TypeString {
		parts = append(parts, fmt.Sprintf("type: %s", o.Type))
	}
	if o.Default != "" {
		parts = append(parts, fmt.Sprintf("default: %s", o.Default))
	}
	if o.EnvVar != "" {
		parts = append(parts, fmt.Sprintf("env: %s", o.EnvVar))
	}
	if len(parts) > 0 {
		fmt.Fprintf(b, " (%s)", strings.Join(parts, ", "))
	}
	b.WriteString("\n")
}

// Option keys.
const (
	KeyUpstreamURL              = "upstream.url"
	KeyPluginManifest           = "plugin.manifest"
	KeyPluginTimeout            = "plugin.timeout"
	KeyPluginMaxFailures        = "plugin.max-failures"
	KeyPluginDefaultSelectFirst = "plugin.default-select-first"
	KeyLogFile                  = "log.file"
	KeyLogLevel                 = "log.level"
	KeyLogMaxSizeMB             = "log.max-size-mb"
	KeyLogMaxFiles              = "log.max-files"
	KeyLogBuffer                = "log.buffer"
	KeyRenderOutput             = "render.output"
)

// DefaultSchema returns the schema declaring every known option. This is
// the single source of truth for option names, types, defaults and
// environment overrides.
func DefaultSchema() *ConfigSchema {
	s := NewSchema()
	s.RegisterAll([]ConfigOption{
		{Key: KeyUpstreamURL, Type: TypeString, Default: "", Description: "Websocket URL of the game session", EnvVar: "PLUGINRT_UPSTREAM_URL"},

		{Key: KeyPluginManifest, Type: TypePath, Default: "", Description: "YAML manifest listing the plugins to load", EnvVar: "PLUGINRT_MANIFEST"},
		{Key: KeyPluginTimeout, Type: TypeDuration, Default: "1s", Description: "Wall-clock limit per plugin invocation"},
		{Key: KeyPluginMaxFailures, Type: TypeInt, Default: "3", Description: "Consecutive failures before a plugin is faulted"},
		{Key: KeyPluginDefaultSelectFirst, Type: TypeBool, Default: "false", Description: "Select the player's first unit when none is selected"},

		{Key: KeyLogFile, Type: TypePath, Default: "", Description: "Log file path (JSON output)", EnvVar: "PLUGINRT_LOG_FILE"},
		{Key: KeyLogLevel, Type: TypeString, Default: "info", Description: "Log level: debug, info, warn, error", EnvVar: "PLUGINRT_LOG_LEVEL"},
		{Key: KeyLogMaxSizeMB, Type: TypeInt, Default: "10", Description: "Max log file size in MB before rotation"},
		{Key: KeyLogMaxFiles, Type: TypeInt, Default: "5", Description: "Max number of rotated log backup files"},
		{Key: KeyLogBuffer, Type: TypeInt, Default: "1000", Description: "In-memory log buffer size (entries)"},

		{Key: KeyRenderOutput, Type: TypeString, Default: "-", Description: "Where merged documents are written: - for stdout, a path, or none"},
	})
	return s
}
