package command

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/joeycumines/plugin-runtime/internal/config"
)

// HelpCommand displays help information for commands.
type HelpCommand struct {
	*BaseCommand
	registry *Registry
}

// NewHelpCommand creates a new help command.
func NewHelpCommand(registry *Registry) *HelpCommand {
	return &HelpCommand{
		BaseCommand: NewBaseCommand(
			"help",
			"Display help information for commands",
			"help [command]",
		),
		registry: registry,
	}
}

// Execute displays help information.
func (c *HelpCommand) Execute(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stdout, "pluginhost - run sandboxed UI plugins against a live game session")
		_, _ = fmt.Fprintln(stdout, "")
		_, _ = fmt.Fprintln(stdout, "Usage: pluginhost <command> [options] [args...]")
		_, _ = fmt.Fprintln(stdout, "")
		_, _ = fmt.Fprintln(stdout, "Available commands:")

		w := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
		for _, name := range c.registry.List() {
			if cmd, err := c.registry.Get(name); err == nil {
				_, _ = fmt.Fprintf(w, "  %s\t%s\n", name, cmd.Description())
			}
		}
		_ = w.Flush()

		_, _ = fmt.Fprintln(stdout, "")
		_, _ = fmt.Fprintln(stdout, "Use 'pluginhost help <command>' for more information about a specific command.")
		return nil
	}

	cmd, err := c.registry.Get(args[0])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		return err
	}

	_, _ = fmt.Fprintf(stdout, "Command: %s\n", cmd.Name())
	_, _ = fmt.Fprintf(stdout, "Description: %s\n", cmd.Description())
	_, _ = fmt.Fprintf(stdout, "Usage: %s\n", cmd.Usage())

	fs := flag.NewFlagSet(cmd.Name(), flag.ContinueOnError)
	buf := &bytes.Buffer{}
	fs.SetOutput(buf)
	cmd.SetupFlags(fs)
	fs.PrintDefaults()
	if buf.Len() > 0 {
		_, _ = fmt.Fprintln(stdout, "")
		_, _ = fmt.Fprintln(stdout, "Flags:")
		_, _ = fmt.Fprint(stdout, buf.String())
	}
	return nil
}

// VersionCommand displays version information.
type VersionCommand struct {
	*BaseCommand
	version string
}

// NewVersionCommand creates a new version command.
func NewVersionCommand(version string) *VersionCommand {
	return &VersionCommand{
		BaseCommand: NewBaseCommand(
			"version",
			"Display version information",
			"version",
		),
		version: version,
	}
}

// Execute displays version information.
func (c *VersionCommand) Execute(args []string, stdout, stderr io.Writer) error {
	if len(args) > 0 {
		_, _ = fmt.Fprintf(stderr, "unexpected arguments: %v\n", args)
		return fmt.Errorf("unexpected arguments")
	}
	_, _ = fmt.Fprintf(stdout, "pluginhost version %s\n", c.version)
	return nil
}

// ConfigCommand shows the effective configuration.
type ConfigCommand struct {
	*BaseCommand
	config *config.Config
	schema *config.ConfigSchema
}

// NewConfigCommand creates a new config command.
func NewConfigCommand(cfg *config.Config) *ConfigCommand {
	return &ConfigCommand{
		BaseCommand: NewBaseCommand(
			"config",
			"Show, validate or document configuration",
			"config [show|validate|schema]",
		),
		config: cfg,
		schema: config.DefaultSchema(),
	}
}

// Execute runs the config subcommand; show is the default.
func (c *ConfigCommand) Execute(args []string, stdout, stderr io.Writer) error {
	sub := "show"
	if len(args) > 0 {
		sub = args[0]
	}
	if len(args) > 1 {
		_, _ = fmt.Fprintf(stderr, "unexpected arguments: %v\n", args[1:])
		return fmt.Errorf("unexpected arguments")
	}

	switch sub {
	case "show":
		if c.config.Path != "" {
			_, _ = fmt.Fprintf(stdout, "Config file: %s\n\n", c.config.Path)
		}
		w := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
		for _, opt := range c.schema.GlobalOptions() {
			v := c.schema.Resolve(c.config, opt.Key)
			if opt.Type == config.TypePath {
				v = config.ResolveRelative(c.config.Path, v)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\n", opt.Key, v)
		}
		return w.Flush()

	case "validate":
		if !c.config.HasWarnings() {
			_, _ = fmt.Fprintln(stdout, "Configuration is valid.")
			return nil
		}
		for _, w := range c.config.Warnings {
			_, _ = fmt.Fprintf(stdout, "  %s\n", w)
		}
		return fmt.Errorf("configuration has %d issue(s)", len(c.config.Warnings))

	case "schema":
		_, _ = fmt.Fprint(stdout, c.schema.FormatHelp())
		return nil

	default:
		_, _ = fmt.Fprintf(stderr, "unknown subcommand: %s\n", sub)
		return fmt.Errorf("unknown subcommand: %s", sub)
	}
}
