// Package command implements the pluginhost subcommands.
package command

import (
	"flag"
	"fmt"
	"io"
	"sort"
)

// Command represents a subcommand.
type Command interface {
	Name() string
	Description() string
	Usage() string

	// SetupFlags configures the flag.FlagSet used to parse the command's
	// arguments.
	SetupFlags(fs *flag.FlagSet)

	// Execute runs the command with the arguments left after flag parsing.
	Execute(args []string, stdout, stderr io.Writer) error
}

// BaseCommand provides the descriptive half of Command for embedding.
type BaseCommand struct {
	name        string
	description string
	usage       string
}

// NewBaseCommand creates a new BaseCommand.
func NewBaseCommand(name, description, usage string) *BaseCommand {
	return &BaseCommand{
		name:        name,
		description: description,
		usage:       usage,
	}
}

// Name returns the command name.
func (c *BaseCommand) Name() string {
	return c.name
}

// Description returns the command description.
func (c *BaseCommand) Description() string {
	return c.description
}

// Usage returns the command usage.
func (c *BaseCommand) Usage() string {
	return c.usage
}

// SetupFlags defines no flags.
func (c *BaseCommand) SetupFlags(fs *flag.FlagSet) {}

// Registry is the set of available commands.
type Registry struct {
	commands map[string]Command
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// Register adds a command, replacing any with the same name.
func (r *Registry) Register(cmd Command) {
	r.commands[cmd.Name()] = cmd
}

// Get returns a command by name.
func (r *Registry) Get(name string) (Command, error) {
	if cmd, ok := r.commands[name]; ok {
		return cmd, nil
	}
	return nil, fmt.Errorf("command not found: %s", name)
}

// List returns the sorted command names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
