package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/joeycumines/plugin-runtime/internal/command"
	"github.com/joeycumines/plugin-runtime/internal/config"
)

const version = "0.1.0"

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	registry := command.NewRegistry()
	helpCmd := command.NewHelpCommand(registry)
	registry.Register(helpCmd)
	registry.Register(command.NewVersionCommand(version))
	registry.Register(command.NewConfigCommand(cfg))
	registry.Register(command.NewRunCommand(cfg))
	registry.Register(command.NewValidateCommand(cfg))
	registry.Register(command.NewEvalCommand(cfg))
	registry.Register(command.NewLogCommand(cfg))

	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		return helpCmd.Execute(nil, stdout, stderr)
	}

	cmd, err := registry.Get(args[0])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		_, _ = fmt.Fprintln(stderr, "Use 'pluginhost help' to see available commands.")
		return err
	}

	fs := flag.NewFlagSet(cmd.Name(), flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		_, _ = fmt.Fprintf(stderr, "Usage: %s\n", cmd.Usage())
		_, _ = fmt.Fprintf(stderr, "\n%s\n\n", cmd.Description())
		_, _ = fmt.Fprintln(stderr, "Options:")
		fs.PrintDefaults()
	}
	cmd.SetupFlags(fs)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	return cmd.Execute(fs.Args(), stdout, stderr)
}
