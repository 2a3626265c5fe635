package command

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/joeycumines/plugin-runtime/internal/capability"
	"github.com/joeycumines/plugin-runtime/internal/config"
	"github.com/joeycumines/plugin-runtime/internal/engine"
	"github.com/joeycumines/plugin-runtime/internal/logging"
	"github.com/joeycumines/plugin-runtime/internal/plugin"
	"github.com/joeycumines/plugin-runtime/internal/sandbox"
	"github.com/joeycumines/plugin-runtime/internal/world"
)

// settings resolves the typed configuration, applying a manifest flag
// override.
func settings(cfg *config.Config, manifest string) (config.Settings, error) {
	s, err := config.DefaultSchema().Settings(cfg)
	if err != nil {
		return s, err
	}
	if manifest != "" {
		s.Manifest = manifest
	}
	return s, nil
}

// newLogger builds the host logger: JSON lines to the configured log file,
// or to stderr when none is configured.
func newLogger(s config.Settings, stderr io.Writer) (*logging.Logger, error) {
	level, err := logging.ParseLevel(s.LogLevel)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Options{
		Level:      level,
		MaxEntries: s.LogBuffer,
		File:       s.LogFile,
		MaxSizeMB:  s.LogMaxSizeMB,
		MaxFiles:   s.LogMaxFiles,
		Writer:     stderr,
	})
}

func loadPlugins(path string) ([]plugin.Config, error) {
	if path == "" {
		return nil, errors.New("no plugin manifest configured; use -manifest or set plugin.manifest")
	}
	return plugin.LoadManifestFile(path)
}

// ValidateCommand loads every plugin in the manifest into a sandbox and
// reports whether it compiles.
type ValidateCommand struct {
	*BaseCommand
	config   *config.Config
	manifest string
}

// NewValidateCommand creates a new validate command.
func NewValidateCommand(cfg *config.Config) *ValidateCommand {
	return &ValidateCommand{
		BaseCommand: NewBaseCommand(
			"validate",
			"Check that every plugin in the manifest loads",
			"validate [-manifest path]",
		),
		config: cfg,
	}
}

// SetupFlags configures the flags for the validate command.
func (c *ValidateCommand) SetupFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.manifest, "manifest", "", "Plugin manifest (overrides plugin.manifest)")
}

// Execute loads each plugin and prints a line per plugin.
func (c *ValidateCommand) Execute(args []string, stdout, stderr io.Writer) error {
	if len(args) > 0 {
		_, _ = fmt.Fprintf(stderr, "unexpected arguments: %v\n", args)
		return fmt.Errorf("unexpected arguments")
	}
	s, err := settings(c.config, c.manifest)
	if err != nil {
		return err
	}
	cfgs, err := loadPlugins(s.Manifest)
	if err != nil {
		return err
	}

	ctx := context.Background()
	factory := capability.NewFactory(ctx, nil, nil)
	failed := 0
	w := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
	for _, cfg := range cfgs {
		status := "ok"
		if _, err := plugin.CompileGate(cfg.When); err != nil {
			status = err.Error()
		} else {
			sb, err := sandbox.New(ctx, sandbox.Options{
				PluginID: cfg.ID,
				Src:      cfg.Src,
				Trust:    cfg.Trust,
				Bridge:   factory.New(cfg.ID),
				Timeout:  s.PluginTimeout,
			})
			if err != nil {
				status = err.Error()
			} else {
				_ = sb.Close()
			}
		}
		if status != "ok" {
			failed++
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", cfg.ID, cfg.Kind, cfg.Trust, status)
	}
	_ = w.Flush()

	if failed > 0 {
		return fmt.Errorf("%d of %d plugin(s) failed to load", failed, len(cfgs))
	}
	return nil
}

// EvalCommand runs a single evaluation pass over a snapshot read from a
// file and prints the merged document. Dispatched actions are printed to
// stderr and reported as accepted.
type EvalCommand struct {
	*BaseCommand
	config   *config.Config
	manifest string
	player   string
	unit     string
	tiles    string
}

// NewEvalCommand creates a new eval command.
func NewEvalCommand(cfg *config.Config) *EvalCommand {
	return &EvalCommand{
		BaseCommand: NewBaseCommand(
			"eval",
			"Evaluate the plugins once against a snapshot file",
			"eval [options] <snapshot.json>",
		),
		config: cfg,
	}
}

// SetupFlags configures the flags for the eval command.
func (c *EvalCommand) SetupFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.manifest, "manifest", "", "Plugin manifest (overrides plugin.manifest)")
	fs.StringVar(&c.player, "player", "", "Id of the local player")
	fs.StringVar(&c.unit, "unit", "", "Id of the selected mobile unit")
	fs.StringVar(&c.tiles, "tiles", "", "Comma-separated ids of the selected tiles")
}

// Execute runs the pass.
func (c *EvalCommand) Execute(args []string, stdout, stderr io.Writer) error {
	if len(args) != 1 {
		_, _ = fmt.Fprintf(stderr, "Usage: %s\n", c.Usage())
		return fmt.Errorf("expected exactly one snapshot file")
	}
	s, err := settings(c.config, c.manifest)
	if err != nil {
		return err
	}
	cfgs, err := loadPlugins(s.Manifest)
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	var snap world.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	logger, err := newLogger(s, stderr)
	if err != nil {
		return err
	}
	defer logger.Close()

	store := world.NewStore(world.WithDefaultSelectFirst(s.DefaultSelectFirst))
	store.Publish(&snap)
	ids := world.SelectionIDs{PlayerID: c.player, UnitID: c.unit}
	if c.tiles != "" {
		ids.TileIDs = strings.Split(c.tiles, ",")
	}
	store.Select(ids)

	ctx := context.Background()
	dryRun := capability.DispatcherFunc(func(_ context.Context, a capability.Action) error {
		encoded, _ := json.Marshal(a.Args)
		_, _ = fmt.Fprintf(stderr, "dispatch %s %s (plugin %s)\n", a.Name, encoded, a.PluginID)
		return nil
	})

	registry := plugin.NewRegistry(s.MaxFailures)
	defer registry.Close()
	eng, err := engine.New(engine.Options{
		Store:    store,
		Registry: registry,
		Factory:  capability.NewFactory(ctx, dryRun, logger.Logger),
		Logger:   logger.Logger,
		Timeout:  s.PluginTimeout,
	})
	if err != nil {
		return err
	}
	for _, cfg := range cfgs {
		if err := eng.Register(cfg); err != nil {
			return err
		}
	}

	view, _ := store.View()
	doc, err := eng.Evaluate(ctx, view)
	if err != nil {
		return err
	}
	logger.Debug("evaluated", slog.Int("plugins", len(cfgs)))

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
