package command

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joeycumines/plugin-runtime/internal/capability"
	"github.com/joeycumines/plugin-runtime/internal/config"
	"github.com/joeycumines/plugin-runtime/internal/engine"
	"github.com/joeycumines/plugin-runtime/internal/logging"
	"github.com/joeycumines/plugin-runtime/internal/merge"
	"github.com/joeycumines/plugin-runtime/internal/plugin"
	"github.com/joeycumines/plugin-runtime/internal/render"
	"github.com/joeycumines/plugin-runtime/internal/sandbox/builtin"
	"github.com/joeycumines/plugin-runtime/internal/upstream"
	"github.com/joeycumines/plugin-runtime/internal/world"
)

// RunCommand connects to a game session and evaluates the configured
// plugins on every world update until interrupted.
type RunCommand struct {
	*BaseCommand
	config   *config.Config
	url      string
	manifest string
	output   string
	timeout  time.Duration
}

// NewRunCommand creates a new run command.
func NewRunCommand(cfg *config.Config) *RunCommand {
	return &RunCommand{
		BaseCommand: NewBaseCommand(
			"run",
			"Connect to a game session and run the plugins",
			"run [options]",
		),
		config: cfg,
	}
}

// SetupFlags configures the flags for the run command.
func (c *RunCommand) SetupFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.url, "url", "", "Websocket URL of the game session (overrides upstream.url)")
	fs.StringVar(&c.manifest, "manifest", "", "Plugin manifest (overrides plugin.manifest)")
	fs.StringVar(&c.output, "output", "", "Document output: - for stdout, a file path, or none (overrides render.output)")
	fs.DurationVar(&c.timeout, "timeout", 0, "Per-invocation plugin time limit (overrides plugin.timeout)")
}

// Execute runs the host until SIGINT or SIGTERM.
func (c *RunCommand) Execute(args []string, stdout, stderr io.Writer) error {
	if len(args) > 0 {
		_, _ = fmt.Fprintf(stderr, "unexpected arguments: %v\n", args)
		return fmt.Errorf("unexpected arguments")
	}
	s, err := settings(c.config, c.manifest)
	if err != nil {
		return err
	}
	if c.url != "" {
		s.UpstreamURL = c.url
	}
	if c.output != "" {
		s.RenderOutput = c.output
	}
	if c.timeout > 0 {
		s.PluginTimeout = c.timeout
	}

	logger, err := newLogger(s, stderr)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, s, logger, stdout)
}

// serve wires the store, registry, engine and upstream session together and
// runs until ctx is done or the session ends. The plugin status table is
// written to stdout on the way out.
func serve(ctx context.Context, s config.Settings, logger *logging.Logger, stdout io.Writer) error {
	if s.UpstreamURL == "" {
		return errors.New("no upstream configured; use -url or set upstream.url")
	}
	cfgs, err := loadPlugins(s.Manifest)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store := world.NewStore(world.WithDefaultSelectFirst(s.DefaultSelectFirst))
	session, err := upstream.New(upstream.Options{URL: s.UpstreamURL, Store: store, Logger: logger.Logger})
	if err != nil {
		return err
	}

	sink, closeSink, err := openSink(s.RenderOutput, stdout)
	if err != nil {
		return err
	}
	defer closeSink()

	registry := plugin.NewRegistry(s.MaxFailures)
	defer registry.Close()
	eng, err := engine.New(engine.Options{
		Store:    store,
		Registry: registry,
		Factory:  capability.NewFactory(ctx, session, logger.Logger),
		Sink:     render.NewFanOut(logger.Logger, sink),
		Logger:   logger.Logger,
		Timeout:  s.PluginTimeout,
		Modules:  builtin.NewRegistry(),
	})
	if err != nil {
		return err
	}
	for _, cfg := range cfgs {
		if err := eng.Register(cfg); err != nil {
			return err
		}
	}
	logger.Info("plugins registered", slog.Int("count", len(cfgs)), slog.String("manifest", s.Manifest))

	unsubscribe := store.SelectedUnit().Subscribe(func(u *world.Unit) {
		if u == nil {
			logger.Debug("no unit selected")
			return
		}
		logger.Debug("unit selected", slog.String("unit", u.ID), slog.Any("location", u.Location))
	})
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})
	g.Go(func() error {
		// The session ending for any reason stops the host.
		defer cancel()
		return session.Run(gctx)
	})
	err = g.Wait()

	writeStatus(stdout, eng.Status())
	if err != nil {
		logger.Error("host stopped", slog.Any("error", err))
	}
	return err
}

// openSink resolves render.output.
func openSink(output string, stdout io.Writer) (render.Sink, func(), error) {
	switch output {
	case "", "none":
		return render.SinkFunc(func(context.Context, *merge.Document) error { return nil }), func() {}, nil
	case "-":
		return render.NewJSONSink(stdout), func() {}, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open render output: %w", err)
	}
	return render.NewJSONSink(f), func() { _ = f.Close() }, nil
}

func writeStatus(w io.Writer, statuses []engine.PluginStatus) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PLUGIN\tTYPE\tTRUST\tSTATE\tFAILURES\tREJECTIONS\tLAST ERROR")
	for _, s := range statuses {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			s.ID, s.Kind, s.Trust, s.State, s.Failures, s.Rejections, s.LastError)
	}
	_ = tw.Flush()
}
