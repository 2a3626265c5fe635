package command

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joeycumines/plugin-runtime/internal/config"
)

// LogCommand prints, and optionally follows, the host log file.
type LogCommand struct {
	*BaseCommand
	config *config.Config
	follow bool
	lines  int
	file   string

	// ctx bounds --follow; nil means run until the process exits.
	ctx context.Context
}

// NewLogCommand creates a new log command.
func NewLogCommand(cfg *config.Config) *LogCommand {
	return &LogCommand{
		BaseCommand: NewBaseCommand("log", "View and tail the host log file", "log [tail] [options]"),
		config:      cfg,
	}
}

// SetupFlags configures the flags for the log command.
func (c *LogCommand) SetupFlags(fs *flag.FlagSet) {
	fs.BoolVar(&c.follow, "f", false, "Follow the log file (like tail -f)")
	fs.IntVar(&c.lines, "n", 10, "Number of lines to show from the end of the file")
	fs.StringVar(&c.file, "file", "", "Path to log file (overrides log.file)")
}

// Execute runs the log command.
func (c *LogCommand) Execute(args []string, stdout, stderr io.Writer) error {
	// "log tail" is an alias for "log -f".
	if len(args) > 0 && args[0] == "tail" {
		c.follow = true
		args = args[1:]
	}
	if len(args) > 0 {
		_, _ = fmt.Fprintf(stderr, "unknown subcommand: %s\n", args[0])
		return fmt.Errorf("unknown subcommand: %s", args[0])
	}

	logPath := c.file
	if logPath == "" {
		logPath = config.ResolveRelative(c.config.Path, config.DefaultSchema().Resolve(c.config, config.KeyLogFile))
	}
	if logPath == "" {
		_, _ = fmt.Fprintln(stderr, "No log file configured. Use -file or set log.file in config.")
		return fmt.Errorf("no log file configured")
	}

	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			_, _ = fmt.Fprintf(stderr, "Log file does not exist: %s\n", logPath)
			return fmt.Errorf("log file not found: %s", logPath)
		}
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	for _, line := range readLastNLines(f, c.lines) {
		_, _ = fmt.Fprintln(stdout, line)
	}
	if !c.follow {
		return nil
	}

	pos, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return followFile(ctx, f, logPath, pos, stdout)
}

// readLastNLines reads the last n lines from r, holding at most n in memory.
func readLastNLines(r io.Reader, n int) []string {
	if n <= 0 {
		return nil
	}

	ring := make([]string, n)
	count := 0
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		ring[count%n] = scanner.Text()
		count++
	}
	if count == 0 {
		return nil
	}

	total := min(count, n)
	result := make([]string, total)
	start := count - total
	for i := 0; i < total; i++ {
		result[i] = ring[(start+i)%n]
	}
	return result
}

// followFile polls f for appended data. A file that shrinks has been
// rotated, and is reopened from the start.
func followFile(ctx context.Context, f *os.File, logPath string, pos int64, stdout io.Writer) error {
	reader := bufio.NewReader(f)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	defer func() { _ = f.Close() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if fi, err := os.Stat(logPath); err == nil && fi.Size() < pos {
			nf, err := os.Open(logPath)
			if err != nil {
				continue
			}
			_ = f.Close()
			f = nf
			reader = bufio.NewReader(f)
			pos = 0
		}

		for {
			line, err := reader.ReadString('\n')
			if len(line) > 0 && line[len(line)-1] == '\n' {
				pos += int64(len(line))
				_, _ = io.WriteString(stdout, line)
				continue
			}
			if len(line) > 0 {
				// Partial line; read it again once complete.
				if _, serr := f.Seek(pos, io.SeekStart); serr == nil {
					reader.Reset(f)
				}
			}
			if err != nil {
				break
			}
		}
	}
}
