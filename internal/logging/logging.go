// Package logging provides the host's slog setup: an in-memory ring of
// recent entries that can be listed and searched, optionally mirrored to a
// size-rotated JSON log file.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultMaxEntries is the ring size used when none is configured.
const DefaultMaxEntries = 1000

// LogEntry is a single retained record.
type LogEntry struct {
	Time    time.Time         `json:"time"`
	Level   slog.Level        `json:"level"`
	Message string            `json:"message"`
	Attrs   map[string]string `json:"attrs"`
	// Source is the value of the "source" attribute, e.g. "plugin".
	Source string `json:"source,omitempty"`
}

type ring struct {
	mu      sync.RWMutex
	entries []LogEntry
	maxSize int
}

func (r *ring) add(e LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	if len(r.entries) > r.maxSize {
		r.entries = r.entries[len(r.entries)-r.maxSize:]
	}
}

// Handler implements slog.Handler, retaining records in a bounded ring and
// optionally forwarding them to a mirror handler.
type Handler struct {
	ring   *ring
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
	mirror slog.Handler
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler.
func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	attrs := make(map[string]string, len(h.attrs)+record.NumAttrs())
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.String()
	}
	record.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = a.Value.String()
		return true
	})

	entry := LogEntry{
		Time:    record.Time,
		Level:   record.Level,
		Message: record.Message,
		Attrs:   attrs,
	}
	if src, ok := attrs["source"]; ok {
		entry.Source = src
		delete(attrs, "source")
	}
	h.ring.add(entry)

	if h.mirror != nil && h.mirror.Enabled(ctx, record.Level) {
		return h.mirror.Handle(ctx, record)
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h2 := *h
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	h2.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	h2.attrs = append(h2.attrs, h.attrs...)
	for _, a := range attrs {
		h2.attrs = append(h2.attrs, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	if h.mirror != nil {
		h2.mirror = h.mirror.WithAttrs(attrs)
	}
	return &h2
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.groups = append(append([]string(nil), h.groups...), name)
	if h.mirror != nil {
		h2.mirror = h.mirror.WithGroup(name)
	}
	return &h2
}

// Options configures New.
type Options struct {
	// Level is the minimum level retained and mirrored.
	Level slog.Leveler
	// MaxEntries bounds the in-memory ring; <= 0 selects DefaultMaxEntries.
	MaxEntries int
	// File, when set, mirrors records as JSON lines to a rotated file.
	File      string
	MaxSizeMB int
	MaxFiles  int
	// Writer, when set and File is empty, receives the mirrored records.
	Writer io.Writer
}

// Logger couples a *slog.Logger with access to its retained entries.
type Logger struct {
	*slog.Logger
	handler *Handler
	closer  io.Closer
}

// New creates a Logger.
func New(opts Options) (*Logger, error) {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}

	h := &Handler{
		ring:  &ring{entries: make([]LogEntry, 0, opts.MaxEntries), maxSize: opts.MaxEntries},
		level: opts.Level,
	}
	l := &Logger{handler: h}

	w := opts.Writer
	if opts.File != "" {
		f, err := OpenRotatingFile(opts.File, opts.MaxSizeMB, opts.MaxFiles)
		if err != nil {
			return nil, err
		}
		w = f
		l.closer = f
	}
	if w != nil {
		h.mirror = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: opts.Level})
	}

	l.Logger = slog.New(h)
	return l, nil
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// GetLogs returns a copy of all retained entries, oldest first.
func (l *Logger) GetLogs() []LogEntry {
	return l.GetRecentLogs(0)
}

// GetRecentLogs returns the most recent count entries; count <= 0 returns
// all of them.
func (l *Logger) GetRecentLogs(count int) []LogEntry {
	r := l.handler.ring
	r.mu.RLock()
	defer r.mu.RUnlock()

	if count <= 0 || count > len(r.entries) {
		count = len(r.entries)
	}
	logs := make([]LogEntry, count)
	copy(logs, r.entries[len(r.entries)-count:])
	return logs
}

// SearchLogs returns the entries whose message, attribute keys or values
// contain query, case-insensitively.
func (l *Logger) SearchLogs(query string) []LogEntry {
	r := l.handler.ring
	r.mu.RLock()
	defer r.mu.RUnlock()

	query = strings.ToLower(query)
	var matches []LogEntry
	for _, entry := range r.entries {
		if strings.Contains(strings.ToLower(entry.Message), query) {
			matches = append(matches, entry)
			continue
		}
		for key, value := range entry.Attrs {
			if strings.Contains(strings.ToLower(key), query) ||
				strings.Contains(strings.ToLower(value), query) {
				matches = append(matches, entry)
				break
			}
		}
	}
	return matches
}

// ClearLogs drops all retained entries.
func (l *Logger) ClearLogs() {
	r := l.handler.ring
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = r.entries[:0]
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
