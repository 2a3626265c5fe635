// Package render delivers merged documents to their consumers.
package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/joeycumines/plugin-runtime/internal/merge"
)

// Sink consumes merged documents. Render is only ever called with the
// latest document; documents from superseded passes are never delivered.
type Sink interface {
	Render(ctx context.Context, doc *merge.Document) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, doc *merge.Document) error

// Render implements Sink.
func (f SinkFunc) Render(ctx context.Context, doc *merge.Document) error {
	return f(ctx, doc)
}

// FanOut delivers each document to every sink. A failing sink does not
// prevent delivery to the others.
type FanOut struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewFanOut creates a FanOut. A nil logger discards sink errors after
// returning them.
func NewFanOut(logger *slog.Logger, sinks ...Sink) *FanOut {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FanOut{sinks: sinks, logger: logger}
}

// Render implements Sink. The returned error joins every sink failure.
func (f *FanOut) Render(ctx context.Context, doc *merge.Document) error {
	var errs []error
	for i, s := range f.sinks {
		if err := renderOne(ctx, s, doc); err != nil {
			f.logger.Warn("render sink failed", slog.Int("sink", i), slog.Uint64("pass", doc.Pass), slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func renderOne(ctx context.Context, s Sink, doc *merge.Document) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return s.Render(ctx, doc)
}

// JSONSink writes each document as one line of JSON.
type JSONSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONSink creates a JSONSink writing to w.
func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{enc: json.NewEncoder(w)}
}

// Render implements Sink.
func (s *JSONSink) Render(_ context.Context, doc *merge.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	return nil
}

// Latest retains the most recent document.
type Latest struct {
	mu    sync.Mutex
	doc   *merge.Document
	count int
	ch    chan struct{}
}

// NewLatest creates an empty Latest.
func NewLatest() *Latest {
	return &Latest{ch: make(chan struct{})}
}

// Render implements Sink.
func (l *Latest) Render(_ context.Context, doc *merge.Document) error {
	l.mu.Lock()
	l.doc = doc
	l.count++
	close(l.ch)
	l.ch = make(chan struct{})
	l.mu.Unlock()
	return nil
}

// Document returns the last rendered document, or nil.
func (l *Latest) Document() *merge.Document {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doc
}

// Count returns the number of documents rendered.
func (l *Latest) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Changed returns a channel closed on the next Render.
func (l *Latest) Changed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ch
}
