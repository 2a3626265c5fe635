// Package upstream connects the host to the game session over a websocket.
// Inbound frames feed the world store; dispatched actions are written out
// and settled when the session reports their outcome.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/joeycumines/plugin-runtime/internal/capability"
	"github.com/joeycumines/plugin-runtime/internal/world"
)

// Frame types.
const (
	TypeSnapshot       = "snapshot"
	TypeSelection      = "selection"
	TypeDispatch       = "dispatch"
	TypeDispatchResult = "dispatch_result"
)

var (
	// ErrDisconnected is returned by Dispatch when no connection is open, or
	// when the connection drops before the outcome arrives.
	ErrDisconnected = errors.New("upstream session disconnected")

	// ErrRejected wraps the reason given by the session for a failed action.
	ErrRejected = errors.New("action rejected by session")
)

// Frame is the envelope of every message on the wire.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DispatchResult is the payload of a dispatch_result frame.
type DispatchResult struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Options configures a Session.
type Options struct {
	URL    string
	Store  *world.Store
	Logger *slog.Logger
	// Header is sent with the websocket handshake.
	Header http.Header
	// WriteTimeout bounds each outbound frame. Zero means 5s.
	WriteTimeout time.Duration
}

// Session is a single websocket connection to the game session. It
// implements capability.Dispatcher.
type Session struct {
	url          string
	store        *world.Store
	logger       *slog.Logger
	header       http.Header
	writeTimeout time.Duration
	dialer       *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan error

	writeMu sync.Mutex
}

var _ capability.Dispatcher = (*Session)(nil)

// New creates a Session. It does not connect until Run.
func New(opts Options) (*Session, error) {
	if opts.URL == "" {
		return nil, errors.New("upstream: url is required")
	}
	if opts.Store == nil {
		return nil, errors.New("upstream: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Session{
		url:          opts.URL,
		store:        opts.Store,
		logger:       opts.Logger.With(slog.String("component", "upstream")),
		header:       opts.Header,
		writeTimeout: opts.WriteTimeout,
		dialer:       websocket.DefaultDialer,
		pending:      make(map[string]chan error),
	}, nil
}

// Run connects and reads frames until ctx is done or the connection fails.
// It returns nil when stopped through ctx.
func (s *Session) Run(ctx context.Context) error {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.url, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.logger.Info("connected", slog.String("url", s.url))

	stop := context.AfterFunc(ctx, func() {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
	})
	defer stop()
	defer s.disconnect(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("session closed by peer")
				return nil
			}
			return fmt.Errorf("upstream read failed: %w", err)
		}
		// Only transport errors end the session; a bad frame is dropped.
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("discarding malformed frame", slog.Any("error", err))
			continue
		}
		s.handle(f)
	}
}

func (s *Session) handle(f Frame) {
	switch f.Type {
	case TypeSnapshot:
		var snap world.Snapshot
		if err := json.Unmarshal(f.Payload, &snap); err != nil {
			s.logger.Warn("discarding malformed snapshot", slog.Any("error", err))
			return
		}
		if !s.store.Publish(&snap) {
			s.logger.Debug("ignoring stale snapshot", slog.Uint64("version", snap.Version))
		}
	case TypeSelection:
		var ids world.SelectionIDs
		if err := json.Unmarshal(f.Payload, &ids); err != nil {
			s.logger.Warn("discarding malformed selection", slog.Any("error", err))
			return
		}
		s.store.Select(ids)
	case TypeDispatchResult:
		var res DispatchResult
		if err := json.Unmarshal(f.Payload, &res); err != nil {
			s.logger.Warn("discarding malformed dispatch result", slog.Any("error", err))
			return
		}
		s.settle(res)
	default:
		s.logger.Debug("ignoring unknown frame", slog.String("type", f.Type))
	}
}

func (s *Session) settle(res DispatchResult) {
	s.mu.Lock()
	ch, ok := s.pending[res.ID]
	delete(s.pending, res.ID)
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("dispatch result for unknown action", slog.String("id", res.ID))
		return
	}
	if res.OK {
		ch <- nil
		return
	}
	reason := res.Error
	if reason == "" {
		reason = "no reason given"
	}
	ch <- fmt.Errorf("%w: %s", ErrRejected, reason)
}

// disconnect detaches conn and fails every pending dispatch.
func (s *Session) disconnect(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	pending := s.pending
	s.pending = make(map[string]chan error)
	s.mu.Unlock()

	_ = conn.Close()
	for _, ch := range pending {
		ch <- ErrDisconnected
	}
}

// Connected reports whether a connection is open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Dispatch writes the action to the session and waits for the matching
// dispatch_result.
func (s *Session) Dispatch(ctx context.Context, action capability.Action) error {
	payload, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to encode action: %w", err)
	}

	ch := make(chan error, 1)
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return ErrDisconnected
	}
	s.pending[action.ID] = ch
	s.mu.Unlock()

	if err := s.write(conn, Frame{Type: TypeDispatch, Payload: payload}); err != nil {
		s.forget(action.ID)
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		s.forget(action.ID)
		return ctx.Err()
	}
}

func (s *Session) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) write(conn *websocket.Conn, f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(f)
}
