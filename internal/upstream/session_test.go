package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/plugin-runtime/internal/capability"
	"github.com/joeycumines/plugin-runtime/internal/world"
)

// fakeSession is a game session server handing each accepted connection to
// the test.
func fakeSession(t *testing.T) (string, <-chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

func writeFrame(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Frame{Type: typ, Payload: raw}))
}

// runState records the outcome of Session.Run; err is valid once done is
// closed.
type runState struct {
	done chan struct{}
	err  error
}

func startSession(t *testing.T) (*Session, *world.Store, *websocket.Conn, *runState) {
	t.Helper()
	url, conns := fakeSession(t)
	store := world.NewStore()
	s, err := New(Options{URL: url, Store: store})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	run := &runState{done: make(chan struct{})}
	go func() {
		defer close(run.done)
		run.err = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-run.done
	})

	var conn *websocket.Conn
	select {
	case conn = <-conns:
	case <-time.After(5 * time.Second):
		t.Fatal("session never connected")
	}
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)
	return s, store, conn, run
}

func TestSession_PublishesSnapshotsAndSelections(t *testing.T) {
	_, store, conn, _ := startSession(t)

	writeFrame(t, conn, TypeSnapshot, world.Snapshot{
		Version: 3,
		Players: []world.Player{{ID: "p1", Units: []world.Unit{{ID: "u1"}}}},
	})
	writeFrame(t, conn, TypeSelection, world.SelectionIDs{PlayerID: "p1", UnitID: "u1"})

	require.Eventually(t, func() bool {
		v, ok := store.View()
		return ok && v.Selection.MobileUnit != nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 3, store.Snapshot().Version)

	// Older versions are dropped by the store.
	writeFrame(t, conn, TypeSnapshot, world.Snapshot{Version: 2})
	writeFrame(t, conn, TypeSnapshot, world.Snapshot{Version: 4})
	require.Eventually(t, func() bool { return store.Snapshot().Version == 4 }, 2*time.Second, 5*time.Millisecond)
}

func TestSession_MalformedFramesAreSkipped(t *testing.T) {
	for name, frame := range map[string]string{
		"syntax":        `{not json`,
		"wrong type":    `{"type":5}`,
		"array":         `[1,2]`,
		"truncated":     `{"type":`,
		"bad payload":   `{"type":"snapshot","payload":[1,2]}`,
		"unknown frame": `{"type":"mystery"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, store, conn, run := startSession(t)

			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
			writeFrame(t, conn, TypeSnapshot, world.Snapshot{Version: 9})

			require.Eventually(t, func() bool {
				select {
				case <-run.done:
					return true
				default:
				}
				snap := store.Snapshot()
				return snap != nil && snap.Version == 9
			}, 2*time.Second, 5*time.Millisecond)

			select {
			case <-run.done:
				t.Fatalf("Run returned after a malformed frame: %v", run.err)
			default:
			}
			assert.EqualValues(t, 9, store.Snapshot().Version)
		})
	}
}

func TestSession_Dispatch(t *testing.T) {
	s, _, conn, _ := startSession(t)

	go func() {
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.Type != TypeDispatch {
				continue
			}
			var a capability.Action
			if err := json.Unmarshal(f.Payload, &a); err != nil {
				return
			}
			res := DispatchResult{ID: a.ID, OK: a.Name == "MOVE_UNIT"}
			if !res.OK {
				res.Error = "unknown action " + a.Name
			}
			raw, _ := json.Marshal(res)
			if err := conn.WriteJSON(Frame{Type: TypeDispatchResult, Payload: raw}); err != nil {
				return
			}
		}
	}()

	ctx := context.Background()
	require.NoError(t, s.Dispatch(ctx, capability.Action{ID: "a1", Name: "MOVE_UNIT"}))

	err := s.Dispatch(ctx, capability.Action{ID: "a2", Name: "TELEPORT"})
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "unknown action TELEPORT")
}

func TestSession_DispatchContextCanceled(t *testing.T) {
	s, _, _, _ := startSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Dispatch(ctx, capability.Action{ID: "a1", Name: "MOVE_UNIT"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	s.mu.Lock()
	assert.Empty(t, s.pending)
	s.mu.Unlock()
}

func TestSession_DisconnectFailsPending(t *testing.T) {
	s, _, conn, run := startSession(t)

	errs := make(chan error, 1)
	go func() { errs <- s.Dispatch(context.Background(), capability.Action{ID: "a1", Name: "MOVE_UNIT"}) }()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.pending) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, conn.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(5 * time.Second):
		t.Fatal("pending dispatch never settled")
	}
	select {
	case <-run.done:
		assert.Error(t, run.err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after disconnect")
	}
	assert.False(t, s.Connected())
	assert.ErrorIs(t, s.Dispatch(context.Background(), capability.Action{ID: "a2"}), ErrDisconnected)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Store: world.NewStore()})
	assert.Error(t, err)
	_, err = New(Options{URL: "ws://localhost"})
	assert.Error(t, err)
}
