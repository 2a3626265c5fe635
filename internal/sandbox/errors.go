package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is the interrupt value used when an invocation exceeds its
	// wall-clock limit.
	ErrTimeout = errors.New("execution timed out")

	// ErrNoEntryPoint is returned when a script defines no update function.
	ErrNoEntryPoint = errors.New("script defines no update function")

	// ErrUnknownAction is returned by Activate for a ref not present in the
	// latest result.
	ErrUnknownAction = errors.New("unknown action ref")
)

// CompileError reports a script that could not be loaded: a syntax error,
// an exception thrown while evaluating the module body, or a missing entry
// point. It is always fatal for the plugin.
type CompileError struct {
	PluginID string
	Err      error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("plugin %q: failed to load: %v", e.PluginID, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// ExecReason classifies an ExecError.
type ExecReason int

const (
	// ReasonThrown means the script threw or its promise rejected.
	ReasonThrown ExecReason = iota
	// ReasonTimeout means the wall-clock limit was exceeded.
	ReasonTimeout
	// ReasonInterrupted means the caller's context was canceled.
	ReasonInterrupted
	// ReasonPanic means the host side panicked while running the script.
	ReasonPanic
	// ReasonClosed means the sandbox was closed.
	ReasonClosed
)

func (r ExecReason) String() string {
	switch r {
	case ReasonThrown:
		return "thrown"
	case ReasonTimeout:
		return "timeout"
	case ReasonInterrupted:
		return "interrupted"
	case ReasonPanic:
		return "panic"
	case ReasonClosed:
		return "closed"
	default:
		return fmt.Sprintf("ExecReason(%d)", int(r))
	}
}

// ExecError reports a failed invocation.
type ExecError struct {
	PluginID string
	Reason   ExecReason
	Err      error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("plugin %q: %s: %v", e.PluginID, e.Reason, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// Fatal reports whether the sandbox can no longer be used.
func (e *ExecError) Fatal() bool {
	return e.Reason == ReasonPanic || e.Reason == ReasonClosed
}
