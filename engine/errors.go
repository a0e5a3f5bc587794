package engine

import (
	"errors"
	"fmt"
)

// Error kinds from the protocol's error-handling design: transport faults
// abort the session, request timeouts leave the pending entry to be reaped,
// engine failures carry the remote message, protocol faults in inbound
// packets are logged and dropped, and bind failures are surfaced as
// BreakpointBindFailure events and also returned from Bind as *BindFailure.
var (
	// ErrTransportClosed names a failed or closed duplex byte stream. No
	// function in this package returns it: a transport fault reaches the
	// session through the transport's terminal callback with the read
	// error, and in-flight synchronous sends return false.
	ErrTransportClosed = errors.New("nodedebug: transport closed")

	// ErrRequestTimeout is returned by a synchronous send that exhausted its
	// wait budget without a matching response.
	ErrRequestTimeout = errors.New("nodedebug: request timed out")

	// ErrSessionTerminated names the terminated-session condition. No
	// function in this package returns it; after Terminate, synchronous
	// sends short-circuit on HasExited and report failure through their
	// own return values.
	ErrSessionTerminated = errors.New("nodedebug: session terminated")

	// ErrUnsupportedTreatment guards the reserved BreakOnUnhandled enum
	// value: the engine reports no reliable uncaught-exception signal for
	// this protocol, so storing it in the treatment table is a caller bug,
	// not a silently-accepted configuration.
	ErrUnsupportedTreatment = errors.New("nodedebug: BreakOnUnhandled cannot be stored in the exception treatment table")

	// ErrInvalidBreakOn guards the BreakOn invariant: count >= 1 for every
	// kind other than Always.
	ErrInvalidBreakOn = errors.New("nodedebug: BreakOn count must be >= 1 unless kind is Always")

	// ErrUnknownScript is returned by GetScriptText when the engine's
	// scripts response has no entry for the requested script id.
	ErrUnknownScript = errors.New("nodedebug: unknown script")
)

// EngineFailure wraps a response with success=false, carrying the remote
// message verbatim so callers can log or surface it.
type EngineFailure struct {
	Command string
	Message string
}

func (e *EngineFailure) Error() string {
	return fmt.Sprintf("nodedebug: command %q failed: %s", e.Command, e.Message)
}

// ProtocolFault describes a response body that could not be decoded. It is
// returned by SetBreakpoint (and so Bind), EnumChildren and GetScriptText;
// malformed inbound packets and event bodies are logged and dropped
// without one.
type ProtocolFault struct {
	Reason string
}

func (e *ProtocolFault) Error() string {
	return "nodedebug: protocol fault: " + e.Reason
}

// BindFailure marks a breakpoint that could not be placed exactly where the
// caller asked: the engine snapped the line, or refused the condition
// predicate at the intended location. The Binding may still exist in the
// engine.
type BindFailure struct {
	Breakpoint *Breakpoint
	Binding    *Binding
	Reason     string
}

func (e *BindFailure) Error() string {
	return fmt.Sprintf("nodedebug: breakpoint bind failure for %s:%d: %s", e.Breakpoint.File, e.Breakpoint.Line, e.Reason)
}
