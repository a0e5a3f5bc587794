package engine

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

type outboundRequest struct {
	Seq       int         `json:"seq"`
	Type      string      `json:"type"`
	Command   string      `json:"command"`
	Arguments interface{} `json:"arguments,omitempty"`
}

// pendingRequest is a PendingRequest from spec.md §3: a sequence id, the
// installed callbacks, and (for synchronous callers) a completion signal
// gated by an optional timeout and short-circuit predicate.
type pendingRequest struct {
	seq int
	// successCB receives the response body plus the envelope's running
	// flag — §4.6 PerformBacktrace depends on seeing "running" even on a
	// successful response, so the Router surfaces it on every success
	// callback rather than just to backtrace's caller.
	successCB func(body json.RawMessage, running bool)
	failureCB func(string)
	done      chan bool // non-nil only for synchronous sends
}

// Router assigns monotonic sequence numbers to outbound requests,
// correlates inbound responses, and supports synchronous waits (with
// timeout and/or a short-circuit predicate) alongside fire-and-forget
// async sends.
type Router struct {
	log       *zap.Logger
	transport *Transport
	metrics   *Metrics

	mu      sync.Mutex
	seq     int
	pending map[int]*pendingRequest
}

// NewRouter builds a Router over an already-constructed Transport. The
// caller wires Router.deliver into Transport.Start's onResponse callback.
func NewRouter(t *Transport, log *zap.Logger, m *Metrics) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{log: log, transport: t, metrics: m, pending: make(map[int]*pendingRequest)}
}

// Send allocates the next sequence id, installs a PendingRequest, and
// writes the packet.
//
// It returns true immediately for async calls (timeout == 0 and
// shortCircuit == nil). For sync calls it returns true on success, false on
// timeout, short-circuit, or socket failure. If shortCircuit is already
// true before anything is sent, the call never touches the wire: it calls
// failureCB("") and returns false.
func (r *Router) Send(command string, args interface{}, successCB func(body json.RawMessage, running bool), failureCB func(string), timeout time.Duration, shortCircuit func() bool) bool {
	synchronous := timeout > 0 || shortCircuit != nil

	if shortCircuit != nil && shortCircuit() {
		if failureCB != nil {
			failureCB("")
		}
		return false
	}

	var done chan bool
	if synchronous {
		done = make(chan bool, 1)
	}

	r.mu.Lock()
	r.seq++
	seq := r.seq
	pr := &pendingRequest{seq: seq, successCB: successCB, failureCB: failureCB, done: done}
	r.pending[seq] = pr
	r.mu.Unlock()

	start := time.Now()
	req := outboundRequest{Seq: seq, Type: "request", Command: command, Arguments: args}
	if err := r.transport.Send(req); err != nil {
		r.mu.Lock()
		delete(r.pending, seq)
		r.mu.Unlock()
		r.log.Error("router: send failed", zap.String("command", command), zap.Error(err))
		return false
	}
	if r.metrics != nil {
		r.metrics.ObserveRequestSent(command)
	}

	if !synchronous {
		return true
	}

	ok := r.wait(pr, timeout, shortCircuit)
	if r.metrics != nil {
		r.metrics.ObserveRoundTrip(command, time.Since(start))
	}
	return ok
}

// wait blocks until deliver() signals completion, the short-circuit
// predicate (polled at max(1ms, timeout/10)) fires, or timeout elapses.
// A zero timeout combined with a short-circuit predicate polls every
// 200ms indefinitely.
func (r *Router) wait(pr *pendingRequest, timeout time.Duration, shortCircuit func() bool) bool {
	if shortCircuit == nil {
		select {
		case v := <-pr.done:
			return v
		case <-time.After(timeout):
			return false
		}
	}

	interval := timeout / 10
	if timeout <= 0 {
		interval = 200 * time.Millisecond
	} else if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if timeout > 0 {
		deadline = time.After(timeout)
	}

	for {
		select {
		case v := <-pr.done:
			return v
		case <-ticker.C:
			if shortCircuit() {
				return false
			}
		case <-deadline:
			return false
		}
	}
}

// deliver looks up request_seq, removes the PendingRequest, and invokes it
// with the success boolean from the response.
func (r *Router) deliver(env wireEnvelope) {
	r.mu.Lock()
	pr, ok := r.pending[env.RequestSeq]
	if ok {
		delete(r.pending, env.RequestSeq)
	}
	r.mu.Unlock()

	if !ok {
		r.log.Debug("router: response for unknown or already-reaped request_seq", zap.Int("request_seq", env.RequestSeq))
		return
	}

	if env.Success {
		if pr.successCB != nil {
			pr.successCB(env.Body, env.Running)
		}
	} else {
		if pr.failureCB != nil {
			pr.failureCB(env.Message)
		}
	}
	if pr.done != nil {
		select {
		case pr.done <- env.Success:
		default:
		}
	}
}

// abandonAll unblocks every outstanding synchronous wait with false and
// drops async pending entries, matching the spec's cancellation rule: a
// transport fault or terminate abandons in-flight requests rather than
// invoking their callbacks.
func (r *Router) abandonAll() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[int]*pendingRequest)
	r.mu.Unlock()

	for _, pr := range pending {
		if pr.done != nil {
			select {
			case pr.done <- false:
			default:
			}
		}
	}
}
