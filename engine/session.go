package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ProcessHandle is the optional collaborator representing a launched
// debuggee process. An attach-only session has no ProcessHandle at all.
type ProcessHandle interface {
	Kill() error
	ExitCode() (code int, exited bool)
}

// Session is process-wide state for one debuggee. It exclusively owns
// every sub-map enumerated in spec.md §3; its lifetime ends at Terminate.
type Session struct {
	ID     uuid.UUID
	log    *zap.Logger
	metrics *Metrics

	transport *Transport
	router    *Router
	events    *EventSurface

	Breakpoints *BreakpointManager
	Inspection  *Inspection
	Exceptions  *ExceptionFilter
	orchestrator *Orchestrator

	attach  bool
	process ProcessHandle

	mu       sync.Mutex
	scripts  map[string]*Script // key: lower-cased name
	bindings map[int]*Binding   // key: engine breakpoint id
	thread   *Thread
	stepping SteppingState

	loadCompleteHandled bool
	handleEntryPointHit bool
	firstResume         bool
	breakOnAll          bool
	breakOnUncaught     bool

	errorCodeCache map[int]string

	termMu      sync.Mutex
	terminated  bool
	exitCodeSet bool
	exitCode    int
	doneCh      chan struct{} // closed exactly once, by Terminate
}

// NewSession constructs an unconnected Session. Call Connect to attach it
// to a duplex byte stream.
func NewSession(log *zap.Logger, metrics *Metrics) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		ID:             uuid.New(),
		log:            log,
		metrics:        metrics,
		events:         NewEventSurface(64),
		scripts:        make(map[string]*Script),
		bindings:       make(map[int]*Binding),
		errorCodeCache: make(map[int]string),
		firstResume:    true,
		doneCh:         make(chan struct{}),
	}
	s.Breakpoints = &BreakpointManager{session: s}
	s.Inspection = &Inspection{session: s}
	s.Exceptions = newExceptionFilter(s)
	s.orchestrator = &Orchestrator{session: s}
	return s
}

// Events returns the session's Event Surface.
func (s *Session) Events() *EventSurface { return s.events }

// Thread returns the session's sole debuggee thread (created at Connect).
func (s *Session) Thread() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thread
}

// Connect opens the handshake over conn (a duplex byte stream collaborator
// — e.g. a net.Conn) and, once the engine's connect packet arrives, runs
// ProcessConnect. attach indicates we're attaching to an already-running
// process rather than launching one (affects script-regex fallback: leaf
// names only, since a running process's full path may differ from what
// the caller knows).
func (s *Session) Connect(conn io.ReadWriteCloser, attach bool, process ProcessHandle) {
	s.attach = attach
	s.process = process
	s.transport = NewTransport(conn, s.log.Named("transport"))
	s.router = NewRouter(s.transport, s.log.Named("router"), s.metrics)

	s.transport.Start(s.onConnect, s.router.deliver, s.onEvent, s.onTerminal)
}

func (s *Session) onConnect() {
	go s.processConnect()
}

// processConnect implements spec.md §4.3 ProcessConnect.
func (s *Session) processConnect() {
	s.mu.Lock()
	s.thread = &Thread{ID: 1}
	thread := s.thread
	s.mu.Unlock()

	s.router.Send("scripts", nil, func(body json.RawMessage, _ bool) {
		s.indexScripts(body)
	}, func(msg string) {
		s.log.Warn("processConnect: scripts request failed", zap.String("message", msg))
	}, 5*time.Second, nil)

	s.Exceptions.configureInitial()

	s.Inspection.PerformBacktrace(func(running bool) {
		s.events.emit(Event{Kind: EventThreadCreated, Thread: thread})
		s.events.emit(Event{Kind: EventProcessLoaded, Running: running})
	})
}

type scriptJSON struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func (s *Session) indexScripts(body json.RawMessage) {
	var list []scriptJSON
	if err := json.Unmarshal(body, &list); err != nil {
		s.log.Warn("indexScripts: malformed body", zap.Error(err))
		return
	}
	for _, sj := range list {
		s.addScript(sj.ID, sj.Name)
	}
}

// addScript indexes a script by case-insensitive name, emitting
// ModuleLoaded only if the script is new.
func (s *Session) addScript(id int, name string) *Script {
	key := strings.ToLower(name)
	s.mu.Lock()
	if existing, ok := s.scripts[key]; ok {
		s.mu.Unlock()
		return existing
	}
	sc := &Script{ID: id, Name: name}
	s.scripts[key] = sc
	s.mu.Unlock()
	s.events.emit(Event{Kind: EventModuleLoaded, Script: sc})
	return sc
}

func (s *Session) scriptByName(name string) (*Script, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scripts[strings.ToLower(name)]
	return sc, ok
}

func (s *Session) scriptByID(id int) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.scripts {
		if sc.ID == id {
			return sc
		}
	}
	return nil
}

// onEvent routes an inbound "event" packet by name.
func (s *Session) onEvent(env wireEnvelope) {
	switch env.Event {
	case "afterCompile":
		s.handleAfterCompile(env.Body)
	case "break":
		// Break and exception handling issue synchronous requests whose
		// responses are read by this same listener goroutine, so they run
		// on their own goroutine to keep the listener reading.
		go s.orchestrator.handleBreak(env.Body)
	case "exception":
		go s.Exceptions.handleException(env.Body)
	default:
		s.log.Debug("onEvent: ignoring unknown event", zap.String("event", env.Event))
	}
}

type afterCompileBody struct {
	Script scriptJSON `json:"script"`
}

func (s *Session) handleAfterCompile(body json.RawMessage) {
	var ac afterCompileBody
	if err := json.Unmarshal(body, &ac); err != nil {
		s.log.Warn("afterCompile: malformed body", zap.Error(err))
		return
	}
	s.addScript(ac.Script.ID, ac.Script.Name)
}

// onTerminal fires when the transport's read loop ends for any reason; it
// always drives Terminate.
func (s *Session) onTerminal(err error) {
	s.log.Info("transport terminal event", zap.Error(err))
	s.router.abandonAll()
	s.Terminate()
}

// BreakAll sends suspend; on success it fetches a fresh backtrace and
// emits AsyncBreakComplete.
func (s *Session) BreakAll() bool {
	return s.router.Send("suspend", nil, func(json.RawMessage, bool) {
		s.Inspection.PerformBacktrace(func(running bool) {
			if running {
				s.log.Warn("BreakAll: backtrace reports running=true after suspend")
				return
			}
			s.events.emit(Event{Kind: EventAsyncBreakComplete})
		})
	}, func(msg string) {
		s.log.Warn("BreakAll: suspend failed", zap.String("message", msg))
	}, 0, nil)
}

// Resume continues the debuggee with no stepping mode.
func (s *Session) Resume() bool {
	return s.continueExec(StepNone, true)
}

// Step begins a stepping operation in the given direction.
func (s *Session) Step(mode SteppingMode) bool {
	return s.continueExec(mode, true)
}

// continueExec implements spec.md §4.3 Continue(mode, reset).
func (s *Session) continueExec(mode SteppingMode, reset bool) bool {
	if reset {
		s.mu.Lock()
		s.stepping = SteppingState{Mode: mode, FrameDepthAtStep: s.threadDepthLocked(), Resuming: false}
		s.mu.Unlock()
	}

	args := map[string]interface{}{}
	if action := mode.stepAction(); action != "" {
		args["stepaction"] = action
	}

	s.mu.Lock()
	s.loadCompleteHandled = true
	s.handleEntryPointHit = false
	s.mu.Unlock()

	var argPtr interface{}
	if len(args) > 0 {
		argPtr = args
	}
	return s.router.Send("continue", argPtr, nil, func(msg string) {
		s.log.Warn("continue failed", zap.String("message", msg))
	}, 0, nil)
}

func (s *Session) threadDepthLocked() int {
	if s.thread == nil {
		return 0
	}
	return s.thread.frameDepth()
}

func (s *Session) steppingState() SteppingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepping
}

func (s *Session) setSteppingState(st SteppingState) {
	s.mu.Lock()
	s.stepping = st
	s.mu.Unlock()
}

// HasExited is the short-circuit predicate passed to synchronous sends so
// an exiting process cannot deadlock a caller. It reports whether
// Terminate has run.
func (s *Session) HasExited() bool {
	s.termMu.Lock()
	defer s.termMu.Unlock()
	return s.terminated
}

// Terminate tears the session down. It is idempotent and safe to call
// concurrently; ProcessExited fires exactly once.
func (s *Session) Terminate() {
	s.termMu.Lock()
	if s.terminated {
		s.termMu.Unlock()
		return
	}
	s.terminated = true
	s.termMu.Unlock()

	if s.transport != nil {
		_ = s.transport.Close()
	}

	code := -1
	if s.process != nil {
		if c, exited := s.process.ExitCode(); exited {
			code = c
		} else {
			_ = s.process.Kill()
			if c, exited := s.process.ExitCode(); exited {
				code = c
			}
		}
	} else if s.attach {
		// Attach case with no process handle and nothing to tear down:
		// still fire ProcessExited exactly once, per spec.md §4.3.
	}

	s.termMu.Lock()
	s.exitCode = code
	s.exitCodeSet = true
	s.termMu.Unlock()

	if s.metrics != nil {
		s.metrics.ObserveSessionTerminated()
	}
	s.events.emit(Event{Kind: EventProcessExited, ExitCode: code})
	close(s.doneCh)
}

// Wait blocks until the session has terminated, supervising the
// transport's listener and (if the debuggee was launched rather than
// attached) the launcher's wait goroutine together via a single
// errgroup.Group — a launcher failure and a listener-driven Terminate both
// surface through this one call, per the domain-stack rationale for
// golang.org/x/sync/errgroup. It returns the launcher's wait error, if any,
// or nil.
func (s *Session) Wait() error {
	var eg errgroup.Group
	eg.Go(func() error {
		<-s.doneCh
		return nil
	})
	if lp, ok := s.process.(*launchedProcess); ok {
		eg.Go(func() error {
			<-lp.Done()
			return lp.waitErrOrNil()
		})
	}
	return eg.Wait()
}

// Detach sends disconnect (no response expected), half-closes the socket,
// and drops it.
func (s *Session) Detach() {
	_ = s.router.Send("disconnect", nil, nil, nil, 0, nil)
	if s.transport != nil {
		if cw, ok := s.transport.conn.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		_ = s.transport.Close()
	}
}

// SendResumeThread implements the entry-point discipline from spec.md
// §4.4: the first resume after load routes through ProcessBreak so
// matching breakpoints at the entry line are honored before EntryPointHit
// fires; later resumes surface a deferred EntryPointHit when
// handleEntryPointHit is set and otherwise auto-resume. Nothing in this
// package sets handleEntryPointHit to true, so later resumes always
// auto-resume.
func (s *Session) SendResumeThread() {
	s.mu.Lock()
	first := s.firstResume
	s.firstResume = false
	armed := s.handleEntryPointHit
	s.mu.Unlock()

	if first {
		bindings := s.bindingsAtCurrentTopFrame()
		if len(bindings) > 0 {
			s.orchestrator.ProcessBreak(bindings, func() {
				s.events.emit(Event{Kind: EventEntryPointHit})
			}, true)
			return
		}
		s.events.emit(Event{Kind: EventEntryPointHit})
		return
	}

	if armed {
		s.mu.Lock()
		s.handleEntryPointHit = false
		s.mu.Unlock()
		s.events.emit(Event{Kind: EventEntryPointHit})
		return
	}

	s.orchestrator.AutoResume(false)
}

// bindingsAtCurrentTopFrame returns every enabled binding at the top
// frame's file and line.
func (s *Session) bindingsAtCurrentTopFrame() []*Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.thread == nil {
		return nil
	}
	frames := s.thread.frames
	if len(frames) == 0 {
		return nil
	}
	top := frames[0]
	var matches []*Binding
	for _, b := range s.bindings {
		if b.Unbound || !b.Breakpoint.Enabled {
			continue
		}
		if b.Line == top.Line && scriptMatches(b, top.Script) {
			matches = append(matches, b)
		}
	}
	return matches
}

func scriptMatches(b *Binding, sc *Script) bool {
	if sc == nil {
		return false
	}
	if b.ScriptID != nil {
		return *b.ScriptID == sc.ID
	}
	return strings.EqualFold(b.Breakpoint.File, sc.Name)
}

func (s *Session) storeBinding(b *Binding) {
	s.mu.Lock()
	s.bindings[b.EngineID] = b
	s.mu.Unlock()
}

func (s *Session) lookupBinding(engineID int) (*Binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[engineID]
	return b, ok
}

func (s *Session) deleteBinding(engineID int) {
	s.mu.Lock()
	delete(s.bindings, engineID)
	s.mu.Unlock()
}

// ExitCode returns the resolved exit code once Terminate has completed.
func (s *Session) ExitCode() (int, bool) {
	s.termMu.Lock()
	defer s.termMu.Unlock()
	return s.exitCode, s.exitCodeSet
}

func (s *Session) String() string {
	return fmt.Sprintf("Session(%s)", s.ID)
}
