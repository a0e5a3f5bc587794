package engine

import "sync"

// Script is an engine-known source unit. Scripts are created on discovery
// (initial inventory or an afterCompile event) and are never mutated.
type Script struct {
	ID   int
	Name string
}

// unknownScript is the sentinel used when a frame's script id cannot be
// resolved against the inventory.
var unknownScript = &Script{ID: -1, Name: "<unknown>"}

// Thread is the debuggee's sole thread. The engine is single-threaded, so
// exactly one Thread exists for the lifetime of a session.
type Thread struct {
	ID int

	mu     sync.RWMutex
	frames []*StackFrame
}

// Frames returns the current frame vector. The slice is replaced
// atomically at the end of every PerformBacktrace.
func (t *Thread) Frames() []*StackFrame {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*StackFrame, len(t.frames))
	copy(out, t.frames)
	return out
}

func (t *Thread) setFrames(frames []*StackFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = frames
}

func (t *Thread) frameDepth() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.frames)
}

func (t *Thread) frameAt(index int) *StackFrame {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index < 0 || index >= len(t.frames) {
		return nil
	}
	return t.frames[index]
}

// StackFrame is a per-stop snapshot built fresh on every backtrace.
// Previous frames are invalidated when a new vector is installed.
type StackFrame struct {
	Thread   *Thread
	Script   *Script
	FuncName string
	Line     int // 1-based
	Index    int

	Params []*EvaluationResult
	Locals []*EvaluationResult
}

// EvaluationResult is a materialized engine value. It borrows its owning
// frame's thread and the session it was produced from; it does not own
// either.
type EvaluationResult struct {
	Handle     *int
	Display    string
	Hex        string
	Type       string // object|string|number|boolean|null|date|function; ExecuteText also yields undefined|error
	Name       string
	Path       []string // expression trail for children
	Expandable bool

	session *Session
	frame   *StackFrame
}

// BreakOnKind enumerates the hit-count policies a Breakpoint can carry.
type BreakOnKind int

const (
	BreakOnAlways BreakOnKind = iota
	BreakOnEqual
	BreakOnGreaterThanOrEqual
	BreakOnMod
)

// BreakOn pairs a policy kind with its count. For any kind other than
// Always, count must be >= 1.
type BreakOn struct {
	Kind  BreakOnKind
	Count int
}

// NewBreakOn validates the (kind, count) invariant at construction.
func NewBreakOn(kind BreakOnKind, count int) (BreakOn, error) {
	if kind != BreakOnAlways && count < 1 {
		return BreakOn{}, ErrInvalidBreakOn
	}
	return BreakOn{Kind: kind, Count: count}, nil
}

// Matches reports whether the nth hit (1-based) counts under this policy.
func (b BreakOn) Matches(hitCount int) bool {
	switch b.Kind {
	case BreakOnAlways:
		return true
	case BreakOnEqual:
		return hitCount == b.Count
	case BreakOnGreaterThanOrEqual:
		return hitCount >= b.Count
	case BreakOnMod:
		return b.Count > 0 && hitCount%b.Count == 0
	default:
		return false
	}
}

// Breakpoint is a user request: a file/line pair plus enablement, hit-count
// policy and an optional condition expression.
type Breakpoint struct {
	File      string
	Line      int // 1-based
	Enabled   bool
	BreakOn   BreakOn
	Condition string

	mu       sync.Mutex
	bindings []*Binding // relation + lookup only; the session map owns them
}

func (bp *Breakpoint) addBinding(b *Binding) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.bindings = append(bp.bindings, b)
}

func (bp *Breakpoint) removeBinding(b *Binding) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for i, existing := range bp.bindings {
		if existing == b {
			bp.bindings = append(bp.bindings[:i], bp.bindings[i+1:]...)
			return
		}
	}
}

// Bindings returns a snapshot of the breakpoint's current bindings.
func (bp *Breakpoint) Bindings() []*Binding {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	out := make([]*Binding, len(bp.bindings))
	copy(out, bp.bindings)
	return out
}

// Binding is the engine-side realization of a Breakpoint.
type Binding struct {
	EngineID   int
	ScriptID   *int
	Line       int // bound line, may differ from the requested line
	FullyBound bool
	Unbound    bool
	Breakpoint *Breakpoint

	mu       sync.Mutex
	hitCount int
}

// TestAndProcessHit evaluates this binding's condition predicate (if any)
// against the current top frame and, if it passes, advances the hit
// counter and checks it against the breakpoint's BreakOn policy.
//
// GreaterThanOrEqual is already enforced engine-side via ignoreCount (see
// ignoreCountFor): the engine never delivers the first Count-1 hits at
// all, so every delivered event is already the Count-th-or-later hit and
// counts unconditionally here. Re-applying Matches against the local
// counter would double-skip, since that counter only advances once per
// delivered event rather than once per real hit.
func (b *Binding) TestAndProcessHit(insp *Inspection) bool {
	if b.Breakpoint.Condition != "" {
		ok, err := insp.testConditionSync(b.Breakpoint.Condition)
		if err != nil || !ok {
			return false
		}
	}
	b.mu.Lock()
	b.hitCount++
	count := b.hitCount
	b.mu.Unlock()

	if b.Breakpoint.BreakOn.Kind == BreakOnGreaterThanOrEqual {
		return true
	}
	return b.Breakpoint.BreakOn.Matches(count)
}

// SteppingMode enumerates the three step directions the protocol supports.
type SteppingMode int

const (
	StepNone SteppingMode = iota
	StepOver
	StepInto
	StepOut
)

func (m SteppingMode) stepAction() string {
	switch m {
	case StepOver:
		return "next"
	case StepInto:
		return "in"
	case StepOut:
		return "out"
	default:
		return ""
	}
}

// SteppingState tracks an in-flight step operation so the Break
// Orchestrator can detect a tracepoint firing in a deeper frame.
type SteppingState struct {
	Mode             SteppingMode
	FrameDepthAtStep int
	Resuming         bool
}
