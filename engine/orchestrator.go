package engine

import (
	"encoding/json"

	"go.uber.org/zap"
)

// Orchestrator handles inbound break/exception events, reconciling them
// with stepping state and breakpoint-binding fix-up, and decides whether
// to surface a client-facing event or auto-resume.
type Orchestrator struct {
	session *Session
}

type breakEventBody struct {
	Breakpoints *[]int `json:"breakpoints"`
}

// handleBreak implements spec.md §4.4's inbound "break" handling: map
// engine ids to Bindings (missing ids silently dropped, distinguishing a
// null breakpoints array from an empty one), take a fresh backtrace, then
// enter ProcessBreak.
func (o *Orchestrator) handleBreak(raw json.RawMessage) {
	var body breakEventBody
	if err := json.Unmarshal(raw, &body); err != nil {
		o.session.log.Warn("handleBreak: malformed body", zap.Error(err))
		return
	}

	var bindings []*Binding
	if body.Breakpoints != nil {
		bindings = make([]*Binding, 0, len(*body.Breakpoints))
		for _, id := range *body.Breakpoints {
			if b, ok := o.session.lookupBinding(id); ok {
				bindings = append(bindings, b)
			}
		}
	}

	o.session.Inspection.PerformBacktrace(func(running bool) {
		if running {
			o.session.log.Warn("handleBreak: backtrace reports running=true")
			return
		}
		o.ProcessBreak(bindings, func() { o.AutoResume(false) }, true)
	})
}

// ProcessBreak implements spec.md §4.4. bindings == nil means step
// completion; bindings == [] (non-nil, empty) means no matching binding,
// in which case noHitHandler runs (typically AutoResume). testFullyBound
// controls whether fully-bound bindings are re-tested against their
// condition and hit-count policy (true for every real break event and for
// the entry-point path) or taken as an unconditional hit.
func (o *Orchestrator) ProcessBreak(bindings []*Binding, noHitHandler func(), testFullyBound bool) {
	if bindings == nil {
		o.CompleteStepping()
		return
	}
	if len(bindings) == 0 {
		noHitHandler()
		return
	}

	var hit []*Binding
	for _, b := range bindings {
		if b.FullyBound {
			if testFullyBound {
				if b.TestAndProcessHit(o.session.Inspection) {
					hit = append(hit, b)
				}
			} else {
				hit = append(hit, b)
			}
			continue
		}

		// Partially bound: remove and re-set. If the re-bind now lines up
		// with the current top frame, test it; otherwise this is the
		// lambda/eval fix-up case and counts as not hit.
		o.session.Breakpoints.Remove(b)
		newBinding, err := o.rebindPartial(b)
		if err != nil {
			o.session.log.Warn("ProcessBreak: re-bind failed", zap.Error(err))
			continue
		}
		if newBinding.Line == o.session.topFrameLine() {
			if newBinding.TestAndProcessHit(o.session.Inspection) {
				hit = append(hit, newBinding)
			}
		}
	}

	if len(hit) == 0 {
		noHitHandler()
		return
	}

	for _, b := range hit {
		o.processBreakpointHit(b)
	}
}

// processBreakpointHit runs a hit binding's side effects and emits
// BreakpointHit.
func (o *Orchestrator) processBreakpointHit(b *Binding) {
	if o.session.metrics != nil {
		o.session.metrics.ObserveBreakpointHit()
	}
	o.session.events.emit(Event{Kind: EventBreakpointHit, Binding: b})
}

// rebindPartial re-sets a partially-bound breakpoint, storing and
// returning the fresh Binding that replaces it. It does not remove the old
// binding; ProcessBreak does that before calling it.
func (o *Orchestrator) rebindPartial(old *Binding) (*Binding, error) {
	engineID, scriptID, actualLine, err := o.session.Breakpoints.SetBreakpoint(old.Breakpoint, false)
	if err != nil {
		return nil, err
	}
	nb := &Binding{
		EngineID:   engineID,
		ScriptID:   scriptID,
		Line:       actualLine,
		FullyBound: scriptID != nil && actualLine == old.Breakpoint.Line,
		Breakpoint: old.Breakpoint,
	}
	o.session.storeBinding(nb)
	old.Breakpoint.addBinding(nb)
	return nb, nil
}

// CompleteStepping is the subtle core of the stepping state machine: it
// ensures a user step that crosses a when-hit tracepoint in a nested
// callback neither loses its step semantics nor double-fires
// StepComplete.
func (o *Orchestrator) CompleteStepping() {
	st := o.session.steppingState()
	if st.Resuming {
		depth := o.session.threadDepth()
		switch st.Mode {
		case StepOver:
			if depth > st.FrameDepthAtStep {
				// Tracepoint fired in a deeper frame: the step has not yet
				// completed. Continue out without resetting stepping state.
				o.session.continueExec(StepOut, false)
				return
			}
		case StepOut:
			if depth+1 > st.FrameDepthAtStep {
				o.session.continueExec(StepOut, false)
				return
			}
		case StepInto:
			// No deeper-frame correction for Step Into.
		}
	}
	o.session.setSteppingState(SteppingState{})
	o.session.events.emit(Event{Kind: EventStepComplete})
}

// AutoResume is invoked whenever a break event carries no hit: when
// stepping is active it finishes the stepping state machine (fetching a
// fresh backtrace first if needBacktrace is set); otherwise it sends a
// bare continue.
func (o *Orchestrator) AutoResume(needBacktrace bool) {
	st := o.session.steppingState()
	if st.Mode == StepNone {
		o.session.router.Send("continue", nil, nil, func(msg string) {
			o.session.log.Warn("AutoResume: continue failed", zap.String("message", msg))
		}, 0, nil)
		return
	}

	finish := func(running bool) {
		if running {
			return
		}
		st.Resuming = true
		o.session.setSteppingState(st)
		o.CompleteStepping()
	}

	if needBacktrace {
		o.session.Inspection.PerformBacktrace(finish)
		return
	}
	finish(false)
}

func (s *Session) threadDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadDepthLocked()
}

func (s *Session) topFrameLine() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.thread == nil || len(s.thread.frames) == 0 {
		return -1
	}
	return s.thread.frames[0].Line
}
