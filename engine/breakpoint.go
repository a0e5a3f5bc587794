package engine

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
)

// BreakpointManager binds/unbinds/updates breakpoints, maps engine ids to
// bindings, re-binds on partial bind, and computes the case-insensitive
// path regex used for scripts not yet in the inventory.
type BreakpointManager struct {
	session *Session
}

type setBreakpointResponseBody struct {
	Breakpoint      int    `json:"breakpoint"`
	Type            string `json:"type"`
	ScriptID        *int   `json:"script_id,omitempty"`
	ActualLocations []struct {
		Line int `json:"line"`
	} `json:"actual_locations"`
}

// Bind realizes a Breakpoint in the engine. On a full bind it stores and
// returns the new Binding. On a partial bind with a condition, it removes
// the partial binding and re-binds without the predicate — the caller
// still gets a BindFailure, since the engine couldn't honor the condition
// at the intended location (the embedder uses this to mark the breakpoint
// with a warning glyph; the binding itself is kept).
func (bm *BreakpointManager) Bind(bp *Breakpoint) (*Binding, error) {
	engineID, scriptID, actualLine, err := bm.SetBreakpoint(bp, false)
	if err != nil {
		return nil, err
	}

	fullyBound := scriptID != nil && actualLine == bp.Line

	binding := &Binding{
		EngineID:   engineID,
		ScriptID:   scriptID,
		Line:       actualLine,
		FullyBound: fullyBound,
		Breakpoint: bp,
	}

	if fullyBound {
		bm.session.storeBinding(binding)
		bp.addBinding(binding)
		bm.session.events.emit(Event{Kind: EventBreakpointBound, Binding: binding})
		return binding, nil
	}

	if bp.Condition != "" {
		bm.Remove(binding)
		engineID2, scriptID2, actualLine2, err2 := bm.SetBreakpoint(bp, true)
		if err2 != nil {
			return nil, err2
		}
		rebound := &Binding{
			EngineID:   engineID2,
			ScriptID:   scriptID2,
			Line:       actualLine2,
			FullyBound: scriptID2 != nil && actualLine2 == bp.Line,
			Breakpoint: bp,
		}
		bm.session.storeBinding(rebound)
		bp.addBinding(rebound)
		reason := "engine could not honor condition at the requested line"
		bm.session.events.emit(Event{Kind: EventBreakpointBindFailure, Breakpoint: bp, Reason: reason})
		return rebound, &BindFailure{Breakpoint: bp, Binding: rebound, Reason: reason}
	}

	bm.session.storeBinding(binding)
	bp.addBinding(binding)
	reason := "engine placed the breakpoint at a different line than requested"
	bm.session.events.emit(Event{Kind: EventBreakpointBindFailure, Breakpoint: bp, Reason: reason})
	return binding, &BindFailure{Breakpoint: bp, Binding: binding, Reason: reason}
}

// SetBreakpoint sends setbreakpoint and returns the engine id, the bound
// script id (if the script is known), and the one-based actual line.
func (bm *BreakpointManager) SetBreakpoint(bp *Breakpoint, withoutPredicate bool) (engineID int, scriptID *int, actualLine int, err error) {
	engineLine := bp.Line - 1
	column := 0
	if engineLine == 0 {
		// Engine quirk: require-loaded scripts are wrapped, so column 0 on
		// line 0 lands inside the wrapper; column 1 reaches user code.
		column = 1
	}

	args := map[string]interface{}{
		"line":   engineLine,
		"column": column,
	}

	if sc, ok := bm.session.scriptByName(bp.File); ok {
		args["type"] = "scriptId"
		args["target"] = sc.ID
	} else {
		args["type"] = "scriptRegExp"
		args["target"] = buildScriptRegex(bp.File, bm.session.attach)
	}

	if !bp.Enabled {
		args["enabled"] = false
	}
	if !withoutPredicate {
		args["ignoreCount"] = ignoreCountFor(bp.BreakOn)
		if bp.Condition != "" {
			args["condition"] = bp.Condition
		}
	}

	var body setBreakpointResponseBody
	var sendErr error
	ok := bm.session.router.Send("setbreakpoint", args, func(raw json.RawMessage, _ bool) {
		if jerr := json.Unmarshal(raw, &body); jerr != nil {
			sendErr = &ProtocolFault{Reason: jerr.Error()}
		}
	}, func(msg string) {
		sendErr = &EngineFailure{Command: "setbreakpoint", Message: msg}
	}, 5*time.Second, bm.session.HasExited)

	if !ok {
		if sendErr == nil {
			sendErr = ErrRequestTimeout
		}
		return 0, nil, 0, sendErr
	}

	if len(body.ActualLocations) > 0 {
		actualLine = body.ActualLocations[0].Line + 1
	} else {
		actualLine = bp.Line
	}
	return body.Breakpoint, body.ScriptID, actualLine, nil
}

// ignoreCountFor translates a BreakOn policy into the engine's ignoreCount
// (number of leading hits to skip unconditionally). Only GreaterThanOrEqual
// has an exact engine-side representation (skip the first Count-1 hits,
// then every further hit qualifies). Equal and Mod have no such
// representation — ignoreCount stays 0 for them and TestAndProcessHit's
// client-side Matches does all the filtering.
func ignoreCountFor(b BreakOn) int {
	if b.Kind != BreakOnGreaterThanOrEqual {
		return 0
	}
	if b.Count <= 1 {
		return 0
	}
	return b.Count - 1
}

// buildScriptRegex computes the case-insensitive (there is no
// case-insensitive flag in the engine's regex dialect, so every letter
// becomes a [Uu] class) path regex used when the breakpoint's file isn't
// yet in the script inventory. leafOnly anchors on the basename only,
// used when attaching to an already-running process whose full path the
// caller may not know precisely.
func buildScriptRegex(path string, leafOnly bool) string {
	target := path
	if leafOnly {
		if idx := strings.LastIndexAny(path, `/\`); idx >= 0 {
			target = path[idx+1:]
		}
	}

	escaped := regexp.QuoteMeta(target)
	var sb strings.Builder
	for _, r := range escaped {
		if unicode.IsLetter(r) {
			sb.WriteByte('[')
			sb.WriteRune(unicode.ToUpper(r))
			sb.WriteRune(unicode.ToLower(r))
			sb.WriteByte(']')
		} else {
			sb.WriteRune(r)
		}
	}

	if leafOnly {
		return `[\\/]` + sb.String() + "$"
	}
	return "^" + sb.String() + "$"
}

// Update sends changebreakpoint. If validateSuccess is set, it waits up to
// 2s with a short-circuit on HasExited; otherwise it fires and forgets.
func (bm *BreakpointManager) Update(engineID int, enabled *bool, condition *string, ignoreCount *int, validateSuccess bool) bool {
	args := map[string]interface{}{"breakpoint": engineID}
	if enabled != nil {
		args["enabled"] = *enabled
	}
	if condition != nil {
		args["condition"] = *condition
	}
	if ignoreCount != nil {
		args["ignoreCount"] = *ignoreCount
	}

	if !validateSuccess {
		return bm.session.router.Send("changebreakpoint", args, nil, nil, 0, nil)
	}
	return bm.session.router.Send("changebreakpoint", args, nil, func(msg string) {
		bm.session.log.Warn("changebreakpoint failed", zap.String("message", msg))
	}, 2*time.Second, bm.session.HasExited)
}

type listBreakpointsBody struct {
	Breakpoints []struct {
		Number   int `json:"number"`
		HitCount int `json:"hit_count"`
	} `json:"breakpoints"`
}

// GetHitCount sends listbreakpoints synchronously (2s, short-circuit on
// HasExited) and returns the engine's hit_count for the matching entry.
func (bm *BreakpointManager) GetHitCount(engineID int) (int, bool) {
	var result *int
	ok := bm.session.router.Send("listbreakpoints", nil, func(raw json.RawMessage, _ bool) {
		var body listBreakpointsBody
		if err := json.Unmarshal(raw, &body); err != nil {
			return
		}
		for _, b := range body.Breakpoints {
			if b.Number == engineID {
				v := b.HitCount
				result = &v
				return
			}
		}
	}, nil, 2*time.Second, bm.session.HasExited)

	if !ok || result == nil {
		return 0, false
	}
	return *result, true
}

// Remove is idempotent: removing an already-unbound binding succeeds
// silently. Otherwise it clears the breakpoint in the engine, removes the
// binding from the session map, marks it unbound, and emits
// BreakpointUnbound.
func (bm *BreakpointManager) Remove(b *Binding) {
	if b.Unbound {
		return
	}
	bm.session.router.Send("clearbreakpoint", map[string]interface{}{"breakpoint": b.EngineID}, nil, func(msg string) {
		bm.session.log.Warn("clearbreakpoint failed", zap.String("message", msg))
	}, 0, nil)

	bm.session.deleteBinding(b.EngineID)
	b.Unbound = true
	b.Breakpoint.removeBinding(b)
	bm.session.events.emit(Event{Kind: EventBreakpointUnbound, Binding: b})
}
