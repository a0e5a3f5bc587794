package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Inspection performs backtrace synthesis, frame-variable materialization
// with reference fix-up, child enumeration, expression evaluation,
// predicate testing, and script source fetch.
type Inspection struct {
	session *Session
}

type valueJSON struct {
	Ref             *int   `json:"ref"`
	Handle          *int   `json:"handle"`
	Type            string `json:"type"`
	Value           json.RawMessage `json:"value"`
	ClassName       string `json:"className"`
	Name            string `json:"name"`
	InferredName    string `json:"inferredName"`
	Text            string `json:"text"`
}

type frameFuncJSON struct {
	ScriptID int    `json:"scriptId"`
	Name     string `json:"name"`
}

type backtraceFrameJSON struct {
	Index      int             `json:"index"`
	Line       int             `json:"line"`
	Func       frameFuncJSON   `json:"func"`
	Arguments  []variableJSON  `json:"arguments"`
	Locals     []variableJSON  `json:"locals"`
}

type variableJSON struct {
	Name  string    `json:"name"`
	Value valueJSON `json:"value"`
}

type backtraceBody struct {
	Frames []backtraceFrameJSON `json:"frames"`
}

type lookupEntryJSON struct {
	Handle    int              `json:"handle"`
	Type      string           `json:"type"`
	ClassName string           `json:"className"`
	Text      string           `json:"text"`
	Value     json.RawMessage  `json:"value"`
	Properties []propertyJSON  `json:"properties"`
}

type propertyJSON struct {
	Name string `json:"name"`
	Ref  int    `json:"ref"`
}

// PerformBacktrace implements spec.md §4.6. If the engine reports
// running=true it has resumed under the client's feet; cb(true) fires and
// no frames are mutated. Otherwise every frame is synthesized, FixupBacktrace
// resolves deferred numeric values, and the new frame vector is installed
// before cb(false) fires.
func (insp *Inspection) PerformBacktrace(cb func(running bool)) {
	insp.session.router.Send("backtrace", map[string]interface{}{"inlineRefs": true}, func(raw json.RawMessage, running bool) {
		if running {
			cb(true)
			return
		}

		var body backtraceBody
		if err := json.Unmarshal(raw, &body); err != nil {
			insp.session.log.Warn("PerformBacktrace: malformed body", zap.Error(err))
			cb(false)
			return
		}

		thread := insp.session.Thread()
		frames := make([]*StackFrame, 0, len(body.Frames))
		var pending []*EvaluationResult

		for _, fj := range body.Frames {
			sc := insp.session.scriptByID(fj.Func.ScriptID)
			if sc == nil {
				sc = unknownScript
			}
			sf := &StackFrame{
				Thread:   thread,
				Script:   sc,
				FuncName: fj.Func.Name,
				Line:     fj.Line + 1,
				Index:    fj.Index,
			}
			for _, a := range fj.Arguments {
				if r := insp.CreateFrameVariableResult(a, sf); r != nil {
					sf.Params = append(sf.Params, r)
					if needsFixup(r) {
						pending = append(pending, r)
					}
				}
			}
			for _, l := range fj.Locals {
				if r := insp.CreateFrameVariableResult(l, sf); r != nil {
					sf.Locals = append(sf.Locals, r)
					if needsFixup(r) {
						pending = append(pending, r)
					}
				}
			}
			frames = append(frames, sf)
		}

		insp.FixupBacktrace(pending, frames, thread, func() { cb(false) })
	}, func(msg string) {
		insp.session.log.Warn("PerformBacktrace: backtrace request failed", zap.String("message", msg))
		cb(false)
	}, 5*time.Second, insp.session.HasExited)
}

func needsFixup(r *EvaluationResult) bool {
	return r.Type == "number" && r.Display == "null" && r.Handle != nil && *r.Handle > 0
}

// CreateFrameVariableResult implements spec.md §4.6's per-type dispatch.
// It returns nil for a dropped undefined value or an unrecognized type.
func (insp *Inspection) CreateFrameVariableResult(v variableJSON, frame *StackFrame) *EvaluationResult {
	val := v.Value
	r := &EvaluationResult{Name: v.Name, Type: val.Type, frame: frame, session: insp.session}

	switch val.Type {
	case "object":
		if val.ClassName == "Date" {
			r.Type = "date"
			r.Display = rawString(val.Value)
			return r
		}
		r.Display = val.ClassName
		r.Expandable = true
		r.Handle = refOf(val)
		return r
	case "string":
		r.Display = fmt.Sprintf("%q", rawString(val.Value))
		return r
	case "number":
		if val.Value == nil || string(val.Value) == "null" {
			r.Display = "null"
			r.Handle = refOf(val)
			return r
		}
		r.Display = rawNumber(val.Value)
		if n, err := strconv.ParseInt(r.Display, 10, 64); err == nil && n >= -(1<<31) && n <= (1<<32-1) {
			r.Hex = fmt.Sprintf("0x%08X", uint32(n))
		}
		return r
	case "boolean":
		r.Display = rawString(val.Value)
		return r
	case "null":
		r.Display = "null"
		return r
	case "undefined":
		return nil
	case "function":
		name := val.Name
		if name == "" {
			name = val.InferredName
		}
		if name == "" {
			r.Display = "[Function]"
		} else {
			r.Display = fmt.Sprintf("[Function: %s]", name)
		}
		r.Handle = refOf(val)
		r.Expandable = true
		return r
	default:
		insp.session.log.Warn("CreateFrameVariableResult: unknown type", zap.String("type", val.Type))
		return nil
	}
}

func refOf(v valueJSON) *int {
	if v.Ref != nil {
		return v.Ref
	}
	return v.Handle
}

func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func rawNumber(raw json.RawMessage) string {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		if f == float64(int64(f)) {
			return strconv.FormatInt(int64(f), 10)
		}
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return string(raw)
}

// FixupBacktrace issues one lookup for every pending numeric value the
// engine returned by reference only, overwrites their display/hex from the
// looked-up record's text, installs the new frame vector, and invokes cont.
// A failed lookup still installs the frames as-is.
func (insp *Inspection) FixupBacktrace(pending []*EvaluationResult, frames []*StackFrame, thread *Thread, cont func()) {
	if len(pending) == 0 {
		thread.setFrames(frames)
		cont()
		return
	}

	handles := make([]int, 0, len(pending))
	for _, r := range pending {
		handles = append(handles, *r.Handle)
	}

	insp.session.router.Send("lookup", map[string]interface{}{"handles": handles, "includeSource": false}, func(raw json.RawMessage, running bool) {
		var byHandle map[string]lookupEntryJSON
		if err := json.Unmarshal(raw, &byHandle); err == nil {
			for _, r := range pending {
				key := strconv.Itoa(*r.Handle)
				if entry, ok := byHandle[key]; ok {
					r.Display = entry.Text
					r.Hex = hexFromText(entry.Text)
				}
			}
		}
		thread.setFrames(frames)
		cont()
	}, func(msg string) {
		insp.session.log.Warn("FixupBacktrace: lookup failed", zap.String("message", msg))
		thread.setFrames(frames)
		cont()
	}, 5*time.Second, insp.session.HasExited)
}

func hexFromText(text string) string {
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil || n < -(1<<31) || n > (1<<32-1) {
		return ""
	}
	return fmt.Sprintf("0x%08X", uint32(n))
}

// EnumChildren implements spec.md §4.6: lookup on the parent's handle. An
// array-like parent's first property is its length; indices 1..length
// produce children named "[i-1]". Otherwise every property yields a named
// child, linked back to its handle.
func (insp *Inspection) EnumChildren(parent *EvaluationResult) ([]*EvaluationResult, error) {
	if parent.Handle == nil {
		return nil, nil
	}

	var out []*EvaluationResult
	var sendErr error
	ok := insp.session.router.Send("lookup", map[string]interface{}{"handles": []int{*parent.Handle}, "includeSource": false}, func(raw json.RawMessage, running bool) {
		var byHandle map[string]lookupEntryJSON
		if err := json.Unmarshal(raw, &byHandle); err != nil {
			sendErr = &ProtocolFault{Reason: err.Error()}
			return
		}
		entry, ok := byHandle[strconv.Itoa(*parent.Handle)]
		if !ok {
			return
		}

		arrayLike := entry.ClassName == "Array"
		for i, p := range entry.Properties {
			if arrayLike && i == 0 {
				continue
			}
			name := p.Name
			if arrayLike {
				name = fmt.Sprintf("[%d]", i-1)
			}
			ref := p.Ref
			out = append(out, &EvaluationResult{
				Name:       name,
				Handle:     &ref,
				Expandable: true,
				Path:       append(append([]string{}, parent.Path...), name),
				session:    insp.session,
				frame:      parent.frame,
			})
		}
	}, func(msg string) {
		sendErr = &EngineFailure{Command: "lookup", Message: msg}
	}, 5*time.Second, insp.session.HasExited)

	if !ok {
		if sendErr == nil {
			sendErr = ErrRequestTimeout
		}
		return nil, sendErr
	}
	return out, nil
}

type evaluateBody struct {
	valueJSON
}

// ExecuteText implements spec.md §4.6: evaluate an expression in a frame's
// scope with breaks disabled. A failure produces an error-marked result
// holding the engine's message as its display, rather than an error return —
// callers display evaluation failures inline.
func (insp *Inspection) ExecuteText(expression string, frame *StackFrame) *EvaluationResult {
	args := map[string]interface{}{
		"expression":     expression,
		"frame":          frame.Index,
		"global":         false,
		"disable_break":  true,
	}

	var result *EvaluationResult
	ok := insp.session.router.Send("evaluate", args, func(raw json.RawMessage, running bool) {
		var body evaluateBody
		if err := json.Unmarshal(raw, &body); err != nil {
			result = &EvaluationResult{Type: "error", Display: err.Error(), session: insp.session, frame: frame}
			return
		}
		result = insp.CreateFrameVariableResult(variableJSON{Name: expression, Value: body.valueJSON}, frame)
		if result == nil {
			result = &EvaluationResult{Name: expression, Type: "undefined", Display: "undefined", session: insp.session, frame: frame}
		}
	}, func(msg string) {
		result = &EvaluationResult{Name: expression, Type: "error", Display: msg, session: insp.session, frame: frame}
	}, 5*time.Second, insp.session.HasExited)

	if !ok && result == nil {
		result = &EvaluationResult{Name: expression, Type: "error", Display: ErrRequestTimeout.Error(), session: insp.session, frame: frame}
	}
	return result
}

type booleanResultBody struct {
	Type  string `json:"type"`
	Value bool   `json:"value"`
}

// TestPredicate evaluates Boolean(expression) on frame 0 with breaks
// disabled and routes to trueCB/falseCB based on the resulting boolean.
func (insp *Inspection) TestPredicate(expression string, trueCB, falseCB func()) {
	args := map[string]interface{}{
		"expression":    fmt.Sprintf("Boolean(%s)", expression),
		"frame":         0,
		"global":        false,
		"disable_break": true,
	}
	insp.session.router.Send("evaluate", args, func(raw json.RawMessage, running bool) {
		var body booleanResultBody
		if err := json.Unmarshal(raw, &body); err != nil || body.Type != "boolean" || !body.Value {
			falseCB()
			return
		}
		trueCB()
	}, func(msg string) {
		falseCB()
	}, 5*time.Second, insp.session.HasExited)
}

// testConditionSync is TestPredicate's synchronous form, used by
// Binding.TestAndProcessHit to evaluate a breakpoint's condition
// expression against the current top frame.
func (insp *Inspection) testConditionSync(expression string) (bool, error) {
	var result bool
	var got bool
	insp.TestPredicate(expression, func() { result = true; got = true }, func() { result = false; got = true })
	if !got {
		return false, ErrRequestTimeout
	}
	return result, nil
}

type scriptTextBody struct {
	Scripts []struct {
		ID     int    `json:"id"`
		Source string `json:"source"`
	} `json:"scripts"`
}

// GetScriptText fetches the source text of a known script id, waiting
// synchronously up to 2s.
func (insp *Inspection) GetScriptText(id int) (string, error) {
	var source string
	var found bool
	var sendErr error
	ok := insp.session.router.Send("scripts", map[string]interface{}{"ids": []int{id}, "includeSource": true}, func(raw json.RawMessage, running bool) {
		var body scriptTextBody
		if err := json.Unmarshal(raw, &body); err != nil {
			sendErr = &ProtocolFault{Reason: err.Error()}
			return
		}
		for _, sc := range body.Scripts {
			if sc.ID == id {
				source = sc.Source
				found = true
				return
			}
		}
	}, func(msg string) {
		sendErr = &EngineFailure{Command: "scripts", Message: msg}
	}, 2*time.Second, insp.session.HasExited)

	if !ok {
		if sendErr == nil {
			sendErr = ErrRequestTimeout
		}
		return "", sendErr
	}
	if !found {
		return "", ErrUnknownScript
	}
	return source, nil
}
