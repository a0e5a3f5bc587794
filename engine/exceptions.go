package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Treatment is the per-kind break decision for an exception name.
type Treatment int

const (
	BreakNever Treatment = iota
	BreakAlways
	// BreakOnUnhandled is reserved: the protocol reports no reliable
	// "uncaught" signal, so it can never be stored in the table. Kept as
	// an enum value so future protocol variants have somewhere to land;
	// SetTreatment rejects it with ErrUnsupportedTreatment.
	BreakOnUnhandled
)

// ExceptionFilter holds the per-kind exception treatment table and the
// handle->code cache used to resolve asynchronous error codes.
type ExceptionFilter struct {
	session *Session

	mu     sync.Mutex
	table  map[string]Treatment
	defalt Treatment
}

func defaultExceptionTable() map[string]Treatment {
	t := map[string]Treatment{
		"Error":          BreakAlways,
		"EvalError":      BreakAlways,
		"RangeError":     BreakAlways,
		"ReferenceError": BreakAlways,
		"SyntaxError":    BreakAlways,
		"TypeError":      BreakAlways,
		"URIError":       BreakAlways,
	}
	for _, errno := range []string{
		"EACCES", "EADDRINUSE", "EADDRNOTAVAIL", "EAFNOSUPPORT", "EAGAIN", "EWOULDBLOCK",
		"EALREADY", "EBADF", "EBADMSG", "EBUSY", "ECANCELED", "ECHILD", "ECONNABORTED",
		"ECONNREFUSED", "ECONNRESET", "EDEADLK", "EDESTADDRREQ", "EDOM", "EEXIST", "EFAULT",
		"EFBIG", "EHOSTUNREACH", "EIDRM", "EILSEQ", "EINPROGRESS", "EINTR", "EINVAL", "EIO",
		"EISCONN", "EISDIR", "ELOOP", "EMFILE", "EMLINK", "EMSGSIZE", "ENAMETOOLONG",
		"ENETDOWN", "ENETRESET", "ENETUNREACH", "ENFILE", "ENOBUFS", "ENODATA", "ENODEV",
		"ENOEXEC", "ENOLINK", "ENOLCK", "ENOMEM", "ENOMSG", "ENOPROTOOPT", "ENOSPC", "ENOSR",
		"ENOSTR", "ENOSYS", "ENOTCONN", "ENOTDIR", "ENOTEMPTY", "ENOTSOCK", "ENOTSUP",
		"ENOTTY", "ENXIO", "EOVERFLOW", "EPERM", "EPIPE", "EPROTO", "EPROTONOSUPPORT",
		"EPROTOTYPE", "ERANGE", "EROFS", "ESPIPE", "ESRCH", "ETIME", "ETIMEDOUT", "ETXTBSY",
		"EXDEV",
		"SIGHUP", "SIGINT", "SIGILL", "SIGABRT", "SIGFPE", "SIGKILL", "SIGSEGV", "SIGTERM",
		"SIGBREAK", "SIGWINCH",
	} {
		t[fmt.Sprintf("Error(%s)", errno)] = BreakAlways
	}
	// Quirk preserved from the protocol's defaults: a missing file is
	// common enough during normal operation that it starts silent.
	t["Error(ENOENT)"] = BreakNever
	return t
}

func newExceptionFilter(s *Session) *ExceptionFilter {
	return &ExceptionFilter{session: s, table: defaultExceptionTable(), defalt: BreakAlways}
}

// configureInitial sends the table's initial aggregate state to the engine
// right after connect, per Session Controller's ProcessConnect.
func (ef *ExceptionFilter) configureInitial() {
	ef.SetExceptionBreak(false)
}

// SetTreatment installs an explicit entry for name. BreakOnUnhandled is
// rejected: the protocol cannot honor it (see the Open Question decision
// in the design notes).
func (ef *ExceptionFilter) SetTreatment(name string, t Treatment) error {
	if t == BreakOnUnhandled {
		return ErrUnsupportedTreatment
	}
	ef.mu.Lock()
	before := ef.effectiveLocked(name)
	ef.table[name] = t
	changed := before != t
	ef.mu.Unlock()

	if changed {
		ef.SetExceptionBreak(true)
	}
	return nil
}

// ClearTreatment removes name's explicit entry, falling back to the
// default.
func (ef *ExceptionFilter) ClearTreatment(name string) {
	ef.mu.Lock()
	before := ef.effectiveLocked(name)
	delete(ef.table, name)
	changed := before != ef.effectiveLocked(name)
	ef.mu.Unlock()

	if changed {
		ef.SetExceptionBreak(true)
	}
}

// ClearAll restores the default table (every well-known name BreakAlways,
// Error(ENOENT) BreakNever) and resets the default treatment to
// BreakAlways.
func (ef *ExceptionFilter) ClearAll() {
	ef.mu.Lock()
	ef.table = defaultExceptionTable()
	ef.defalt = BreakAlways
	ef.mu.Unlock()
	ef.SetExceptionBreak(true)
}

// SetDefault updates the fallback treatment used for names with no
// explicit entry.
func (ef *ExceptionFilter) SetDefault(t Treatment) error {
	if t == BreakOnUnhandled {
		return ErrUnsupportedTreatment
	}
	ef.mu.Lock()
	changed := ef.defalt != t
	ef.defalt = t
	ef.mu.Unlock()
	if changed {
		ef.SetExceptionBreak(true)
	}
	return nil
}

func (ef *ExceptionFilter) effectiveLocked(name string) Treatment {
	if t, ok := ef.table[name]; ok {
		return t
	}
	return ef.defalt
}

func (ef *ExceptionFilter) effective(name string) Treatment {
	ef.mu.Lock()
	defer ef.mu.Unlock()
	return ef.effectiveLocked(name)
}

// SetExceptionBreak derives breakOnAll from the table and default, and
// sends setexceptionbreak only when the aggregate changed. uncaught is
// currently always false but kept symmetrical with breakOnAll per
// spec.md §4.7.
func (ef *ExceptionFilter) SetExceptionBreak(synchronous bool) {
	ef.mu.Lock()
	breakOnAll := ef.defalt != BreakNever
	if !breakOnAll {
		for _, t := range ef.table {
			if t != BreakNever {
				breakOnAll = true
				break
			}
		}
	}
	ef.mu.Unlock()

	s := ef.session
	s.mu.Lock()
	changed := s.breakOnAll != breakOnAll
	s.breakOnAll = breakOnAll
	s.mu.Unlock()

	if changed {
		ef.sendBreakFlag("all", breakOnAll, synchronous)
	}

	s.mu.Lock()
	uncaughtChanged := s.breakOnUncaught
	s.breakOnUncaught = false
	s.mu.Unlock()
	if uncaughtChanged {
		ef.sendBreakFlag("uncaught", false, synchronous)
	}
}

func (ef *ExceptionFilter) sendBreakFlag(kind string, enabled bool, synchronous bool) {
	args := map[string]interface{}{"type": kind, "enabled": enabled}
	if !synchronous {
		ef.session.router.Send("setexceptionbreak", args, nil, func(msg string) {
			ef.session.log.Warn("setexceptionbreak failed", zap.String("message", msg))
		}, 0, nil)
		return
	}
	ef.session.router.Send("setexceptionbreak", args, nil, func(msg string) {
		ef.session.log.Warn("setexceptionbreak failed", zap.String("message", msg))
	}, 2*time.Second, ef.session.HasExited)
}

type exceptionEventBody struct {
	Uncaught  bool `json:"uncaught"`
	Exception struct {
		Type                string `json:"type"`
		Text                string `json:"text"`
		ConstructorFunction *struct {
			Ref int `json:"ref"`
		} `json:"constructorFunction"`
		Properties []struct {
			Name string `json:"name"`
			Ref  int    `json:"ref"`
		} `json:"properties"`
	} `json:"exception"`
	Refs []struct {
		Handle int    `json:"handle"`
		Name   string `json:"name"`
	} `json:"refs"`
}

// handleException implements spec.md §4.7's inbound exception handling:
// compose the exception name (upgrading via the constructor ref, and
// suffixing a resolved error code), look up its effective treatment, and
// either auto-resume or backtrace-then-emit.
func (ef *ExceptionFilter) handleException(raw json.RawMessage) {
	var body exceptionEventBody
	if err := json.Unmarshal(raw, &body); err != nil {
		ef.session.log.Warn("handleException: malformed body", zap.Error(err))
		return
	}

	name := body.Exception.Type
	if (body.Exception.Type == "error" || body.Exception.Type == "object") && body.Exception.ConstructorFunction != nil {
		for _, r := range body.Refs {
			if r.Handle == body.Exception.ConstructorFunction.Ref {
				name = r.Name
				break
			}
		}
	}

	var codeRef *int
	for _, p := range body.Exception.Properties {
		if p.Name == "code" {
			ref := p.Ref
			codeRef = &ref
			break
		}
	}

	finish := func(name string) {
		treatment := ef.effective(name)
		if treatment == BreakNever {
			ef.session.orchestrator.AutoResume(true)
			return
		}
		ef.session.Inspection.PerformBacktrace(func(running bool) {
			if ef.session.metrics != nil {
				ef.session.metrics.ObserveExceptionRaised()
			}
			ef.session.events.emit(Event{
				Kind:      EventExceptionRaised,
				Exception: &ExceptionHit{Name: name, Text: body.Exception.Text, Uncaught: body.Uncaught},
			})
		})
	}

	if codeRef == nil {
		finish(name)
		return
	}

	ef.session.mu.Lock()
	cached, ok := ef.session.errorCodeCache[*codeRef]
	ef.session.mu.Unlock()
	if ok {
		finish(fmt.Sprintf("%s(%s)", name, cached))
		return
	}

	ef.session.router.Send("lookup", map[string]interface{}{"handles": []int{*codeRef}, "includeSource": false}, func(lraw json.RawMessage, running bool) {
		var byHandle map[string]struct {
			Value json.RawMessage `json:"value"`
		}
		code := ""
		if err := json.Unmarshal(lraw, &byHandle); err == nil {
			if entry, ok := byHandle[strconv.Itoa(*codeRef)]; ok {
				var s string
				if err := json.Unmarshal(entry.Value, &s); err == nil {
					code = s
				}
			}
		}
		if code != "" {
			ef.session.mu.Lock()
			ef.session.errorCodeCache[*codeRef] = code
			ef.session.mu.Unlock()
			finish(fmt.Sprintf("%s(%s)", name, code))
			return
		}
		finish(name)
	}, func(msg string) {
		ef.session.log.Warn("handleException: code lookup failed", zap.String("message", msg))
		finish(name)
	}, 5*time.Second, ef.session.HasExited)
}
