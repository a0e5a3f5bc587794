package main

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/ocricci/nodedebug/engine"
)

// renderEvent prints one engine event to the terminal using the teacher's
// color convention: green for lifecycle, yellow for breakpoint events, red
// for exceptions.
func renderEvent(ev engine.Event) {
	switch ev.Kind {
	case engine.EventProcessLoaded:
		color.Green("process loaded (running=%v)", ev.Running)
	case engine.EventProcessExited:
		color.Green("process exited, code=%d", ev.ExitCode)
	case engine.EventThreadCreated:
		color.Green("thread created")
	case engine.EventModuleLoaded:
		color.Green("module loaded: %s", ev.Script.Name)
	case engine.EventEntryPointHit:
		color.Yellow("entry point hit")
	case engine.EventStepComplete:
		color.Yellow("step complete")
	case engine.EventAsyncBreakComplete:
		color.Yellow("async break complete")
	case engine.EventBreakpointBound:
		color.Yellow("breakpoint bound: %s:%d (engine id %d)", ev.Binding.Breakpoint.File, ev.Binding.Line, ev.Binding.EngineID)
	case engine.EventBreakpointUnbound:
		color.Yellow("breakpoint unbound: engine id %d", ev.Binding.EngineID)
	case engine.EventBreakpointBindFailure:
		color.Yellow("breakpoint bind failure: %s:%d: %s", ev.Breakpoint.File, ev.Breakpoint.Line, ev.Reason)
	case engine.EventBreakpointHit:
		color.Yellow("breakpoint hit: engine id %d", ev.Binding.EngineID)
	case engine.EventExceptionRaised:
		color.Red("exception: %s: %s (uncaught=%v)", ev.Exception.Name, ev.Exception.Text, ev.Exception.Uncaught)
	default:
		fmt.Println(ev.Kind.String())
	}
}
