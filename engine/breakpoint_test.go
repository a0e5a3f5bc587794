package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBind_FullyBound covers a breakpoint placed exactly where requested:
// the engine echoes back the requested (0-based) line and a known script.
func TestBind_FullyBound(t *testing.T) {
	s, peer := newTestSession(t)
	s.addScript(7, "a.js")
	bp := &Breakpoint{File: "a.js", Line: 10, Enabled: true, BreakOn: BreakOn{Kind: BreakOnAlways}}

	go func() {
		pkt := peer.readPacket()
		assert.Equal(t, "setbreakpoint", pkt["command"])
		sid := 7
		peer.respondSuccess(int(pkt["seq"].(float64)), map[string]interface{}{
			"breakpoint":       3,
			"script_id":        sid,
			"actual_locations": []map[string]interface{}{{"line": 9}},
		})
	}()

	binding, err := s.Breakpoints.Bind(bp)
	require.NoError(t, err)
	assert.True(t, binding.FullyBound)
	assert.Equal(t, 10, binding.Line)
	assert.Equal(t, 3, binding.EngineID)
}

// TestBind_LineFixup covers spec.md §8 scenario 2: the engine snaps the
// breakpoint to a different line. The bind succeeds (the binding exists)
// but is not fully bound, and the caller gets a BindFailure.
func TestBind_LineFixup(t *testing.T) {
	s, peer := newTestSession(t)
	bp := &Breakpoint{File: "a.js", Line: 10, Enabled: true, BreakOn: BreakOn{Kind: BreakOnAlways}}

	go func() {
		pkt := peer.readPacket()
		peer.respondSuccess(int(pkt["seq"].(float64)), map[string]interface{}{
			"breakpoint":       3,
			"actual_locations": []map[string]interface{}{{"line": 10}},
		})
	}()

	binding, err := s.Breakpoints.Bind(bp)
	require.Error(t, err)
	var bindErr *BindFailure
	require.ErrorAs(t, err, &bindErr)
	assert.False(t, binding.FullyBound)
	assert.Equal(t, 11, binding.Line)
}

// TestBind_PartialWithCondition_Rebinds covers the re-bind-without-predicate
// path: a partial bind with a condition removes the first binding and
// re-sends without ignoreCount/condition.
func TestBind_PartialWithCondition_Rebinds(t *testing.T) {
	s, peer := newTestSession(t)
	bp := &Breakpoint{File: "a.js", Line: 10, Enabled: true, BreakOn: BreakOn{Kind: BreakOnAlways}, Condition: "x > 1"}

	go func() {
		first := peer.readPacket()
		assert.Contains(t, first["arguments"], "condition")
		peer.respondSuccess(int(first["seq"].(float64)), map[string]interface{}{
			"breakpoint":       3,
			"actual_locations": []map[string]interface{}{{"line": 10}},
		})

		clear := peer.readPacket()
		assert.Equal(t, "clearbreakpoint", clear["command"])
		peer.respondSuccess(int(clear["seq"].(float64)), map[string]interface{}{})

		second := peer.readPacket()
		assert.NotContains(t, second["arguments"], "condition")
		peer.respondSuccess(int(second["seq"].(float64)), map[string]interface{}{
			"breakpoint":       4,
			"actual_locations": []map[string]interface{}{{"line": 10}},
		})
	}()

	binding, err := s.Breakpoints.Bind(bp)
	require.Error(t, err)
	var bindErr *BindFailure
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, 4, binding.EngineID)
}

func TestBreakpointManager_GetHitCount(t *testing.T) {
	s, peer := newTestSession(t)

	go func() {
		pkt := peer.readPacket()
		assert.Equal(t, "listbreakpoints", pkt["command"])
		peer.respondSuccess(int(pkt["seq"].(float64)), map[string]interface{}{
			"breakpoints": []map[string]interface{}{
				{"number": 5, "hit_count": 2},
				{"number": 6, "hit_count": 9},
			},
		})
	}()

	count, ok := s.Breakpoints.GetHitCount(5)
	require.True(t, ok)
	assert.Equal(t, 2, count)
}

func TestBreakpointManager_Remove_IdempotentWhenUnbound(t *testing.T) {
	s, _ := newTestSession(t)
	b := &Binding{Unbound: true, Breakpoint: &Breakpoint{}}
	s.Breakpoints.Remove(b)
	assert.True(t, b.Unbound)
}

func TestBreakpointManager_Remove_SendsClear(t *testing.T) {
	s, peer := newTestSession(t)
	bp := &Breakpoint{File: "a.js", Line: 5}
	b := &Binding{EngineID: 9, Breakpoint: bp}
	s.storeBinding(b)

	go func() {
		pkt := peer.readPacket()
		assert.Equal(t, "clearbreakpoint", pkt["command"])
		peer.respondSuccess(int(pkt["seq"].(float64)), map[string]interface{}{})
	}()

	s.Breakpoints.Remove(b)
	time.Sleep(50 * time.Millisecond)
	assert.True(t, b.Unbound)
	_, stillThere := s.lookupBinding(9)
	assert.False(t, stillThere)
}

func TestBuildScriptRegex_CaseInsensitiveClasses(t *testing.T) {
	re := buildScriptRegex("foo.js", false)
	assert.Equal(t, "^[Ff][Oo][Oo]\\.[Jj][Ss]$", re)

	leaf := buildScriptRegex("/a/B.JS", true)
	assert.True(t, len(leaf) > 0)
	assert.Contains(t, leaf, "[Bb]")
}

func TestIgnoreCountFor(t *testing.T) {
	assert.Equal(t, 0, ignoreCountFor(BreakOn{Kind: BreakOnAlways}))
	assert.Equal(t, 0, ignoreCountFor(BreakOn{Kind: BreakOnGreaterThanOrEqual, Count: 1}))
	assert.Equal(t, 1, ignoreCountFor(BreakOn{Kind: BreakOnGreaterThanOrEqual, Count: 2}))

	// Equal and Mod have no exact engine-side representation: ignoreCount
	// stays 0 and TestAndProcessHit's client-side Matches does the work.
	assert.Equal(t, 0, ignoreCountFor(BreakOn{Kind: BreakOnEqual, Count: 3}))
	assert.Equal(t, 0, ignoreCountFor(BreakOn{Kind: BreakOnMod, Count: 3}))
}

// TestBind_SendsIgnoreCountOnlyForGreaterThanOrEqual covers the wire side
// of the GreaterThanOrEqual/Equal split: the former's Count-1 skip reaches
// the setbreakpoint request's ignoreCount argument, the latter's does not
// (it relies entirely on Binding.TestAndProcessHit's client-side Matches).
func TestBind_SendsIgnoreCountOnlyForGreaterThanOrEqual(t *testing.T) {
	s, peer := newTestSession(t)
	bp := &Breakpoint{File: "a.js", Line: 10, Enabled: true, BreakOn: BreakOn{Kind: BreakOnGreaterThanOrEqual, Count: 3}}

	go func() {
		pkt := peer.readPacket()
		args, _ := pkt["arguments"].(map[string]interface{})
		assert.EqualValues(t, 2, args["ignoreCount"])
		peer.respondSuccess(int(pkt["seq"].(float64)), map[string]interface{}{
			"breakpoint":       1,
			"script_id":        7,
			"actual_locations": []map[string]interface{}{{"line": 9}},
		})
	}()
	s.addScript(7, "a.js")
	_, err := s.Breakpoints.Bind(bp)
	require.NoError(t, err)

	bp2 := &Breakpoint{File: "a.js", Line: 10, Enabled: true, BreakOn: BreakOn{Kind: BreakOnEqual, Count: 3}}
	go func() {
		pkt := peer.readPacket()
		args, _ := pkt["arguments"].(map[string]interface{})
		assert.EqualValues(t, 0, args["ignoreCount"])
		peer.respondSuccess(int(pkt["seq"].(float64)), map[string]interface{}{
			"breakpoint":       2,
			"script_id":        7,
			"actual_locations": []map[string]interface{}{{"line": 9}},
		})
	}()
	_, err = s.Breakpoints.Bind(bp2)
	require.NoError(t, err)
}
