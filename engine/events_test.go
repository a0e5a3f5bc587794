package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEventSurface_SubscriberSeesWireOrder guards against the
// subscriber-goroutine race this type used to have: firing a callback
// per event on its own goroutine gave no ordering guarantee between
// back-to-back emits. A slow first callback must not let a fast second
// callback overtake it.
func TestEventSurface_SubscriberSeesWireOrder(t *testing.T) {
	s := NewEventSurface(64)

	var got []int
	done := make(chan struct{})
	first := true
	s.Subscribe(func(ev Event) {
		if first {
			time.Sleep(50 * time.Millisecond)
			first = false
		}
		got = append(got, ev.ExitCode)
		if len(got) == 100 {
			close(done)
		}
	})

	for i := 0; i < 100; i++ {
		s.emit(Event{Kind: EventProcessExited, ExitCode: i})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never drained all events")
	}

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v, "event %d arrived out of wire order", i)
	}
}

// TestEventSurface_MultipleSubscribersEachSeeWireOrder covers the same
// property across independent subscribers, one deliberately slow.
func TestEventSurface_MultipleSubscribersEachSeeWireOrder(t *testing.T) {
	s := NewEventSurface(64)

	var fast, slow []int
	fastDone := make(chan struct{})
	slowDone := make(chan struct{})

	s.Subscribe(func(ev Event) {
		fast = append(fast, ev.ExitCode)
		if len(fast) == 50 {
			close(fastDone)
		}
	})
	s.Subscribe(func(ev Event) {
		time.Sleep(time.Millisecond)
		slow = append(slow, ev.ExitCode)
		if len(slow) == 50 {
			close(slowDone)
		}
	})

	for i := 0; i < 50; i++ {
		s.emit(Event{Kind: EventProcessExited, ExitCode: i})
	}

	for _, ch := range []chan struct{}{fastDone, slowDone} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("a subscriber never drained all events")
		}
	}

	for i := 0; i < 50; i++ {
		assert.Equal(t, i, fast[i])
		assert.Equal(t, i, slow[i])
	}
}
