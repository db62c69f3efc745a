// ABOUTME: Tests for the typing state machine using a manual clock
// ABOUTME: Covers debounce, stop, safety expiry, stale timers and close

package typing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/chat"
)

// fakeClock fires timers only when Advance moves time past their deadline.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward by d, firing due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && t.at <= target {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool { return due[i].at < due[j].at })
		next := due[0]
		next.fired = true
		c.now = next.at
		c.mu.Unlock()

		next.f()
	}
}

type recordingSender struct {
	mu   sync.Mutex
	sent []chat.TypingSignal
	err  error
}

func (s *recordingSender) BroadcastTyping(_ context.Context, conversationID string, sig chat.TypingSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sig)
	return s.err
}

func (s *recordingSender) flags() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bool, len(s.sent))
	for i, sig := range s.sent {
		out[i] = sig.IsTyping
	}
	return out
}

func newTestCoordinator(t *testing.T, onChange func(State)) (*Coordinator, *recordingSender, *fakeClock) {
	t.Helper()
	sender := &recordingSender{}
	clock := &fakeClock{}
	c := New(t.Context(), sender, Options{
		ConversationID: "conv-1",
		UserID:         "alice",
		DisplayName:    "Alice",
		Clock:          clock,
		OnChange:       onChange,
	}, nil)
	t.Cleanup(c.Close)
	return c, sender, clock
}

func TestCoordinator_DebouncesKeystrokes(t *testing.T) {
	c, sender, clock := newTestCoordinator(t, nil)

	// "h", "he", "hel" at 500ms intervals.
	c.HandleLocalTyping()
	clock.Advance(500 * time.Millisecond)
	c.HandleLocalTyping()
	clock.Advance(500 * time.Millisecond)
	c.HandleLocalTyping()

	assert.Equal(t, []bool{true}, sender.flags())
	assert.True(t, c.IsLocalTyping())

	// Nothing until 2s after the last keystroke.
	clock.Advance(1999 * time.Millisecond)
	assert.Equal(t, []bool{true}, sender.flags())

	clock.Advance(time.Millisecond)
	assert.Equal(t, []bool{true, false}, sender.flags())
	assert.False(t, c.IsLocalTyping())

	clock.Advance(10 * time.Second)
	assert.Equal(t, []bool{true, false}, sender.flags())
}

func TestCoordinator_BroadcastCarriesIdentity(t *testing.T) {
	c, sender, _ := newTestCoordinator(t, nil)
	c.HandleLocalTyping()

	require.Len(t, sender.sent, 1)
	sig := sender.sent[0]
	assert.Equal(t, "conv-1", sig.ConversationID)
	assert.Equal(t, "alice", sig.UserID)
	assert.Equal(t, "Alice", sig.DisplayName)
}

func TestCoordinator_TypingAgainAfterIdle(t *testing.T) {
	c, sender, clock := newTestCoordinator(t, nil)

	c.HandleLocalTyping()
	clock.Advance(DefaultStopAfter)
	c.HandleLocalTyping()
	clock.Advance(DefaultStopAfter)

	assert.Equal(t, []bool{true, false, true, false}, sender.flags())
}

func TestCoordinator_StopTypingIsIdempotent(t *testing.T) {
	c, sender, clock := newTestCoordinator(t, nil)

	c.StopTyping()
	assert.Empty(t, sender.flags(), "idle stop broadcasts nothing")

	c.HandleLocalTyping()
	c.StopTyping()
	c.StopTyping()
	assert.Equal(t, []bool{true, false}, sender.flags())

	// The cancelled stop timer must not broadcast a second false.
	clock.Advance(time.Minute)
	assert.Equal(t, []bool{true, false}, sender.flags())
}

func TestCoordinator_RemoteTyping(t *testing.T) {
	var mu sync.Mutex
	var changes []State
	c, _, clock := newTestCoordinator(t, func(s State) {
		mu.Lock()
		changes = append(changes, s)
		mu.Unlock()
	})

	c.HandleRemoteTyping(true, "Bob")
	assert.Equal(t, State{IsOtherTyping: true, TypingUserName: "Bob"}, c.State())

	// A repeated true re-arms the safety timer without a new change.
	clock.Advance(4 * time.Second)
	c.HandleRemoteTyping(true, "Bob")
	clock.Advance(4 * time.Second)
	assert.True(t, c.State().IsOtherTyping)

	c.HandleRemoteTyping(false, "Bob")
	assert.Equal(t, State{}, c.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{
		{IsOtherTyping: true, TypingUserName: "Bob"},
		{},
	}, changes)
}

func TestCoordinator_SafetyExpiry(t *testing.T) {
	c, _, clock := newTestCoordinator(t, nil)

	c.HandleRemoteTyping(true, "Bob")
	clock.Advance(DefaultSafetyTimeout - time.Millisecond)
	assert.True(t, c.State().IsOtherTyping)

	clock.Advance(time.Millisecond)
	assert.False(t, c.State().IsOtherTyping)
	assert.Empty(t, c.State().TypingUserName)
}

func TestCoordinator_StaleSafetyTimerIgnored(t *testing.T) {
	c, _, clock := newTestCoordinator(t, nil)

	c.HandleRemoteTyping(true, "Bob")
	clock.Advance(time.Second)
	c.HandleRemoteTyping(false, "Bob")
	c.HandleRemoteTyping(true, "Bob")

	// The first timer's deadline passes; only the second one counts.
	clock.Advance(DefaultSafetyTimeout - time.Second)
	assert.True(t, c.State().IsOtherTyping)

	clock.Advance(time.Second)
	assert.False(t, c.State().IsOtherTyping)
}

func TestCoordinator_RemoteFalseWhenNotShowing(t *testing.T) {
	calls := 0
	c, _, _ := newTestCoordinator(t, func(State) { calls++ })

	c.HandleRemoteTyping(false, "Bob")
	assert.Equal(t, 0, calls)
}

func TestCoordinator_CloseSilencesTimers(t *testing.T) {
	c, sender, clock := newTestCoordinator(t, nil)

	c.HandleLocalTyping()
	c.HandleRemoteTyping(true, "Bob")
	c.Close()
	c.Close()

	clock.Advance(time.Minute)
	assert.Equal(t, []bool{true}, sender.flags())

	c.HandleLocalTyping()
	c.StopTyping()
	assert.Equal(t, []bool{true}, sender.flags())
}

func TestCoordinator_BroadcastErrorsAreSwallowed(t *testing.T) {
	c, sender, clock := newTestCoordinator(t, nil)
	sender.err = errors.New("offline")

	c.HandleLocalTyping()
	clock.Advance(DefaultStopAfter)

	assert.Equal(t, []bool{true, false}, sender.flags())
	assert.False(t, c.IsLocalTyping())
}

func TestCoordinator_WallClock(t *testing.T) {
	sender := &recordingSender{}
	c := New(t.Context(), sender, Options{
		ConversationID: "conv-1",
		UserID:         "alice",
		StopAfter:      20 * time.Millisecond,
	}, nil)
	defer c.Close()

	c.HandleLocalTyping()
	require.Eventually(t, func() bool { return len(sender.flags()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false}, sender.flags())
}
