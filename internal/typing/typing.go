// ABOUTME: Typing indicator state machine with debounced local broadcasts
// ABOUTME: Tracks remote typing with a safety expiry; timers are generation checked

package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/parley/internal/chat"
)

const (
	// DefaultStopAfter is the idle time after the last keystroke before
	// "stopped typing" is broadcast.
	DefaultStopAfter = 2 * time.Second

	// DefaultSafetyTimeout hides a remote indicator that was never cleared.
	DefaultSafetyTimeout = 5 * time.Second

	broadcastTimeout = 5 * time.Second
)

// Clock schedules callbacks. The zero Options use the wall clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled callback.
type Timer interface {
	Stop() bool
}

type wallClock struct{}

func (wallClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Sender broadcasts typing signals. transport.Channel satisfies it.
type Sender interface {
	BroadcastTyping(ctx context.Context, conversationID string, sig chat.TypingSignal) error
}

// State is what the UI shows about the other participant.
type State struct {
	IsOtherTyping  bool
	TypingUserName string
}

// Options configures a Coordinator.
type Options struct {
	ConversationID string
	UserID         string
	DisplayName    string

	StopAfter     time.Duration
	SafetyTimeout time.Duration
	Clock         Clock

	// OnChange is called after every change of State.
	OnChange func(State)
}

type localState int

const (
	localIdle localState = iota
	localTyping
)

type remoteState int

const (
	remoteNotTyping remoteState = iota
	remoteShowing
)

type eventKind int

const (
	evKeystroke eventKind = iota
	evStopFired
	evRemote
	evSafetyFired
	evStop
	evClose
)

type event struct {
	kind     eventKind
	gen      uint64
	isTyping bool
	name     string
}

type effectKind int

const (
	effBroadcast effectKind = iota
	effNotify
)

type effect struct {
	kind     effectKind
	isTyping bool
	state    State
}

// Coordinator is the typing state machine for one conversation view.
type Coordinator struct {
	sender Sender
	opts   Options
	ctx    context.Context
	logger *slog.Logger

	mu          sync.Mutex
	pending     []effect // run in order by whichever caller is draining
	draining    bool
	local       localState
	remote      remoteState
	remoteName  string
	stopTimer   Timer
	stopGen     uint64
	safetyTimer Timer
	safetyGen   uint64
	closed      bool
}

// New creates a Coordinator. ctx bounds broadcasts. Pass nil logger for default.
func New(ctx context.Context, sender Sender, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StopAfter <= 0 {
		opts.StopAfter = DefaultStopAfter
	}
	if opts.SafetyTimeout <= 0 {
		opts.SafetyTimeout = DefaultSafetyTimeout
	}
	if opts.Clock == nil {
		opts.Clock = wallClock{}
	}
	return &Coordinator{
		sender: sender,
		opts:   opts,
		ctx:    ctx,
		logger: logger.With("component", "typing", "conversation_id", opts.ConversationID),
	}
}

// HandleLocalTyping records a keystroke by the local user.
func (c *Coordinator) HandleLocalTyping() {
	c.dispatch(event{kind: evKeystroke})
}

// HandleRemoteTyping records a typing signal from the other participant.
func (c *Coordinator) HandleRemoteTyping(isTyping bool, userName string) {
	c.dispatch(event{kind: evRemote, isTyping: isTyping, name: userName})
}

// StopTyping forces the local side to Idle, broadcasting false only if it
// was Typing.
func (c *Coordinator) StopTyping() {
	c.dispatch(event{kind: evStop})
}

// Close cancels every timer without broadcasting. Later calls do nothing.
func (c *Coordinator) Close() {
	c.dispatch(event{kind: evClose})
}

// State returns the current remote indicator.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// IsLocalTyping reports whether the local user is in the Typing state.
func (c *Coordinator) IsLocalTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local == localTyping
}

func (c *Coordinator) stateLocked() State {
	return State{
		IsOtherTyping:  c.remote == remoteShowing,
		TypingUserName: c.remoteName,
	}
}

// dispatch steps the machine and runs the resulting effects outside the
// lock. Effects from concurrent or re-entrant calls are queued and run in
// order by the caller already draining.
func (c *Coordinator) dispatch(ev event) {
	c.mu.Lock()
	c.pending = append(c.pending, c.step(ev)...)
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.pending) > 0 {
		eff := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()
		c.run(eff)
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}

// step is the transition function. Must be called with mu held.
func (c *Coordinator) step(ev event) []effect {
	if c.closed {
		return nil
	}

	var effects []effect
	before := c.stateLocked()

	switch ev.kind {
	case evKeystroke:
		if c.local == localIdle {
			c.local = localTyping
			effects = append(effects, effect{kind: effBroadcast, isTyping: true})
		}
		c.armStopLocked()

	case evStopFired:
		if ev.gen != c.stopGen || c.local != localTyping {
			return nil
		}
		c.local = localIdle
		c.stopTimer = nil
		effects = append(effects, effect{kind: effBroadcast, isTyping: false})

	case evStop:
		c.disarmStopLocked()
		if c.local == localTyping {
			c.local = localIdle
			effects = append(effects, effect{kind: effBroadcast, isTyping: false})
		}

	case evRemote:
		if ev.isTyping {
			c.remote = remoteShowing
			c.remoteName = ev.name
			c.armSafetyLocked()
		} else {
			c.remote = remoteNotTyping
			c.remoteName = ""
			c.disarmSafetyLocked()
		}

	case evSafetyFired:
		if ev.gen != c.safetyGen || c.remote != remoteShowing {
			return nil
		}
		c.remote = remoteNotTyping
		c.remoteName = ""
		c.safetyTimer = nil

	case evClose:
		c.disarmStopLocked()
		c.disarmSafetyLocked()
		c.closed = true
		return nil
	}

	if after := c.stateLocked(); after != before {
		effects = append(effects, effect{kind: effNotify, state: after})
	}
	return effects
}

func (c *Coordinator) armStopLocked() {
	c.disarmStopLocked()
	gen := c.stopGen
	c.stopTimer = c.opts.Clock.AfterFunc(c.opts.StopAfter, func() {
		c.dispatch(event{kind: evStopFired, gen: gen})
	})
}

func (c *Coordinator) disarmStopLocked() {
	c.stopGen++
	if c.stopTimer != nil {
		c.stopTimer.Stop()
		c.stopTimer = nil
	}
}

func (c *Coordinator) armSafetyLocked() {
	c.disarmSafetyLocked()
	gen := c.safetyGen
	c.safetyTimer = c.opts.Clock.AfterFunc(c.opts.SafetyTimeout, func() {
		c.dispatch(event{kind: evSafetyFired, gen: gen})
	})
}

func (c *Coordinator) disarmSafetyLocked() {
	c.safetyGen++
	if c.safetyTimer != nil {
		c.safetyTimer.Stop()
		c.safetyTimer = nil
	}
}

func (c *Coordinator) run(eff effect) {
	switch eff.kind {
	case effBroadcast:
		c.broadcast(eff.isTyping)
	case effNotify:
		if c.opts.OnChange != nil {
			c.opts.OnChange(eff.state)
		}
	}
}

func (c *Coordinator) broadcast(isTyping bool) {
	if c.sender == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, broadcastTimeout)
	defer cancel()

	sig := chat.TypingSignal{
		ConversationID: c.opts.ConversationID,
		UserID:         c.opts.UserID,
		DisplayName:    c.opts.DisplayName,
		IsTyping:       isTyping,
	}
	if err := c.sender.BroadcastTyping(ctx, c.opts.ConversationID, sig); err != nil {
		c.logger.Debug("typing broadcast failed", "is_typing", isTyping, "error", err)
	}
}
