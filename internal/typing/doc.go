// Package typing coordinates "is typing" indicators for one open conversation.
//
// A Coordinator is an explicit state machine with two halves:
//
//   - local: Idle or Typing. The first keystroke broadcasts true; every
//     keystroke re-arms the stop timer; when it fires the coordinator
//     broadcasts false and returns to Idle.
//   - remote: NotTyping or ShowingTyping. A true signal shows the indicator
//     and re-arms the safety timer; a false signal or the safety timer
//     hides it, so a lost "stopped" signal cannot leave it stuck.
//
// Every input, including timer expiry, is an event fed through one
// transition function. Timer events carry the generation of the timer that
// produced them; a timer that was re-armed or stopped in the meantime is
// ignored. Effects (broadcasts and change callbacks) run after the state
// lock is released, in the order the transitions produced them.
//
// Time is injected through Clock so tests can drive the timers.
package typing
