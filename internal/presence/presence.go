// ABOUTME: Presence tracker that keeps a cached online map fed by the transport
// ABOUTME: Resubscribes on drop, answers fail-closed lookups and polls single users

package presence

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/2389/parley/internal/chat"
	"github.com/2389/parley/internal/transport"
)

// DefaultPollInterval is the default period of Poll.
const DefaultPollInterval = 10 * time.Second

// ErrNoUser is returned when Track is called without a user ID.
var ErrNoUser = errors.New("user id required")

// Options configures a Tracker. Zero values select defaults.
type Options struct {
	Backoff      transport.Backoff
	PollInterval time.Duration
	Now          func() time.Time
}

// Tracker caches who is online. Reads never block on the network and
// answer from the last snapshot, which survives transport drops.
type Tracker struct {
	ch           transport.Channel
	backoff      transport.Backoff
	pollInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu       sync.RWMutex
	online   map[string]chat.PresenceState
	lastSeen map[string]time.Time
}

// New creates a Tracker on ch. Pass nil logger for default.
func New(ch transport.Channel, opts Options, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		ch:           ch,
		backoff:      opts.Backoff,
		pollInterval: opts.PollInterval,
		now:          opts.Now,
		logger:       logger.With("component", "presence"),
		online:       make(map[string]chat.PresenceState),
		lastSeen:     make(map[string]time.Time),
	}
}

// Track marks userID online on the shared presence channel until stop is
// called or ctx ends. onChange, if set, receives a copy of the full online
// map after every join or leave. A dropped subscription is reopened with
// backoff; meanwhile reads serve the cached map. stop is idempotent.
func (t *Tracker) Track(ctx context.Context, userID string, onChange func(map[string]chat.PresenceState)) (stop func(), err error) {
	if userID == "" {
		return nil, ErrNoUser
	}

	apply := func(snap map[string]chat.PresenceState) {
		cp := t.replace(snap)
		if onChange != nil {
			onChange(cp)
		}
	}

	sub := transport.Keep(ctx, t.logger, "presence:"+userID, t.backoff, func(ctx context.Context) (transport.Subscription, error) {
		return t.ch.TrackPresence(ctx, userID, apply)
	})

	t.logger.Debug("tracking presence", "user_id", userID)
	return sync.OnceFunc(sub.Close), nil
}

// replace installs a pushed snapshot and returns a copy for callbacks.
func (t *Tracker) replace(snap map[string]chat.PresenceState) map[string]chat.PresenceState {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for id := range t.online {
		if _, still := snap[id]; !still {
			t.lastSeen[id] = now
		}
	}

	t.online = make(map[string]chat.PresenceState, len(snap))
	for id, state := range snap {
		if !state.Online {
			continue
		}
		t.online[id] = state
	}
	return maps.Clone(t.online)
}

// merge folds a single polled state into the cache. It reports whether the
// user's online flag changed.
func (t *Tracker) merge(state chat.PresenceState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, was := t.online[state.UserID]
	if state.Online {
		t.online[state.UserID] = state
	} else {
		delete(t.online, state.UserID)
		if state.LastSeen != nil {
			t.lastSeen[state.UserID] = *state.LastSeen
		} else if was {
			t.lastSeen[state.UserID] = t.now()
		}
	}
	return was != state.Online
}

// IsOnline reports whether userID was online in the last known state.
// Unknown users are offline.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online[userID].Online
}

// OnlineUsers returns the sorted IDs of users known to be online.
func (t *Tracker) OnlineUsers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LastSeen returns when userID was last observed going offline.
func (t *Tracker) LastSeen(userID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.lastSeen[userID]
	return ts, ok
}

// Poll queries userID's presence now and then every poll interval, merging
// each answer into the cache. onChange, if set, is called when the user's
// online flag flips. Query failures keep the cached state. stop is
// idempotent.
func (t *Tracker) Poll(ctx context.Context, userID string, onChange func(chat.PresenceState)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(t.pollInterval)
		defer ticker.Stop()

		for {
			state, err := t.ch.QueryPresence(ctx, userID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				t.logger.Debug("presence poll failed", "user_id", userID, "error", err)
			} else if t.merge(state) && onChange != nil {
				onChange(state)
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return sync.OnceFunc(func() {
		cancel()
		<-done
	})
}
