// ABOUTME: In-memory fan-out hub for conversation events and shared presence
// ABOUTME: Numbers events, keeps a replay ring per conversation, and ref-counts online users

package transport

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/chat"
)

const (
	// subscriberBufferSize is the channel buffer for each conversation subscriber.
	subscriberBufferSize = 64

	// watcherBufferSize is the channel buffer for each presence watcher.
	// Snapshots are full maps, so only the latest one matters.
	watcherBufferSize = 4

	// DefaultReplaySize is the number of replayable events kept per conversation.
	DefaultReplaySize = 256
)

// HubOptions tunes a Hub. Zero values select defaults.
type HubOptions struct {
	ReplaySize int
	Now        func() time.Time
}

type subscriber struct {
	ch chan Event
}

type presenceEntry struct {
	sessions int
	lastSeen *time.Time
}

// Hub is the shared in-memory realtime backbone. Conversation subscribers
// are keyed by conversation ID; presence watchers see every join and leave.
type Hub struct {
	mu         sync.RWMutex
	topics     map[string]map[string]*subscriber // conversationID -> subID -> sub
	replay     map[string][]Event                // conversationID -> ring, oldest first
	replaySize int
	seq        uint64
	presence   map[string]*presenceEntry // userID -> entry
	watchers   map[string]chan map[string]chat.PresenceState
	closed     bool
	now        func() time.Time
	logger     *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(opts HubOptions, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ReplaySize <= 0 {
		opts.ReplaySize = DefaultReplaySize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		topics:     make(map[string]map[string]*subscriber),
		replay:     make(map[string][]Event),
		replaySize: opts.ReplaySize,
		presence:   make(map[string]*presenceEntry),
		watchers:   make(map[string]chan map[string]chat.PresenceState),
		now:        opts.Now,
		logger:     logger.With("component", "hub"),
	}
}

// Subscribe registers a subscriber for a conversation. When since > 0, every
// retained event with a higher sequence is queued before live events, so a
// resubscribing client sees no gap as long as the ring still covers it.
// The subscription is removed when ctx is cancelled. On a closed hub the
// returned channel is already closed.
func (h *Hub) Subscribe(ctx context.Context, conversationID string, since uint64) (<-chan Event, string) {
	subID := uuid.New().String()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ch := make(chan Event)
		close(ch)
		return ch, subID
	}

	var backlog []Event
	if since > 0 {
		for _, ev := range h.replay[conversationID] {
			if ev.Seq > since {
				backlog = append(backlog, ev)
			}
		}
	}

	ch := make(chan Event, subscriberBufferSize+len(backlog))
	for _, ev := range backlog {
		ch <- ev
	}

	if _, ok := h.topics[conversationID]; !ok {
		h.topics[conversationID] = make(map[string]*subscriber)
	}
	h.topics[conversationID][subID] = &subscriber{ch: ch}
	h.mu.Unlock()

	h.logger.Debug("subscriber added",
		"conversation_id", conversationID,
		"sub_id", subID,
		"replayed", len(backlog))

	go func() {
		<-ctx.Done()
		h.Unsubscribe(conversationID, subID)
	}()

	return ch, subID
}

// Publish numbers ev, retains it for replay when applicable, and fans it out
// to every subscriber of its conversation except excludeSubID. Slow
// subscribers whose buffers are full miss the event; they can recover it
// by resubscribing with their last sequence. Returns the stamped event.
func (h *Hub) Publish(ev Event, excludeSubID string) Event {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ev
	}

	h.seq++
	ev.Seq = h.seq
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.At.IsZero() {
		ev.At = h.now()
	}

	if ev.Replayable() {
		ring := append(h.replay[ev.ConversationID], ev)
		if len(ring) > h.replaySize {
			ring = ring[len(ring)-h.replaySize:]
		}
		h.replay[ev.ConversationID] = ring
	}

	subs := h.topics[ev.ConversationID]
	targets := make([]chan Event, 0, len(subs))
	for id, sub := range subs {
		if excludeSubID != "" && id == excludeSubID {
			continue
		}
		targets = append(targets, sub.ch)
	}

	// Sends happen under the write lock so Unsubscribe cannot close a
	// channel mid-send. Every send is non-blocking.
	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("dropped event for slow subscriber",
				"conversation_id", ev.ConversationID,
				"event_id", ev.ID,
				"seq", ev.Seq)
		}
	}
	h.mu.Unlock()

	return ev
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(conversationID, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[conversationID]
	if !ok {
		return
	}
	sub, ok := subs[subID]
	if !ok {
		return
	}

	delete(subs, subID)
	close(sub.ch)
	if len(subs) == 0 {
		delete(h.topics, conversationID)
	}

	h.logger.Debug("subscriber removed",
		"conversation_id", conversationID,
		"sub_id", subID)
}

// SubscriberCount returns the number of live subscribers for a conversation.
func (h *Hub) SubscriberCount(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[conversationID])
}

// LastSeq returns the highest sequence number assigned so far.
func (h *Hub) LastSeq() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// Join marks one more session of userID as online. The first session
// flips the user online and notifies watchers.
func (h *Hub) Join(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	entry, ok := h.presence[userID]
	if !ok {
		entry = &presenceEntry{}
		h.presence[userID] = entry
	}
	entry.sessions++

	if entry.sessions == 1 {
		h.logger.Debug("user online", "user_id", userID)
		h.notifyWatchersLocked()
	}
}

// Leave drops one session of userID. The last session flips the user
// offline, stamps LastSeen, and notifies watchers.
func (h *Hub) Leave(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.presence[userID]
	if !ok || entry.sessions == 0 {
		return
	}
	entry.sessions--

	if entry.sessions == 0 {
		now := h.now()
		entry.lastSeen = &now
		h.logger.Debug("user offline", "user_id", userID)
		h.notifyWatchersLocked()
	}
}

// Presence returns the current state of one user. Unknown users are offline.
func (h *Hub) Presence(userID string) chat.PresenceState {
	h.mu.RLock()
	defer h.mu.RUnlock()

	state := chat.PresenceState{UserID: userID}
	if entry, ok := h.presence[userID]; ok {
		state.Online = entry.sessions > 0
		if entry.lastSeen != nil {
			ts := *entry.lastSeen
			state.LastSeen = &ts
		}
	}
	return state
}

// OnlineUsers returns the sorted IDs of users with at least one session.
func (h *Hub) OnlineUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.presence))
	for id, entry := range h.presence {
		if entry.sessions > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// WatchPresence registers a presence watcher. The current online map is
// queued immediately; later maps follow every join and leave. The watcher
// is removed when ctx is cancelled.
func (h *Hub) WatchPresence(ctx context.Context) (<-chan map[string]chat.PresenceState, string) {
	subID := uuid.New().String()
	ch := make(chan map[string]chat.PresenceState, watcherBufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, subID
	}
	h.watchers[subID] = ch
	ch <- h.snapshotLocked()
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.UnwatchPresence(subID)
	}()

	return ch, subID
}

// UnwatchPresence removes a presence watcher and closes its channel.
func (h *Hub) UnwatchPresence(subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.watchers[subID]; ok {
		delete(h.watchers, subID)
		close(ch)
	}
}

// snapshotLocked builds the online map. Must be called with mu held.
func (h *Hub) snapshotLocked() map[string]chat.PresenceState {
	snap := make(map[string]chat.PresenceState, len(h.presence))
	for id, entry := range h.presence {
		if entry.sessions == 0 {
			continue
		}
		snap[id] = chat.PresenceState{UserID: id, Online: true}
	}
	return snap
}

// notifyWatchersLocked offers a fresh snapshot to every watcher, replacing
// the oldest queued snapshot when a watcher is behind. Must be called with
// mu held for writing.
func (h *Hub) notifyWatchersLocked() {
	for _, ch := range h.watchers {
		snap := h.snapshotLocked()
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// Close shuts the hub down, closing every subscriber and watcher channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for convID, subs := range h.topics {
		for subID, sub := range subs {
			close(sub.ch)
			delete(subs, subID)
		}
		delete(h.topics, convID)
	}
	for subID, ch := range h.watchers {
		close(ch)
		delete(h.watchers, subID)
	}

	h.logger.Debug("hub closed")
}

// Closed reports whether Close has been called.
func (h *Hub) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}
