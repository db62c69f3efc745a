// ABOUTME: Tests for the presence tracker over the in-process transport
// ABOUTME: Covers push snapshots, fail-closed lookups, resubscription and polling

package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/chat"
	"github.com/2389/parley/internal/transport"
)

var fastBackoff = transport.Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond}

// flakyChannel wraps a Channel so tests can drop presence subscriptions and
// fail queries.
type flakyChannel struct {
	transport.Channel

	mu       sync.Mutex
	tracks   []transport.Subscription
	queryErr error
}

func (f *flakyChannel) TrackPresence(ctx context.Context, userID string, onChange func(map[string]chat.PresenceState)) (transport.Subscription, error) {
	sub, err := f.Channel.TrackPresence(ctx, userID, onChange)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.tracks = append(f.tracks, sub)
	f.mu.Unlock()
	return sub, nil
}

func (f *flakyChannel) QueryPresence(ctx context.Context, userID string) (chat.PresenceState, error) {
	f.mu.Lock()
	err := f.queryErr
	f.mu.Unlock()
	if err != nil {
		return chat.PresenceState{UserID: userID}, err
	}
	return f.Channel.QueryPresence(ctx, userID)
}

func (f *flakyChannel) trackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tracks)
}

func (f *flakyChannel) dropLatest() {
	f.mu.Lock()
	sub := f.tracks[len(f.tracks)-1]
	f.mu.Unlock()
	sub.Close()
}

func (f *flakyChannel) failQueries(err error) {
	f.mu.Lock()
	f.queryErr = err
	f.mu.Unlock()
}

func newHub(t *testing.T) *transport.Hub {
	t.Helper()
	hub := transport.NewHub(transport.HubOptions{}, nil)
	t.Cleanup(hub.Close)
	return hub
}

func newLocal(t *testing.T, hub *transport.Hub) *transport.Local {
	t.Helper()
	l := transport.NewLocal(hub, nil)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestTracker_TrackSeesJoinAndLeave(t *testing.T) {
	hub := newHub(t)
	left := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	alice := New(newLocal(t, hub), Options{Now: func() time.Time { return left }}, nil)
	bob := New(newLocal(t, hub), Options{}, nil)

	var mu sync.Mutex
	var maps []map[string]chat.PresenceState
	stopAlice, err := alice.Track(t.Context(), "alice", func(m map[string]chat.PresenceState) {
		mu.Lock()
		maps = append(maps, m)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer stopAlice()

	stopBob, err := bob.Track(t.Context(), "bob", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return alice.IsOnline("bob") }, time.Second, 5*time.Millisecond)
	assert.True(t, alice.IsOnline("alice"))
	assert.Equal(t, []string{"alice", "bob"}, alice.OnlineUsers())

	mu.Lock()
	last := maps[len(maps)-1]
	mu.Unlock()
	assert.Contains(t, last, "bob")

	stopBob()
	require.Eventually(t, func() bool { return !alice.IsOnline("bob") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"alice"}, alice.OnlineUsers())

	seen, ok := alice.LastSeen("bob")
	require.True(t, ok)
	assert.Equal(t, left, seen)
}

func TestTracker_FailClosed(t *testing.T) {
	tr := New(newLocal(t, newHub(t)), Options{}, nil)

	assert.False(t, tr.IsOnline("nobody"))
	assert.False(t, tr.IsOnline(""))
	assert.Empty(t, tr.OnlineUsers())

	_, ok := tr.LastSeen("nobody")
	assert.False(t, ok)
}

func TestTracker_TrackRequiresUser(t *testing.T) {
	tr := New(newLocal(t, newHub(t)), Options{}, nil)

	_, err := tr.Track(t.Context(), "", nil)
	assert.ErrorIs(t, err, ErrNoUser)
}

func TestTracker_StopIsIdempotent(t *testing.T) {
	hub := newHub(t)
	tr := New(newLocal(t, hub), Options{}, nil)

	stop, err := tr.Track(t.Context(), "alice", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Presence("alice").Online }, time.Second, 5*time.Millisecond)

	stop()
	stop()

	require.Eventually(t, func() bool { return !hub.Presence("alice").Online }, time.Second, 5*time.Millisecond)
}

func TestTracker_ResubscribesAfterDrop(t *testing.T) {
	hub := newHub(t)
	ch := &flakyChannel{Channel: newLocal(t, hub)}
	tr := New(ch, Options{Backoff: fastBackoff}, nil)

	stop, err := tr.Track(t.Context(), "alice", nil)
	require.NoError(t, err)
	defer stop()

	require.Eventually(t, func() bool { return tr.IsOnline("alice") }, time.Second, 5*time.Millisecond)

	ch.dropLatest()

	// The cache keeps answering while the subscription is reopened.
	assert.True(t, tr.IsOnline("alice"))

	require.Eventually(t, func() bool { return ch.trackCount() >= 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return hub.Presence("alice").Online }, time.Second, 5*time.Millisecond)
	assert.True(t, tr.IsOnline("alice"))
}

func TestTracker_PollMergesState(t *testing.T) {
	hub := newHub(t)
	tr := New(newLocal(t, hub), Options{PollInterval: 10 * time.Millisecond}, nil)

	var mu sync.Mutex
	var flips []bool
	hub.Join("carol")

	stop := tr.Poll(t.Context(), "carol", func(s chat.PresenceState) {
		mu.Lock()
		flips = append(flips, s.Online)
		mu.Unlock()
	})
	defer stop()

	require.Eventually(t, func() bool { return tr.IsOnline("carol") }, time.Second, 5*time.Millisecond)

	hub.Leave("carol")
	require.Eventually(t, func() bool { return !tr.IsOnline("carol") }, time.Second, 5*time.Millisecond)

	_, ok := tr.LastSeen("carol")
	assert.True(t, ok)

	mu.Lock()
	assert.Equal(t, []bool{true, false}, flips)
	mu.Unlock()
}

func TestTracker_PollFailureKeepsCache(t *testing.T) {
	hub := newHub(t)
	ch := &flakyChannel{Channel: newLocal(t, hub)}
	tr := New(ch, Options{PollInterval: 5 * time.Millisecond}, nil)

	hub.Join("carol")
	stop := tr.Poll(t.Context(), "carol", nil)
	defer stop()
	require.Eventually(t, func() bool { return tr.IsOnline("carol") }, time.Second, 5*time.Millisecond)

	ch.failQueries(errors.New("network down"))
	hub.Leave("carol")

	time.Sleep(30 * time.Millisecond)
	assert.True(t, tr.IsOnline("carol"))
}

func TestTracker_PollStopIsIdempotent(t *testing.T) {
	tr := New(newLocal(t, newHub(t)), Options{PollInterval: time.Millisecond}, nil)

	stop := tr.Poll(t.Context(), "carol", nil)
	stop()
	stop()
}
