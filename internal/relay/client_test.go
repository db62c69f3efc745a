// ABOUTME: Unit tests for client-side frame routing
// ABOUTME: Verifies redelivery suppression and sequence tracking without a server

package relay

import (
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/chat"
	"github.com/2389/parley/internal/dedupe"
	"github.com/2389/parley/internal/transport"
)

func newRoutingClient(t *testing.T) *Client {
	t.Helper()
	c := &Client{
		seen:   dedupe.New(time.Minute, 100),
		logger: slog.Default(),
		subs:   make(map[string]*remoteSub),
		tracks: make(map[string]*remoteTrack),
	}
	t.Cleanup(c.seen.Close)
	return c
}

func TestClientRoute_DropsRedeliveredEvents(t *testing.T) {
	c := newRoutingClient(t)

	var delivered atomic.Int32
	sub := &remoteSub{
		ref:            "ref-1",
		conversationID: "conv-1",
		handlers: transport.Handlers{
			OnNewMessage: func(chat.Message) { delivered.Add(1) },
		},
	}
	sub.d = newDispatcher(func() {})
	defer sub.d.handle.Close()
	c.subs["ref-1"] = sub

	ev := message("m1", "conv-1", "alice")
	ev.ID = "evt-1"
	ev.Seq = 7

	c.route(serverFrame{Type: frameEvent, Ref: "ref-1", Event: &ev})
	c.route(serverFrame{Type: frameEvent, Ref: "ref-1", Event: &ev})

	require.Eventually(t, func() bool { return delivered.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), delivered.Load())
	assert.Equal(t, uint64(7), sub.lastSeq)
}

func TestClientRoute_SubscribedSetsResumePointOnce(t *testing.T) {
	c := newRoutingClient(t)
	sub := &remoteSub{ref: "ref-1", conversationID: "conv-1"}
	sub.d = newDispatcher(func() {})
	defer sub.d.handle.Close()
	c.subs["ref-1"] = sub

	c.route(serverFrame{Type: frameSubscribed, Ref: "ref-1", Seq: 4})
	assert.Equal(t, uint64(4), sub.lastSeq)

	c.route(serverFrame{Type: frameSubscribed, Ref: "ref-1", Seq: 9})
	assert.Equal(t, uint64(4), sub.lastSeq, "a later ack must not skip unseen backlog")
}

func TestClientRoute_IgnoresUnknownRefs(t *testing.T) {
	c := newRoutingClient(t)
	ev := message("m1", "conv-1", "alice")
	ev.ID = "evt-1"

	c.route(serverFrame{Type: frameEvent, Ref: "missing", Event: &ev})
	c.route(serverFrame{Type: framePresence, Ref: "missing"})
	c.route(serverFrame{Type: frameError, Ref: "missing", Error: "nope"})
	c.route(serverFrame{Type: "mystery"})

	assert.False(t, c.seen.Contains("missing/evt-1"))
}

func TestFrames_RoundTrip(t *testing.T) {
	ev := message("m1", "conv-1", "alice")
	msg, err := encodeFrame(clientFrame{Op: opPublish, Event: &ev})
	require.NoError(t, err)

	var f clientFrame
	require.NoError(t, decodeFrame(msg, &f))
	assert.Equal(t, opPublish, f.Op)
	require.NotNil(t, f.Event)
	assert.Equal(t, "m1", f.Event.Message.ID)
}
