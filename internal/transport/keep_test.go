// ABOUTME: Tests for the Keep resubscription loop and Backoff delays
// ABOUTME: Uses scripted open functions to simulate failures and drops

package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastBackoff = Backoff{Min: time.Millisecond, Max: 4 * time.Millisecond}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: time.Second}
	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
	assert.Equal(t, 200*time.Millisecond, b.Delay(1))
	assert.Equal(t, 400*time.Millisecond, b.Delay(2))
	assert.Equal(t, 800*time.Millisecond, b.Delay(3))
	assert.Equal(t, time.Second, b.Delay(4))
	assert.Equal(t, time.Second, b.Delay(40))
}

func TestKeep_RetriesAfterOpenError(t *testing.T) {
	var calls atomic.Int32
	opened := make(chan *Handle, 1)

	sub := Keep(t.Context(), nil, "test", fastBackoff, func(ctx context.Context) (Subscription, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		h := NewHandle(nil)
		opened <- h
		return h, nil
	})
	defer sub.Close()

	select {
	case <-opened:
	case <-time.After(time.Second):
		t.Fatal("never opened")
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestKeep_ResubscribesAfterDrop(t *testing.T) {
	handles := make(chan *Handle, 4)

	sub := Keep(t.Context(), nil, "test", fastBackoff, func(ctx context.Context) (Subscription, error) {
		h := NewHandle(nil)
		handles <- h
		return h, nil
	})
	defer sub.Close()

	first := <-handles
	first.Finish()

	select {
	case second := <-handles:
		assert.NotSame(t, first, second)
	case <-time.After(time.Second):
		t.Fatal("did not resubscribe")
	}
}

func TestKeep_CloseStopsLoopAndClosesInner(t *testing.T) {
	var innerClosed atomic.Bool
	opened := make(chan struct{}, 1)

	sub := Keep(t.Context(), nil, "test", fastBackoff, func(ctx context.Context) (Subscription, error) {
		h := NewHandle(func() { innerClosed.Store(true) })
		opened <- struct{}{}
		return h, nil
	})

	<-opened
	sub.Close()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
	assert.True(t, innerClosed.Load())
}

func TestKeep_GivesUpOnClosedTransport(t *testing.T) {
	var calls atomic.Int32
	sub := Keep(t.Context(), nil, "test", fastBackoff, func(ctx context.Context) (Subscription, error) {
		calls.Add(1)
		return nil, ErrClosed
	})

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not end on ErrClosed")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestKeep_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	sub := Keep(ctx, nil, "test", fastBackoff, func(ctx context.Context) (Subscription, error) {
		return nil, errors.New("down")
	})

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop on cancel")
	}
}

func TestKeep_OverLocalTransport(t *testing.T) {
	hub := NewHub(HubOptions{}, nil)
	ch := NewLocal(hub, nil)

	rec := &recorder{}
	sub := Keep(t.Context(), nil, "conv-1", fastBackoff, func(ctx context.Context) (Subscription, error) {
		return ch.SubscribeToConversation(ctx, "conv-1", rec.handlers())
	})
	defer sub.Close()

	require.Eventually(t, func() bool { return hub.SubscriberCount("conv-1") == 1 }, time.Second, time.Millisecond)
	hub.Publish(makeMessageEvent("m1", "conv-1"), "")
	require.Eventually(t, func() bool { return len(rec.messageIDs()) == 1 }, time.Second, time.Millisecond)

	hub.Close()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("Keep should stop once the transport is closed")
	}
}
