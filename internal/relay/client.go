// ABOUTME: Reconnecting relay client implementing transport.Channel over gRPC
// ABOUTME: Replays subscriptions with the last seen sequence and drops redelivered events

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/chat"
	"github.com/2389/parley/internal/dedupe"
	"github.com/2389/parley/internal/transport"
)

// ErrNotConnected is returned by sends while the stream is down.
var ErrNotConnected = errors.New("relay not connected")

const (
	// dispatchBufferSize is the per-subscription queue of pending callbacks.
	dispatchBufferSize = 64

	// DefaultDedupeTTL is how long delivered event IDs are remembered.
	DefaultDedupeTTL = 10 * time.Minute

	// DefaultDedupeSize bounds the remembered event IDs.
	DefaultDedupeSize = 10000
)

// ClientOptions configures Dial.
type ClientOptions struct {
	Addr  string
	Token string // sent as a bearer token when set

	// DialOptions are appended after the defaults, so they can override the
	// plaintext transport credentials.
	DialOptions []grpc.DialOption

	Backoff    transport.Backoff
	DedupeTTL  time.Duration
	DedupeSize int
}

// Client is a transport.Channel backed by a relay Connect stream.
type Client struct {
	conn    *grpc.ClientConn
	backoff transport.Backoff
	seen    *dedupe.Cache
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	sendMu sync.Mutex // serializes SendMsg on the current stream

	mu     sync.Mutex
	stream grpc.ClientStream
	ready  chan struct{} // closed while a stream is live
	userID string
	subs   map[string]*remoteSub
	tracks map[string]*remoteTrack
	closed bool
}

var _ transport.Channel = (*Client)(nil)

type remoteSub struct {
	ref            string
	conversationID string
	handlers       transport.Handlers
	lastSeq        uint64 // guarded by Client.mu
	d              *dispatcher
}

type remoteTrack struct {
	ref      string
	userID   string
	onChange func(map[string]chat.PresenceState)
	d        *dispatcher
}

// Dial creates a client and starts connecting in the background. Pass nil
// logger for default.
func Dial(opts ClientOptions, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Backoff.Min <= 0 || opts.Backoff.Max <= 0 {
		opts.Backoff = transport.DefaultBackoff
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = DefaultDedupeTTL
	}
	if opts.DedupeSize <= 0 {
		opts.DedupeSize = DefaultDedupeSize
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if opts.Token != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(auth.TokenCredentials{
			Token:         opts.Token,
			AllowInsecure: true,
		}))
	}
	dialOpts = append(dialOpts, opts.DialOptions...)

	conn, err := grpc.NewClient(opts.Addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating relay client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		backoff: opts.Backoff,
		seen:    dedupe.New(opts.DedupeTTL, opts.DedupeSize),
		logger:  logger.With("component", "relay_client", "addr", opts.Addr),
		cancel:  cancel,
		done:    make(chan struct{}),
		ready:   make(chan struct{}),
		subs:    make(map[string]*remoteSub),
		tracks:  make(map[string]*remoteTrack),
	}
	go c.run(ctx)
	return c, nil
}

// WaitReady blocks until a stream is live or ctx ends.
func (c *Client) WaitReady(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UserID returns the identity the relay assigned to the current stream.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// SubscribeToConversation implements transport.Channel. The subscription
// survives reconnects; it ends on Close, ctx cancel or Client.Close.
func (c *Client) SubscribeToConversation(ctx context.Context, conversationID string, h transport.Handlers) (transport.Subscription, error) {
	if conversationID == "" {
		return nil, transport.ErrNoConversation
	}

	ref := uuid.New().String()
	sub := &remoteSub{
		ref:            ref,
		conversationID: conversationID,
		handlers:       h,
	}
	sub.d = newDispatcher(func() { c.dropSub(ref) })

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.d.handle.Close()
		return nil, transport.ErrClosed
	}
	c.subs[ref] = sub
	stream := c.stream
	c.mu.Unlock()

	if stream != nil {
		f := clientFrame{Op: opSubscribe, Ref: ref, ConversationID: conversationID}
		if err := c.sendOn(stream, f); err != nil {
			c.logger.Debug("subscribe deferred to reconnect", "conversation_id", conversationID, "error", err)
		}
	}

	go closeOnDone(ctx, sub.d.handle)
	return sub.d.handle, nil
}

// BroadcastTyping implements transport.Channel.
func (c *Client) BroadcastTyping(ctx context.Context, conversationID string, sig chat.TypingSignal) error {
	sig.ConversationID = conversationID
	return c.sendCurrent(clientFrame{Op: opTyping, ConversationID: conversationID, Typing: &sig})
}

// Publish implements transport.Channel.
func (c *Client) Publish(ctx context.Context, ev transport.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return c.sendCurrent(clientFrame{Op: opPublish, Event: &ev})
}

// TrackPresence implements transport.Channel. The relay holds the user
// online for as long as the track and the stream both live.
func (c *Client) TrackPresence(ctx context.Context, userID string, onChange func(map[string]chat.PresenceState)) (transport.Subscription, error) {
	ref := uuid.New().String()
	t := &remoteTrack{
		ref:      ref,
		userID:   userID,
		onChange: onChange,
	}
	t.d = newDispatcher(func() { c.dropTrack(ref) })

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		t.d.handle.Close()
		return nil, transport.ErrClosed
	}
	c.tracks[ref] = t
	stream := c.stream
	c.mu.Unlock()

	if stream != nil {
		if err := c.sendOn(stream, clientFrame{Op: opTrack, Ref: ref, UserID: userID}); err != nil {
			c.logger.Debug("track deferred to reconnect", "error", err)
		}
	}

	go closeOnDone(ctx, t.d.handle)
	return t.d.handle, nil
}

// QueryPresence implements transport.Channel.
func (c *Client) QueryPresence(ctx context.Context, userID string) (chat.PresenceState, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, presenceMethod, wrapperspb.String(userID), out); err != nil {
		return chat.PresenceState{UserID: userID}, fmt.Errorf("querying presence: %w", err)
	}
	return presenceFromBytes(out)
}

// Close ends every subscription, stops reconnecting and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handles := make([]*transport.Handle, 0, len(c.subs)+len(c.tracks))
	for _, s := range c.subs {
		handles = append(handles, s.d.handle)
	}
	for _, t := range c.tracks {
		handles = append(handles, t.d.handle)
	}
	c.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}

	c.cancel()
	<-c.done
	c.seen.Close()
	return c.conn.Close()
}

func (c *Client) dropSub(ref string) {
	c.mu.Lock()
	_, ok := c.subs[ref]
	delete(c.subs, ref)
	stream := c.stream
	c.mu.Unlock()

	if ok && stream != nil {
		_ = c.sendOn(stream, clientFrame{Op: opUnsubscribe, Ref: ref})
	}
}

func (c *Client) dropTrack(ref string) {
	c.mu.Lock()
	_, ok := c.tracks[ref]
	delete(c.tracks, ref)
	stream := c.stream
	c.mu.Unlock()

	if ok && stream != nil {
		_ = c.sendOn(stream, clientFrame{Op: opUntrack, Ref: ref})
	}
}

func (c *Client) sendCurrent(f clientFrame) error {
	c.mu.Lock()
	stream := c.stream
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return transport.ErrClosed
	}
	if stream == nil {
		return ErrNotConnected
	}
	return c.sendOn(stream, f)
}

func (c *Client) sendOn(stream grpc.ClientStream, f clientFrame) error {
	msg, err := encodeFrame(f)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return stream.SendMsg(msg)
}

// run keeps one Connect stream alive until ctx ends.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	attempt := 0
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
		}

		delay := c.backoff.Delay(attempt)
		attempt++
		c.logger.Warn("relay stream ended, reconnecting", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session runs one stream: handshake, replay of live subscriptions, then
// the read loop. connected reports whether the handshake succeeded.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.conn.NewStream(streamCtx, &ServiceDesc.Streams[0], connectMethod)
	if err != nil {
		return false, fmt.Errorf("opening stream: %w", err)
	}

	welcome, err := recvFrame(stream)
	if err != nil {
		return false, err
	}
	if welcome.Type != frameWelcome {
		return false, fmt.Errorf("expected welcome, got %q", welcome.Type)
	}

	c.mu.Lock()
	c.stream = stream
	c.userID = welcome.UserID
	replay := make([]clientFrame, 0, len(c.subs)+len(c.tracks))
	for _, s := range c.subs {
		replay = append(replay, clientFrame{
			Op:             opSubscribe,
			Ref:            s.ref,
			ConversationID: s.conversationID,
			Since:          s.lastSeq,
		})
	}
	for _, t := range c.tracks {
		replay = append(replay, clientFrame{Op: opTrack, Ref: t.ref, UserID: t.userID})
	}
	c.mu.Unlock()

	defer c.detach(stream)

	for _, f := range replay {
		if err := c.sendOn(stream, f); err != nil {
			return true, fmt.Errorf("replaying %s: %w", f.Op, err)
		}
	}

	c.mu.Lock()
	close(c.ready)
	c.mu.Unlock()

	c.logger.Info("relay stream connected", "user_id", welcome.UserID, "replayed", len(replay))

	for {
		f, err := recvFrame(stream)
		if err != nil {
			return true, err
		}
		c.route(f)
	}
}

// detach forgets stream and re-arms the ready channel.
func (c *Client) detach(stream grpc.ClientStream) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != stream {
		return
	}
	c.stream = nil
	select {
	case <-c.ready:
		c.ready = make(chan struct{})
	default:
	}
}

func (c *Client) route(f serverFrame) {
	switch f.Type {
	case frameEvent:
		if f.Event == nil {
			return
		}
		c.mu.Lock()
		sub := c.subs[f.Ref]
		if sub != nil && f.Event.Seq > sub.lastSeq {
			sub.lastSeq = f.Event.Seq
		}
		c.mu.Unlock()
		if sub == nil {
			return
		}

		if c.seen.Seen(sub.ref + "/" + f.Event.ID) {
			c.logger.Debug("dropping redelivered event", "event_id", f.Event.ID, "seq", f.Event.Seq)
			return
		}
		ev := *f.Event
		h := sub.handlers
		sub.d.enqueue(func() { h.Dispatch(ev) })

	case frameSubscribed:
		// A fresh subscription has no backlog, so the hub's sequence at
		// subscribe time is a safe resume point.
		c.mu.Lock()
		if sub := c.subs[f.Ref]; sub != nil && sub.lastSeq == 0 {
			sub.lastSeq = f.Seq
		}
		c.mu.Unlock()

	case framePresence:
		c.mu.Lock()
		t := c.tracks[f.Ref]
		c.mu.Unlock()
		if t == nil || t.onChange == nil {
			return
		}
		snap := f.Presence
		if snap == nil {
			snap = map[string]chat.PresenceState{}
		}
		onChange := t.onChange
		t.d.enqueue(func() { onChange(snap) })

	case frameError:
		c.logger.Warn("relay rejected frame", "ref", f.Ref, "error", f.Error)

	case frameWelcome:
	default:
		c.logger.Debug("ignoring unknown frame", "type", f.Type)
	}
}

func recvFrame(stream grpc.ClientStream) (serverFrame, error) {
	var f serverFrame
	in := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(in); err != nil {
		return f, err
	}
	err := decodeFrame(in, &f)
	return f, err
}

func closeOnDone(ctx context.Context, h *transport.Handle) {
	select {
	case <-ctx.Done():
		h.Close()
	case <-h.Done():
	}
}

// dispatcher runs callbacks for one subscription in order on its own
// goroutine.
type dispatcher struct {
	queue    chan func()
	stopped  chan struct{}
	stopOnce sync.Once
	handle   *transport.Handle
}

func newDispatcher(onClose func()) *dispatcher {
	d := &dispatcher{
		queue:   make(chan func(), dispatchBufferSize),
		stopped: make(chan struct{}),
	}
	d.handle = transport.NewHandle(func() {
		d.stop()
		onClose()
	})
	go d.run()
	return d
}

func (d *dispatcher) run() {
	defer d.handle.Finish()
	for {
		select {
		case fn := <-d.queue:
			fn()
		case <-d.stopped:
			return
		}
	}
}

func (d *dispatcher) stop() {
	d.stopOnce.Do(func() { close(d.stopped) })
}

// enqueue blocks while the queue is full, applying backpressure to the
// stream reader, and gives up once the subscription is closed.
func (d *dispatcher) enqueue(fn func()) {
	select {
	case d.queue <- fn:
	case <-d.stopped:
	}
}
