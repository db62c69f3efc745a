// ABOUTME: Relay server that bridges Connect streams onto a shared transport Hub
// ABOUTME: Each stream is one presence session with its own subscriptions and typing limiter

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/chat"
	"github.com/2389/parley/internal/store"
	"github.com/2389/parley/internal/transport"
)

const (
	// outboundBufferSize is the per-stream queue of frames awaiting send.
	outboundBufferSize = 256

	// DefaultTypingRate is the sustained typing frames per second per stream.
	DefaultTypingRate = 5

	// DefaultTypingBurst is the typing burst allowance per stream.
	DefaultTypingBurst = 10
)

// Members resolves who takes part in a conversation. store.SQLiteStore
// satisfies it.
type Members interface {
	Participants(ctx context.Context, conversationID string) ([2]string, error)
}

// ServerOptions tunes a Server. Zero values select defaults.
type ServerOptions struct {
	TypingRate  float64
	TypingBurst int

	// Members, when set, limits an authenticated stream to conversations
	// its user takes part in. Without it any conversation ID is accepted.
	Members Members
}

// Server implements Service on top of a Hub.
type Server struct {
	hub         *transport.Hub
	members     Members
	typingRate  rate.Limit
	typingBurst int
	logger      *slog.Logger
}

var _ Service = (*Server)(nil)

// NewServer creates a relay server. Pass nil logger for default.
func NewServer(hub *transport.Hub, opts ServerOptions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TypingRate <= 0 {
		opts.TypingRate = DefaultTypingRate
	}
	if opts.TypingBurst <= 0 {
		opts.TypingBurst = DefaultTypingBurst
	}
	return &Server{
		hub:         hub,
		members:     opts.Members,
		typingRate:  rate.Limit(opts.TypingRate),
		typingBurst: opts.TypingBurst,
		logger:      logger.With("component", "relay"),
	}
}

// Presence implements Service.
func (s *Server) Presence(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	userID := in.GetValue()
	if userID == "" {
		return nil, status.Error(codes.InvalidArgument, "user id required")
	}
	data, err := json.Marshal(s.hub.Presence(userID))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding presence: %v", err)
	}
	return wrapperspb.Bytes(data), nil
}

// Connect implements Service. It returns when the client closes the stream
// or the stream context ends.
func (s *Server) Connect(stream grpc.ServerStream) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	sess := &session{
		server:  s,
		ctx:     ctx,
		out:     make(chan serverFrame, outboundBufferSize),
		subs:    make(map[string]context.CancelFunc),
		tracks:  make(map[string]*track),
		joined:  make(map[string]bool),
		limiter: rate.NewLimiter(s.typingRate, s.typingBurst),
	}
	if id, ok := auth.FromContext(ctx); ok {
		sess.identity = &id
	}
	sess.logger = s.logger.With("user_id", sess.userID())

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- sess.writeLoop(stream)
		cancel()
	}()

	defer sess.cleanup()

	sess.send(serverFrame{Type: frameWelcome, UserID: sess.userID(), Seq: s.hub.LastSeq()})
	sess.logger.Info("relay stream connected")

	for {
		in := new(wrapperspb.BytesValue)
		if err := stream.RecvMsg(in); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				sess.logger.Info("relay stream closed")
				return nil
			}
			return err
		}

		var f clientFrame
		if err := decodeFrame(in, &f); err != nil {
			sess.sendError("", err)
			continue
		}
		sess.handle(f)

		select {
		case err := <-writeErr:
			return err
		default:
		}
	}
}

type track struct {
	userID  string
	watchID string
	cancel  context.CancelFunc
}

// session is the per-stream state of Connect.
type session struct {
	server   *Server
	ctx      context.Context
	identity *auth.Identity
	logger   *slog.Logger
	out      chan serverFrame
	limiter  *rate.Limiter

	mu     sync.Mutex
	subs   map[string]context.CancelFunc // ref -> cancel
	tracks map[string]*track             // ref -> track
	joined map[string]bool               // conversations the user is confirmed in
}

func (ss *session) userID() string {
	if ss.identity != nil {
		return ss.identity.UserID
	}
	return ""
}

// authorize checks that the stream's user takes part in conversationID.
// Confirmed memberships are cached for the life of the stream.
func (ss *session) authorize(conversationID string) error {
	members := ss.server.members
	uid := ss.userID()
	if members == nil || uid == "" {
		return nil
	}

	ss.mu.Lock()
	ok := ss.joined[conversationID]
	ss.mu.Unlock()
	if ok {
		return nil
	}

	pair, err := members.Participants(ss.ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("conversation %s: %w", conversationID, store.ErrNotParticipant)
	}
	if err != nil {
		return fmt.Errorf("looking up conversation %s: %w", conversationID, err)
	}
	if pair[0] != uid && pair[1] != uid {
		return fmt.Errorf("conversation %s: %w", conversationID, store.ErrNotParticipant)
	}

	ss.mu.Lock()
	ss.joined[conversationID] = true
	ss.mu.Unlock()
	return nil
}

func (ss *session) handle(f clientFrame) {
	switch f.Op {
	case opSubscribe:
		ss.subscribe(f)
	case opUnsubscribe:
		ss.unsubscribe(f.Ref)
	case opPublish:
		ss.publish(f)
	case opTyping:
		ss.typing(f)
	case opTrack:
		ss.track(f)
	case opUntrack:
		ss.untrack(f.Ref)
	default:
		ss.sendError(f.Ref, fmt.Errorf("unknown op %q", f.Op))
	}
}

func (ss *session) subscribe(f clientFrame) {
	if f.Ref == "" || f.ConversationID == "" {
		ss.sendError(f.Ref, errors.New("subscribe needs ref and conversation_id"))
		return
	}
	if err := ss.authorize(f.ConversationID); err != nil {
		ss.sendError(f.Ref, err)
		return
	}

	hub := ss.server.hub
	subCtx, cancel := context.WithCancel(ss.ctx)

	ss.mu.Lock()
	if old, ok := ss.subs[f.Ref]; ok {
		old()
	}
	ss.subs[f.Ref] = cancel
	ss.mu.Unlock()

	events, _ := hub.Subscribe(subCtx, f.ConversationID, f.Since)
	ss.send(serverFrame{Type: frameSubscribed, Ref: f.Ref, Seq: hub.LastSeq()})

	ss.logger.Debug("subscribed",
		"ref", f.Ref,
		"conversation_id", f.ConversationID,
		"since", f.Since)

	go func() {
		for ev := range events {
			ss.send(serverFrame{Type: frameEvent, Ref: f.Ref, Event: &ev})
		}
	}()
}

func (ss *session) unsubscribe(ref string) {
	ss.mu.Lock()
	cancel, ok := ss.subs[ref]
	delete(ss.subs, ref)
	ss.mu.Unlock()

	if ok {
		cancel()
		ss.logger.Debug("unsubscribed", "ref", ref)
	}
}

func (ss *session) publish(f clientFrame) {
	if f.Event == nil {
		ss.sendError(f.Ref, errors.New("publish without event"))
		return
	}
	ev := *f.Event
	if err := ev.Validate(); err != nil {
		ss.sendError(f.Ref, err)
		return
	}
	if ev.Kind == transport.KindTyping {
		ss.sendError(f.Ref, errors.New("typing goes through the typing op"))
		return
	}
	if err := ss.authorize(ev.ConversationID); err != nil {
		ss.sendError(f.Ref, err)
		return
	}
	if uid := ss.userID(); uid != "" {
		if ev.Kind == transport.KindMessage && ev.Message.SenderID != uid {
			ss.sendError(f.Ref, errors.New("cannot publish as another sender"))
			return
		}
		if ev.Kind == transport.KindRead && ev.ReaderID != uid {
			ss.sendError(f.Ref, errors.New("cannot publish reads for another reader"))
			return
		}
	}
	// Seq, ID and time are the hub's to assign.
	ev.Seq = 0
	ss.server.hub.Publish(ev, "")
}

func (ss *session) typing(f clientFrame) {
	if f.Typing == nil || f.ConversationID == "" {
		ss.sendError(f.Ref, errors.New("typing needs conversation_id and signal"))
		return
	}
	if err := ss.authorize(f.ConversationID); err != nil {
		ss.sendError(f.Ref, err)
		return
	}
	if !ss.limiter.Allow() {
		ss.logger.Debug("typing frame rate limited", "conversation_id", f.ConversationID)
		return
	}

	sig := *f.Typing
	sig.ConversationID = f.ConversationID
	if ss.identity != nil {
		sig.UserID = ss.identity.UserID
		if ss.identity.DisplayName != "" {
			sig.DisplayName = ss.identity.DisplayName
		}
	}
	ev := transport.NewTypingEvent(sig)
	if err := ev.Validate(); err != nil {
		ss.sendError(f.Ref, err)
		return
	}
	ss.server.hub.Publish(ev, "")
}

func (ss *session) track(f clientFrame) {
	userID := f.UserID
	if ss.identity != nil {
		userID = ss.identity.UserID
	}
	if f.Ref == "" || userID == "" {
		ss.sendError(f.Ref, errors.New("track needs ref and user"))
		return
	}

	hub := ss.server.hub
	trackCtx, cancel := context.WithCancel(ss.ctx)

	ss.mu.Lock()
	old := ss.tracks[f.Ref]
	delete(ss.tracks, f.Ref)
	ss.mu.Unlock()
	if old != nil {
		ss.stopTrack(old)
	}

	hub.Join(userID)
	snaps, watchID := hub.WatchPresence(trackCtx)
	t := &track{userID: userID, watchID: watchID, cancel: cancel}

	ss.mu.Lock()
	ss.tracks[f.Ref] = t
	ss.mu.Unlock()

	ss.logger.Debug("tracking presence", "ref", f.Ref)

	go func() {
		for snap := range snaps {
			ss.send(serverFrame{Type: framePresence, Ref: f.Ref, Presence: snap})
		}
	}()
}

func (ss *session) untrack(ref string) {
	ss.mu.Lock()
	t := ss.tracks[ref]
	delete(ss.tracks, ref)
	ss.mu.Unlock()

	if t != nil {
		ss.stopTrack(t)
	}
}

func (ss *session) stopTrack(t *track) {
	t.cancel()
	ss.server.hub.UnwatchPresence(t.watchID)
	ss.server.hub.Leave(t.userID)
}

// cleanup releases every subscription and presence session of the stream.
func (ss *session) cleanup() {
	ss.mu.Lock()
	subs := ss.subs
	tracks := ss.tracks
	ss.subs = make(map[string]context.CancelFunc)
	ss.tracks = make(map[string]*track)
	ss.mu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
	for _, t := range tracks {
		ss.stopTrack(t)
	}
}

// send queues a frame for the writer. It gives up when the stream ends.
func (ss *session) send(f serverFrame) {
	select {
	case ss.out <- f:
	case <-ss.ctx.Done():
	}
}

func (ss *session) sendError(ref string, err error) {
	ss.logger.Debug("rejecting frame", "ref", ref, "error", err)
	ss.send(serverFrame{Type: frameError, Ref: ref, Error: err.Error()})
}

func (ss *session) writeLoop(stream grpc.ServerStream) error {
	for {
		select {
		case <-ss.ctx.Done():
			return nil
		case f := <-ss.out:
			msg, err := encodeFrame(f)
			if err != nil {
				ss.logger.Error("dropping unencodable frame", "type", f.Type, "error", err)
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// presenceFromBytes decodes the Presence reply.
func presenceFromBytes(b *wrapperspb.BytesValue) (chat.PresenceState, error) {
	var state chat.PresenceState
	if err := json.Unmarshal(b.GetValue(), &state); err != nil {
		return state, fmt.Errorf("decoding presence: %w", err)
	}
	return state, nil
}
