// ABOUTME: JSON control frames exchanged on the relay Connect stream
// ABOUTME: Frames are wrapped in BytesValue so the stream needs no generated code

package relay

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/2389/parley/internal/chat"
	"github.com/2389/parley/internal/transport"
)

// Client operations.
const (
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opPublish     = "publish"
	opTyping      = "typing"
	opTrack       = "track"
	opUntrack     = "untrack"
)

// Server frame types.
const (
	frameWelcome    = "welcome"
	frameSubscribed = "subscribed"
	frameEvent      = "event"
	framePresence   = "presence"
	frameError      = "error"
)

// clientFrame is sent by the client. Ref names the subscription or presence
// track the frame refers to; the client picks it.
type clientFrame struct {
	Op             string             `json:"op"`
	Ref            string             `json:"ref,omitempty"`
	ConversationID string             `json:"conversation_id,omitempty"`
	Since          uint64             `json:"since,omitempty"`
	UserID         string             `json:"user_id,omitempty"`
	Event          *transport.Event   `json:"event,omitempty"`
	Typing         *chat.TypingSignal `json:"typing,omitempty"`
}

// serverFrame is sent by the server.
type serverFrame struct {
	Type     string                        `json:"type"`
	Ref      string                        `json:"ref,omitempty"`
	Seq      uint64                        `json:"seq,omitempty"`
	UserID   string                        `json:"user_id,omitempty"`
	Event    *transport.Event              `json:"event,omitempty"`
	Presence map[string]chat.PresenceState `json:"presence,omitempty"`
	Error    string                        `json:"error,omitempty"`
}

func encodeFrame(v any) (*wrapperspb.BytesValue, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return wrapperspb.Bytes(data), nil
}

func decodeFrame(msg *wrapperspb.BytesValue, v any) error {
	if err := json.Unmarshal(msg.GetValue(), v); err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}
	return nil
}
