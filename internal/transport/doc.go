// Package transport carries realtime conversation events between clients.
//
// # Events
//
// Every realtime payload is an Event tagged with a Kind: a new message, a
// read receipt (a batch of message IDs), or a typing signal. Message and read
// events are numbered by the Hub and kept in a bounded per-conversation replay
// ring so a client that resubscribes with the last sequence it saw gets the
// gap redelivered. Delivery is at-least-once; applying an event exactly once is
// the consumer's job.
//
// # Channel handle
//
// Channel is the handle a client session holds for the lifetime of its
// connection:
//
//	ch := transport.NewLocal(hub, logger)
//	sub, err := ch.SubscribeToConversation(ctx, convID, transport.Handlers{...})
//	defer sub.Close()
//
// Local runs over an in-process Hub. The relay package provides a Channel
// over gRPC with the same contract.
//
// # Presence
//
// The Hub also keeps a reference-counted set of online users. TrackPresence
// marks a user online for the life of the subscription and pushes the full
// online map on every join or leave.
//
// # Resubscription
//
// Keep wraps a subscribe call in a loop that reopens the subscription with
// exponential backoff whenever the transport drops it.
package transport
