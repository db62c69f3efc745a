// Package relay carries the realtime transport over gRPC.
//
// The relay exposes one service, parley.relay.v1.Relay, with two methods:
//
//   - Connect: a bidirectional stream. Clients send JSON control frames
//     (subscribe, unsubscribe, publish, typing, track, untrack) and the
//     server answers with welcome, subscribed, event, presence and error
//     frames. Each frame travels as a google.protobuf.BytesValue.
//   - Presence: a unary lookup of one user's presence.
//
// The service descriptor is hand-written; the payloads are well-known
// wrapper types, so no generated code is needed.
//
// # Server
//
// Server fans events out through a transport.Hub. Each Connect stream is
// one presence session: a track frame joins the user, and the end of the
// stream leaves. When the stream is authenticated, the presence identity
// and message authorship are taken from the token subject. Typing frames
// are rate limited per stream.
//
// # Client
//
// Client implements transport.Channel. It reconnects with backoff, resends
// its subscriptions with the last sequence it saw so the server can replay
// missed events, and drops redelivered events so handlers see each event
// once.
package relay
