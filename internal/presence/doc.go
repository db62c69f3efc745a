// Package presence tracks which users are online.
//
// Tracker keeps the last online map pushed by the transport. Track holds the
// local user online for as long as the caller wants and reopens the
// subscription with backoff when the transport drops it. Lookups are
// fail-closed: a user missing from the map is offline. Poll adds a periodic
// single-user query that masks pushes lost while a subscription was down.
package presence
