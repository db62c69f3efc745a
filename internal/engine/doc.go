// Package engine is the boundary a UI talks to.
//
// A Session belongs to one signed-in user. It holds the transport channel
// handle, the inbox store and the presence tracker, and keeps a live
// subscription for every conversation in the user's list so unread counts
// move even for conversations nobody is looking at. Open returns a View for
// one conversation; while the view is open its messages are read on arrival
// and the other participant's typing reaches the view's indicator.
package engine
