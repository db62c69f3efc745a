// Package preview renders the short plain-text snippet a conversation list
// shows for its most recent message. Markdown emphasis, headings, links and
// code fences are flattened to their text; image-only messages render as a
// fixed placeholder.
package preview
