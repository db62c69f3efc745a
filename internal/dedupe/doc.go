// Package dedupe tracks recently delivered event IDs so a reconnecting
// transport can replay its backlog without handing the same event to
// subscribers twice.
package dedupe
