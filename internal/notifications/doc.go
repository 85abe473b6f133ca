// Package notifications implements the foreground indicator that signals a
// running training session to the user.
//
// NewIndicator returns an ntfy-backed implementation when a topic is
// configured and a noop indicator otherwise, so orchestrator code can signal
// start, progress, and stop without guarding for configuration. Progress
// updates are throttled with a token-bucket limiter to keep push volume low.
package notifications
