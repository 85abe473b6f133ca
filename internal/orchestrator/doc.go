// Package orchestrator drives training sessions.
//
// A toggle applied to the lifecycle store either changes the state of the
// running session (pause, resume, abort) or announces a new one. A new
// session runs on its own supervised goroutine that restores the last
// checkpoint, runs the executor, persists and uploads the result, performs
// a bounded inference pass, and finally returns the store to inactive.
//
// Pause and cancel are cooperative: the executor polls the callbacks between
// units of work, so the pause and cancel latency is one unit of work plus the
// executor's poll interval. Indicator updates are sent from a separate
// goroutine and never add to it. A cancel that arrives after training has
// returned still ends the session as cancelled; later phases are skipped.
package orchestrator
