// Package services defines shared utilities consumed by the session
// orchestrator and its external collaborators.
//
// Key responsibilities:
//   - Context helpers that stamp session IDs, phases, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper so failures from storage,
//     transport, and the executor can be classified and summarised for the
//     status line without string matching.
//
// Use these helpers when wiring new collaborators so operational behaviour
// (error handling, observability) stays uniform across the daemon.
package services
