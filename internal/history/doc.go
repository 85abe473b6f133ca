// Package history keeps a SQLite record of training sessions.
//
// The orchestrator calls Begin when a session is announced and Finish when
// its task exits. Write failures are logged by the caller and never affect
// lifecycle state.
package history
