// Package training defines the executor contract used by the orchestrator
// and ships Loop, a reference executor driving a simulated model.
//
// The contract is bidirectional: executors report progress, epoch results,
// and status through Callbacks, and poll the same interface for pause,
// cancellation, and device admission so that those requests are honoured
// inside the compute loop rather than only between sessions.
package training
