// Package daemon wires the long-running fractald process: configuration
// reload, admission monitoring, the orchestrator, session history and the
// HTTP API. A file lock in the state directory keeps it single-instance.
package daemon
