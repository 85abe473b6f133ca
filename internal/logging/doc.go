// Package logging assembles structured slog loggers and formatting helpers used
// across Fractal.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so orchestrator code can tag log
// lines with session IDs and phases automatically. Format "auto" renders the
// console layout on a terminal and JSON everywhere else.
package logging
