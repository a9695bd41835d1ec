// Package logging assembles structured slog loggers and formatting helpers used
// across tender.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so connection handlers can tag
// log lines with a correlation id. The package also provides a no-op logger
// for tests and wiring code that cannot fail.
//
// Prefer these constructors over hand-rolled slog setup so new components
// emit data with the same shape as the rest of the daemon.
package logging
