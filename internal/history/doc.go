// Package history persists a journal of worker spawns in SQLite.
//
// Each spawn request produces one row that advances from starting to ready,
// exited, failed, or busy. Rows still open when the daemon dies are flagged
// interrupted on the next start.
package history
