// Package storage persists the scheduler event journal.
//
// Drivers:
//   - file: append-only JSON Lines, no dependencies
//   - sqlite: modernc.org/sqlite, compiled with -tags sqlite
//
// The journal is an audit trail. Nothing reads it back into the scheduler.
package storage
