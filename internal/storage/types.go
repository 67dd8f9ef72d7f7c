package storage

import (
	"time"

	"github.com/cockroachdb/errors"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file next to Path
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// EventRecord is one scheduler lifecycle event as stored.
type EventRecord struct {
	At    time.Time `json:"at"`
	Type  string    `json:"type"`
	JobID string    `json:"job_id"`
	Error string    `json:"error,omitempty"`
	// Meta is a JSON object with event specific fields (interval, last run...).
	Meta string `json:"meta,omitempty"`
}
