package storage

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	logx "jobloop/pkg/logx"
)

// Store is the journal API used by the journal worker and the CLI.
type Store interface {
	AppendEvent(ctx context.Context, e EventRecord) error
	// RecentEvents returns up to limit records, newest first.
	RecentEvents(ctx context.Context, limit int) ([]EventRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}
