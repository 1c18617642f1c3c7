package storage

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	logx "accountpolld/pkg/logx"
)

// Store is the history API used by the recorder and the CLI.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Enabled reports whether cfg selects a driver.
func Enabled(cfg Config) bool {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none", "off", "disabled":
		return false
	}
	return true
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if !Enabled(cfg) {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}
