package storage

import (
	"context"
	"errors"
	"strings"

	logx "meridian/pkg/logx"
)

// Store is the ledger persistence API. Append is the only write; History
// returns a series' entries in append order.
type Store interface {
	Append(ctx context.Context, e Entry) error
	History(ctx context.Context, series string) ([]Entry, error)
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
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
