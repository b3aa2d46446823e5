package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures ledger storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl append log)
//   - "sqlite": SQLite database file
//   - "memory": in-process only (tests, embedded)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry is one fairness-ledger record. Keep it compact and schema-stable.
type Entry struct {
	ID            string    `json:"id"`
	Series        string    `json:"series"`
	Participant   string    `json:"participant"`
	SlotStart     time.Time `json:"slot_start"`
	SlotEnd       time.Time `json:"slot_end"`
	Inconvenience float64   `json:"inconvenience"`
	RecordedAt    time.Time `json:"recorded_at"`
}
