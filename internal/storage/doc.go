// Package storage persists the fairness ledger.
//
// The ledger is append-only: entries record which participant bore which
// slot (and how inconvenient it was) for a recurring series. Nothing here
// rewrites or deletes history; retention is an external data-lifecycle
// concern.
//
// Backends:
//   - Ledger appends per series (jsonl file or sqlite)
//   - In-memory store for tests and embedded use
package storage
