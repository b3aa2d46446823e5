package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "meridian/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// The ledger lives in a single append-only JSON Lines file. Entries are
// replayed into a per-series index at open time; after that, reads never
// touch the file again.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	ledgerFile *os.File

	// bySeries holds every entry in append order, keyed by series.
	bySeries map[string][]Entry
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	ledgerPath := filepath.Join(dir, base+".ledger.jsonl")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	bySeries := map[string][]Entry{}
	if err := replayLedger(ledgerPath, bySeries); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	f, err := os.OpenFile(ledgerPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:        log,
		ledgerFile: f,
		bySeries:   bySeries,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledgerFile == nil {
		return nil
	}
	err := s.ledgerFile.Close()
	s.ledgerFile = nil
	return err
}

func (s *fileStore) Append(ctx context.Context, e Entry) error {
	_ = ctx
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledgerFile == nil {
		return errors.New("ledger file closed")
	}
	enc := json.NewEncoder(s.ledgerFile)
	if err := enc.Encode(e); err != nil {
		return err
	}
	s.bySeries[e.Series] = append(s.bySeries[e.Series], e)
	return nil
}

func (s *fileStore) History(ctx context.Context, series string) ([]Entry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.bySeries[series]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

func replayLedger(path string, out map[string][]Entry) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// A torn final line from a crash is tolerable; anything else in
			// the middle of the file would be skipped the same way.
			continue
		}
		if e.Series == "" {
			continue
		}
		out[e.Series] = append(out[e.Series], e)
	}
	return sc.Err()
}
