package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "groupcast/pkg/logx"
)

// fileStore is the dependency-free persistence backend.
//
// Files:
//   - <prefix>.ledger.txt    (one fired slot key per line)
//   - <prefix>.history.jsonl (append-only JSON Lines)
//
// The ledger is loaded once at open; MarkFired appends and fsyncs so the
// guarantee "durable before returning" holds across crashes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	ledgerPath  string
	ledgerFile  *os.File
	fired       map[string]bool
	historyPath string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:         log,
		ledgerPath:  prefix + ".ledger.txt",
		historyPath: prefix + ".history.jsonl",
		fired:       map[string]bool{},
	}

	if err := s.loadLedger(); err != nil {
		// Unreadable ledger degrades to empty: worst case a slot re-fires
		// once. Losing dedup state is preferable to refusing to start.
		log.Warn("ledger unreadable; starting with empty dedup state", logx.Err(err))
		s.fired = map[string]bool{}
	}

	lf, err := os.OpenFile(s.ledgerPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.ledgerFile = lf
	return s, nil
}

func (s *fileStore) loadLedger() error {
	f, err := os.Open(s.ledgerPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		key := strings.TrimSpace(sc.Text())
		if key == "" {
			continue
		}
		if !validSlotKey(key) {
			s.log.Warn("skipping malformed ledger line",
				logx.Int("line", line), logx.String("raw", key))
			continue
		}
		s.fired[key] = true
	}
	return sc.Err()
}

// validSlotKey accepts "d-h" with both parts non-negative integers.
func validSlotKey(key string) bool {
	d, h, ok := strings.Cut(key, "-")
	if !ok || d == "" || h == "" {
		return false
	}
	for _, part := range []string{d, h} {
		for _, r := range part {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledgerFile != nil {
		err := s.ledgerFile.Close()
		s.ledgerFile = nil
		return err
	}
	return nil
}

func (s *fileStore) HasFired(ctx context.Context, key string) (bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired[key], nil
}

func (s *fileStore) MarkFired(ctx context.Context, key string) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledgerFile == nil {
		return errors.New("ledger closed")
	}
	if s.fired[key] {
		return nil
	}
	if _, err := s.ledgerFile.WriteString(key + "\n"); err != nil {
		return err
	}
	if err := s.ledgerFile.Sync(); err != nil {
		return err
	}
	s.fired[key] = true
	return nil
}

func (s *fileStore) ResetLedger(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledgerFile == nil {
		return errors.New("ledger closed")
	}
	if err := s.ledgerFile.Truncate(0); err != nil {
		return err
	}
	if _, err := s.ledgerFile.Seek(0, 2); err != nil {
		return err
	}
	if err := s.ledgerFile.Sync(); err != nil {
		return err
	}
	s.fired = map[string]bool{}
	return nil
}

func (s *fileStore) AppendHistory(ctx context.Context, rec HistoryRecord) error {
	_ = ctx
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (s *fileStore) ListHistory(ctx context.Context) ([]HistoryRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.historyPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []HistoryRecord
	sc := bufio.NewScanner(f)
	// Batches with very long captions can exceed bufio's default token size.
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var rec HistoryRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrCorruptHistory, line, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	// File order is append order; callers get most-recent-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *fileStore) ClearHistory(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.historyPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
