// Package recipients maintains the two recipient lists:
//
//   - discovered: every group the transport has ever seen (append-only,
//     fed by GroupSeen events)
//   - selected: the curated subset eligible for broadcasts (written by the
//     configuration UI)
//
// Both are stored one "id | name" line per recipient under the data dir.
package recipients

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type Recipient struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Registry struct {
	mu             sync.Mutex
	selectedPath   string
	discoveredPath string

	// seen caches discovered IDs so Observe doesn't reread the file per event.
	// Lazily loaded on first use.
	seen map[string]bool
}

func NewRegistry(dir string) (*Registry, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("recipients: data dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Registry{
		selectedPath:   filepath.Join(dir, "recipients.txt"),
		discoveredPath: filepath.Join(dir, "discovered.txt"),
	}, nil
}

// Selected returns the curated broadcast targets in file order.
// The returned slice is a snapshot; later registry updates don't affect it.
func (r *Registry) Selected() ([]Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return readList(r.selectedPath)
}

// SetSelected replaces the curated list. Entries with an empty ID are dropped.
func (r *Registry) SetSelected(list []Recipient) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	for _, rec := range list {
		id := strings.TrimSpace(rec.ID)
		if id == "" {
			continue
		}
		b.WriteString(id)
		b.WriteString(" | ")
		b.WriteString(sanitizeName(rec.Name))
		b.WriteString("\n")
	}
	tmp := r.selectedPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.selectedPath)
}

// Discovered returns every group observed so far, in discovery order.
func (r *Registry) Discovered() ([]Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return readList(r.discoveredPath)
}

// Observe records a newly seen group. Repeat observations of the same ID are
// ignored, so the discovered file grows append-only with unique IDs.
func (r *Registry) Observe(id, name string) (added bool, err error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seen == nil {
		list, err := readList(r.discoveredPath)
		if err != nil {
			return false, err
		}
		r.seen = make(map[string]bool, len(list))
		for _, rec := range list {
			r.seen[rec.ID] = true
		}
	}
	if r.seen[id] {
		return false, nil
	}

	f, err := os.OpenFile(r.discoveredPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return false, err
	}
	defer f.Close()
	if _, err := f.WriteString(id + " | " + sanitizeName(name) + "\n"); err != nil {
		return false, err
	}
	r.seen[id] = true
	return true, nil
}

// readList parses an "id | name" line file. Missing file means empty list;
// malformed lines are skipped.
func readList(path string) ([]Recipient, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Recipient
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		id, name, _ := strings.Cut(line, "|")
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out = append(out, Recipient{ID: id, Name: strings.TrimSpace(name)})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Names live on one line each; strip separators and newlines.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\n", " ")
	name = strings.ReplaceAll(name, "|", "/")
	return strings.TrimSpace(name)
}
