// Package schedule owns the set of hours-of-day at which broadcasts may
// fire. The set is stored in hours.txt as comma-separated integers, always
// sorted and deduplicated.
package schedule

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var ErrEmpty = errors.New("schedule: hour set must not be empty")

type Hours struct {
	mu   sync.Mutex
	path string
}

func NewHours(dir string) (*Hours, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("schedule: data dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Hours{path: filepath.Join(dir, "hours.txt")}, nil
}

// Get returns the configured hours, sorted ascending. A missing file means
// no hours are configured (empty set, not an error). Unparsable tokens are
// skipped so one bad edit doesn't disable the whole schedule.
func (h *Hours) Get() ([]int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readLocked()
}

func (h *Hours) readLocked() ([]int, error) {
	b, err := os.ReadFile(h.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []int
	seen := map[int]bool{}
	for _, tok := range strings.Split(string(b), ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		v, err := strconv.Atoi(tok)
		if err != nil || v < 0 || v > 23 || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Ints(out)
	return out, nil
}

// Set validates, normalizes (dedupe + sort) and stores the hour set, then
// returns the stored form. The input must be non-empty and every hour must
// be in [0,23].
func (h *Hours) Set(hours []int) ([]int, error) {
	if len(hours) == 0 {
		return nil, ErrEmpty
	}
	seen := map[int]bool{}
	var norm []int
	for _, v := range hours {
		if v < 0 || v > 23 {
			return nil, fmt.Errorf("schedule: hour %d out of range [0,23]", v)
		}
		if seen[v] {
			continue
		}
		seen[v] = true
		norm = append(norm, v)
	}
	sort.Ints(norm)

	toks := make([]string, len(norm))
	for i, v := range norm {
		toks[i] = strconv.Itoa(v)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(toks, ",")), 0o644); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, h.path); err != nil {
		return nil, err
	}
	return norm, nil
}

// Contains reports whether the given hour is in the configured set.
func (h *Hours) Contains(hour int) (bool, error) {
	hours, err := h.Get()
	if err != nil {
		return false, err
	}
	for _, v := range hours {
		if v == hour {
			return true, nil
		}
	}
	return false, nil
}
