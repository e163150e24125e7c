// Package content owns the per-weekday broadcast material: one image and
// one caption for each send day (Monday..Saturday).
//
// Backing files live under the data directory:
//   - captions.txt: one line per weekday, "monday: text" with literal \n
//     escapes inside the text
//   - images/day<1..6>.<jpg|png>: the weekday image (first extension found wins)
//
// The files are written by the configuration UI through the HTTP API and read
// by the broadcast scheduler; both go through this store.
package content

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var imageExts = []string{".jpg", ".png"}

// Entry is the broadcast material for one weekday.
// An entry missing either part is incomplete and must not be broadcast.
type Entry struct {
	Caption   string
	ImagePath string
}

func (e Entry) Complete() bool {
	return strings.TrimSpace(e.Caption) != "" && e.ImagePath != ""
}

var dayNames = map[time.Weekday]string{
	time.Monday:    "monday",
	time.Tuesday:   "tuesday",
	time.Wednesday: "wednesday",
	time.Thursday:  "thursday",
	time.Friday:    "friday",
	time.Saturday:  "saturday",
}

// SendDays lists the weekdays eligible for broadcasting, in calendar order.
// Sunday is deliberately absent.
func SendDays() []time.Weekday {
	return []time.Weekday{
		time.Monday, time.Tuesday, time.Wednesday,
		time.Thursday, time.Friday, time.Saturday,
	}
}

// DayName returns the lowercase English name for a send day.
func DayName(d time.Weekday) (string, bool) {
	n, ok := dayNames[d]
	return n, ok
}

// ParseDay resolves a lowercase day name back to its weekday.
// Sunday is not a valid send day and is rejected.
func ParseDay(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d, n := range dayNames {
		if n == s {
			return d, true
		}
	}
	return 0, false
}

type Store struct {
	mu  sync.Mutex
	dir string
}

func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("content: data dir is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, "images"), 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

func (s *Store) captionsPath() string { return filepath.Join(s.dir, "captions.txt") }

func (s *Store) imageBase(d time.Weekday) string {
	return filepath.Join(s.dir, "images", fmt.Sprintf("day%d", int(d)))
}

// Resolve returns the entry for a weekday. A missing caption or image is not
// an error; callers check Complete(). The error return is reserved for real
// I/O failures reading the captions file.
func (s *Store) Resolve(d time.Weekday) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(d)
}

func (s *Store) resolveLocked(d time.Weekday) (Entry, error) {
	name, ok := dayNames[d]
	if !ok {
		return Entry{}, fmt.Errorf("content: %v is not a send day", d)
	}
	captions, err := s.readCaptionsLocked()
	if err != nil {
		return Entry{}, err
	}
	e := Entry{Caption: captions[name]}
	if p, ok := s.findImageLocked(d); ok {
		e.ImagePath = p
	}
	return e, nil
}

func (s *Store) findImageLocked(d time.Weekday) (string, bool) {
	base := s.imageBase(d)
	for _, ext := range imageExts {
		p := base + ext
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

// SetCaption stores the caption for one weekday, rewriting the captions file
// with days in calendar order.
func (s *Store) SetCaption(d time.Weekday, caption string) error {
	name, ok := dayNames[d]
	if !ok {
		return fmt.Errorf("content: %v is not a send day", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	captions, err := s.readCaptionsLocked()
	if err != nil {
		return err
	}
	captions[name] = caption
	return s.writeCaptionsLocked(captions)
}

// SetImage installs the image for one weekday from a source file.
// Any previously stored image for that weekday (either extension) is removed
// first so only one image per day survives.
func (s *Store) SetImage(d time.Weekday, srcPath string) error {
	if _, ok := dayNames[d]; !ok {
		return fmt.Errorf("content: %v is not a send day", d)
	}
	ext := strings.ToLower(filepath.Ext(srcPath))
	if !validImageExt(ext) {
		return fmt.Errorf("content: unsupported image extension %q", ext)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeImagesLocked(d)
	return copyFile(srcPath, s.imageBase(d)+ext)
}

// Copy duplicates one weekday's caption and image onto the destination days.
// It fails up-front if the source is incomplete.
func (s *Store) Copy(src time.Weekday, dests []time.Weekday) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.resolveLocked(src)
	if err != nil {
		return err
	}
	if !entry.Complete() {
		return fmt.Errorf("content: source day %v is incomplete", src)
	}
	ext := filepath.Ext(entry.ImagePath)

	captions, err := s.readCaptionsLocked()
	if err != nil {
		return err
	}
	for _, d := range dests {
		name, ok := dayNames[d]
		if !ok || d == src {
			continue
		}
		s.removeImagesLocked(d)
		if err := copyFile(entry.ImagePath, s.imageBase(d)+ext); err != nil {
			return err
		}
		captions[name] = entry.Caption
	}
	return s.writeCaptionsLocked(captions)
}

// Delete removes a weekday's caption and image.
func (s *Store) Delete(d time.Weekday) error {
	name, ok := dayNames[d]
	if !ok {
		return fmt.Errorf("content: %v is not a send day", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeImagesLocked(d)
	captions, err := s.readCaptionsLocked()
	if err != nil {
		return err
	}
	delete(captions, name)
	return s.writeCaptionsLocked(captions)
}

// DeleteAll clears every weekday's caption and image.
func (s *Store) DeleteAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range SendDays() {
		s.removeImagesLocked(d)
	}
	return s.writeCaptionsLocked(map[string]string{})
}

func (s *Store) removeImagesLocked(d time.Weekday) {
	base := s.imageBase(d)
	for _, ext := range imageExts {
		_ = os.Remove(base + ext)
	}
}

// readCaptionsLocked parses captions.txt. A missing file is an empty map;
// malformed lines are skipped.
func (s *Store) readCaptionsLocked() (map[string]string, error) {
	out := map[string]string{}
	b, err := os.ReadFile(s.captionsPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return nil, err
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, rest, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok {
			continue
		}
		if _, valid := ParseDay(name); !valid {
			continue
		}
		out[name] = unescapeCaption(strings.TrimSpace(rest))
	}
	return out, nil
}

func (s *Store) writeCaptionsLocked(captions map[string]string) error {
	// SendDays order keeps the file stable regardless of update order.
	lines := make([]string, 0, len(captions))
	for _, d := range SendDays() {
		name := dayNames[d]
		c, ok := captions[name]
		if !ok || strings.TrimSpace(c) == "" {
			continue
		}
		lines = append(lines, name+": "+escapeCaption(c))
	}
	data := ""
	if len(lines) > 0 {
		data = strings.Join(lines, "\n") + "\n"
	}
	tmp := s.captionsPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(data), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.captionsPath())
}

// Captions are stored one per line, so embedded newlines are escaped as the
// two-character sequence \n (matching what the configuration UI submits).
func escapeCaption(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", `\n`)
}

func unescapeCaption(s string) string {
	return strings.ReplaceAll(s, `\n`, "\n")
}

func validImageExt(ext string) bool {
	for _, e := range imageExts {
		if e == ext {
			return true
		}
	}
	return false
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
