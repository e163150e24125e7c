package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "groupcast/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	s, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "groupcast")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLedgerMarkAndReset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())

	fired, err := s.HasFired(ctx, "3-14")
	if err != nil || fired {
		t.Fatalf("HasFired before mark = (%v, %v)", fired, err)
	}
	if err := s.MarkFired(ctx, "3-14"); err != nil {
		t.Fatalf("MarkFired: %v", err)
	}
	fired, _ = s.HasFired(ctx, "3-14")
	if !fired {
		t.Fatal("slot not fired after MarkFired")
	}
	// Marking twice is a no-op, not an error.
	if err := s.MarkFired(ctx, "3-14"); err != nil {
		t.Fatalf("second MarkFired: %v", err)
	}

	if err := s.ResetLedger(ctx); err != nil {
		t.Fatalf("ResetLedger: %v", err)
	}
	fired, _ = s.HasFired(ctx, "3-14")
	if fired {
		t.Fatal("slot still fired after reset")
	}
}

func TestLedgerSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(Config{Path: filepath.Join(dir, "groupcast")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.MarkFired(ctx, "5-9"); err != nil {
		t.Fatalf("MarkFired: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := openTestStore(t, dir)
	fired, err := s2.HasFired(ctx, "5-9")
	if err != nil || !fired {
		t.Fatalf("HasFired after reopen = (%v, %v), want (true, nil)", fired, err)
	}
}

func TestLedgerSkipsMalformedLines(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	raw := "3-14\ngarbage\n-5\n4-\n2-x\n\n6-0\n"
	if err := os.WriteFile(filepath.Join(dir, "groupcast.ledger.txt"), []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	s := openTestStore(t, dir)
	for key, want := range map[string]bool{
		"3-14":    true,
		"6-0":     true,
		"garbage": false,
		"2-x":     false,
	} {
		fired, err := s.HasFired(ctx, key)
		if err != nil {
			t.Fatalf("HasFired(%q): %v", key, err)
		}
		if fired != want {
			t.Fatalf("HasFired(%q) = %v, want %v", key, fired, want)
		}
	}
}

func TestHistoryAppendAndListOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := HistoryRecord{
			ID:            "rec-" + string(rune('a'+i)),
			RecipientID:   "-100",
			RecipientName: "Group",
			Status:        StatusSuccess,
			Timestamp:     base.Add(time.Duration(i) * time.Second),
			Position:      "1/1",
			Message:       "caption",
		}
		if err := s.AppendHistory(ctx, rec); err != nil {
			t.Fatalf("AppendHistory: %v", err)
		}
	}

	list, err := s.ListHistory(ctx)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("ListHistory has %d records, want 3", len(list))
	}
	// Most-recent-first.
	if list[0].ID != "rec-c" || list[2].ID != "rec-a" {
		t.Fatalf("unexpected order: %s .. %s", list[0].ID, list[2].ID)
	}
}

func TestHistoryMissingFileIsEmpty(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, t.TempDir())
	list, err := s.ListHistory(context.Background())
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("ListHistory = %+v, want empty", list)
	}
}

func TestHistoryCorruptLineSurfacesError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestStore(t, dir)

	if err := s.AppendHistory(ctx, HistoryRecord{ID: "ok", Status: StatusSuccess, Timestamp: time.Now()}); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "groupcast.history.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{not json\n"); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	_, err = s.ListHistory(ctx)
	if !errors.Is(err, ErrCorruptHistory) {
		t.Fatalf("ListHistory error = %v, want ErrCorruptHistory", err)
	}

	// Appends still work against a corrupt log.
	if err := s.AppendHistory(ctx, HistoryRecord{ID: "after", Status: StatusFailure, Timestamp: time.Now()}); err != nil {
		t.Fatalf("AppendHistory after corruption: %v", err)
	}
}

func TestClearHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())

	if err := s.AppendHistory(ctx, HistoryRecord{ID: "x", Status: StatusSuccess, Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearHistory(ctx); err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}
	list, err := s.ListHistory(ctx)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("history not empty after clear: %+v", list)
	}
	// Clearing an already-empty history is fine.
	if err := s.ClearHistory(ctx); err != nil {
		t.Fatalf("second ClearHistory: %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop())
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
