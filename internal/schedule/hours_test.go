package schedule

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSetNormalizesAndRoundTrips(t *testing.T) {
	t.Parallel()
	h, err := NewHours(t.TempDir())
	if err != nil {
		t.Fatalf("NewHours: %v", err)
	}

	stored, err := h.Set([]int{9, 14, 9, 3})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	want := []int{3, 9, 14}
	if !reflect.DeepEqual(stored, want) {
		t.Fatalf("Set = %v, want %v", stored, want)
	}

	got, err := h.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Get = %v, want %v", got, want)
	}
}

func TestSetRejectsInvalid(t *testing.T) {
	t.Parallel()
	h, err := NewHours(t.TempDir())
	if err != nil {
		t.Fatalf("NewHours: %v", err)
	}

	if _, err := h.Set(nil); err != ErrEmpty {
		t.Fatalf("Set(nil) = %v, want ErrEmpty", err)
	}
	if _, err := h.Set([]int{9, 24}); err == nil {
		t.Fatal("expected error for hour 24")
	}
	if _, err := h.Set([]int{-1}); err == nil {
		t.Fatal("expected error for hour -1")
	}
}

func TestGetMissingFileIsEmpty(t *testing.T) {
	t.Parallel()
	h, err := NewHours(t.TempDir())
	if err != nil {
		t.Fatalf("NewHours: %v", err)
	}
	got, err := h.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Get = %v, want empty", got)
	}
}

func TestGetSkipsBadTokens(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hours.txt"), []byte("7, x, 25, 7, ,14"), 0o644); err != nil {
		t.Fatal(err)
	}
	h, err := NewHours(dir)
	if err != nil {
		t.Fatalf("NewHours: %v", err)
	}
	got, err := h.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := []int{7, 14}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Get = %v, want %v", got, want)
	}
}

func TestContains(t *testing.T) {
	t.Parallel()
	h, err := NewHours(t.TempDir())
	if err != nil {
		t.Fatalf("NewHours: %v", err)
	}
	if _, err := h.Set([]int{8, 20}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	for _, tt := range []struct {
		hour int
		want bool
	}{
		{8, true}, {20, true}, {9, false}, {0, false},
	} {
		got, err := h.Contains(tt.hour)
		if err != nil {
			t.Fatalf("Contains(%d): %v", tt.hour, err)
		}
		if got != tt.want {
			t.Fatalf("Contains(%d) = %v, want %v", tt.hour, got, tt.want)
		}
	}
}
