package sensor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeIIODevice(t *testing.T, root, dev, name, raw string) {
	t.Helper()
	dir := filepath.Join(root, dev)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "name"), []byte(name+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if raw != "" {
		if err := os.WriteFile(filepath.Join(dir, "in_distance_raw"), []byte(raw+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestFindIIO_MatchesToFDevice(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeIIODevice(t, root, "iio:device0", "bmp280", "")
	writeIIODevice(t, root, "iio:device1", "vl53l1x", "558")

	s, err := findIIOIn(root)
	if err != nil {
		t.Fatalf("findIIOIn() error = %v", err)
	}
	if s.Name() != "vl53l1x" {
		t.Errorf("Name() = %q, want vl53l1x", s.Name())
	}

	got, err := s.ReadRangeMM(context.Background())
	if err != nil {
		t.Fatalf("ReadRangeMM() error = %v", err)
	}
	if got != 558 {
		t.Errorf("ReadRangeMM() = %d, want 558", got)
	}
}

func TestFindIIO_NoDevice(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeIIODevice(t, root, "iio:device0", "bmp280", "")

	if _, err := findIIOIn(root); !errors.Is(err, ErrNotFound) {
		t.Errorf("findIIOIn() = %v, want ErrNotFound", err)
	}
}

func TestIIO_OutOfRangeReading(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeIIODevice(t, root, "iio:device0", "vl53l1x", "65535")

	s, err := findIIOIn(root)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadRangeMM(context.Background()); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("ReadRangeMM() = %v, want ErrOutOfRange", err)
	}
}

func TestIIO_CancelledContext(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeIIODevice(t, root, "iio:device0", "vl53l1x", "558")

	s, err := findIIOIn(root)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.ReadRangeMM(ctx); !errors.Is(err, ErrTimeout) {
		t.Errorf("ReadRangeMM(cancelled) = %v, want ErrTimeout", err)
	}
}

func TestSimulated_SpansTank(t *testing.T) {
	t.Parallel()
	s := NewSimulated()

	// Sample one full cycle: readings must stay within the configured
	// window and actually move.
	base := time.Unix(0, 0)
	var lo, hi uint16 = 65535, 0
	for i := 0; i < 40; i++ {
		offset := time.Duration(i) * s.Period / 40
		s.Now = func() time.Time { return base.Add(offset) }
		v, err := s.ReadRangeMM(context.Background())
		if err != nil {
			t.Fatalf("ReadRangeMM() error = %v", err)
		}
		if float64(v) < s.FullDistanceMM-1 || float64(v) > s.EmptyDistanceMM+1 {
			t.Fatalf("reading %d outside [%v, %v]", v, s.FullDistanceMM, s.EmptyDistanceMM)
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi-lo < 100 {
		t.Errorf("simulator barely moved: range %d mm", hi-lo)
	}
}
