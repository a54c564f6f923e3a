package watchdog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpen_RegularFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "wdt")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	w, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// A regular file rejects the period ioctls; the timeout stays
	// unknown rather than failing Open.
	if got := w.Timeout(); got != 0 {
		t.Errorf("Timeout = %v, want 0", got)
	}

	if err := w.Feed(); err != nil {
		t.Errorf("Feed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 2 || data[1] != 'V' {
		t.Errorf("device writes = %q, want keep-alive then magic close", data)
	}
}

func TestOpen_MissingDevice(t *testing.T) {
	t.Parallel()
	if _, err := Open(filepath.Join(t.TempDir(), "absent"), 0); err == nil {
		t.Fatal("Open on a missing device succeeded")
	}
}

func TestNoop(t *testing.T) {
	t.Parallel()
	w := Noop()
	if err := w.Feed(); err != nil {
		t.Errorf("Feed: %v", err)
	}
	if got := w.Timeout(); got != 0 {
		t.Errorf("Timeout = %v, want 0", got)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
