package atomicfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteFile_CreatesAndReplaces(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "record.json")

	if err := WriteFile(path, []byte("first"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := WriteFile(path, []byte("second"), 0600); err != nil {
		t.Fatalf("WriteFile replace: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("content = %q, want %q", got, "second")
	}
}

func TestWriteFileVerify_FailureLeavesOriginal(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "record.json")

	if err := WriteFile(path, []byte("original"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	errBad := errors.New("verification failed")
	err := WriteFileVerify(path, []byte("corrupt"), 0600, func(b []byte) error {
		return errBad
	})
	if err == nil || !errors.Is(err, errBad) {
		t.Fatalf("expected verify error, got %v", err)
	}

	got, _ := os.ReadFile(path)
	if string(got) != "original" {
		t.Errorf("content = %q, want untouched original", got)
	}
}

func TestWriteFileVerify_ReceivesWrittenBytes(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "record.json")

	var seen []byte
	err := WriteFileVerify(path, []byte("payload"), 0600, func(b []byte) error {
		seen = b
		return nil
	})
	if err != nil {
		t.Fatalf("WriteFileVerify: %v", err)
	}
	if string(seen) != "payload" {
		t.Errorf("verify saw %q, want %q", seen, "payload")
	}
}

func TestWriteFile_NoTempLeftovers(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "record.json")

	if err := WriteFile(path, []byte("data"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}
