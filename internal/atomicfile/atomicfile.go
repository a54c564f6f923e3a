// Package atomicfile implements replace-on-write persistence for the small
// durable records this device keeps (configuration, boot record). A power
// loss or watchdog reset mid-write must never leave a record half-written,
// so every write goes to a temporary file in the same directory, is synced
// and optionally verified, and only then renamed over the destination.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFile atomically replaces the file at path with data.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	return WriteFileVerify(path, data, perm, nil)
}

// WriteFileVerify atomically replaces the file at path with data. If verify
// is non-nil it is called with the bytes read back from the temporary file
// before the rename; a verify error aborts the replacement and leaves the
// original file untouched.
func WriteFileVerify(path string, data []byte, perm os.FileMode, verify func([]byte) error) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	// Clean up the temp file on any failure path.
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		return fail(fmt.Errorf("write temp file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return fail(fmt.Errorf("close temp file: %w", err))
	}

	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if verify != nil {
		readBack, err := os.ReadFile(tmpName)
		if err != nil {
			os.Remove(tmpName)
			return fmt.Errorf("read back temp file: %w", err)
		}
		if err := verify(readBack); err != nil {
			os.Remove(tmpName)
			return fmt.Errorf("verify temp file: %w", err)
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
