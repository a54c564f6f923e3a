package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rwolfe/tankmon/internal/defaults"
)

// runInit writes the bundled config template into dir. Existing files
// are never overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "tankmon.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit tankmon.yaml: set your WiFi and MQTT credentials, tank height,")
	fmt.Fprintln(w, "and profile. Passwords are sealed to this device on first run.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, so init never clobbers user edits.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, content, 0o600)
}
