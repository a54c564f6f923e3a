package sensor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Industrial I/O sysfs root on Linux. The VL53L1X family is exposed by
// the kernel's ST time-of-flight driver as a proximity device whose
// in_distance_raw reads in millimeters.
const iioRoot = "/sys/bus/iio/devices"

var iioDeviceNames = map[string]bool{
	"vl53l1x": true,
	"vl53l0x": true,
}

// IIO reads range values from a kernel IIO time-of-flight device.
type IIO struct {
	name    string
	rawPath string
}

// FindIIO scans the IIO bus for a supported time-of-flight device.
// Returns ErrNotFound when none is present.
func FindIIO() (*IIO, error) {
	return findIIOIn(iioRoot)
}

func findIIOIn(root string) (*IIO, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "iio:device") {
			continue
		}
		dir := filepath.Join(root, e.Name())
		name, err := os.ReadFile(filepath.Join(dir, "name"))
		if err != nil {
			continue
		}
		if !iioDeviceNames[strings.TrimSpace(string(name))] {
			continue
		}
		return &IIO{
			name:    strings.TrimSpace(string(name)),
			rawPath: filepath.Join(dir, "in_distance_raw"),
		}, nil
	}
	return nil, fmt.Errorf("%w: no time-of-flight device on %s", ErrNotFound, root)
}

// Name returns the kernel device name.
func (s *IIO) Name() string { return s.name }

// ReadRangeMM reads one distance sample. The sysfs read itself is
// fast; ctx is checked so a cancelled caller never blocks on a wedged
// bus.
func (s *IIO) ReadRangeMM(ctx context.Context) (uint16, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	data, err := os.ReadFile(s.rawPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return 0, fmt.Errorf("read %s: %w", s.rawPath, err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", s.rawPath, err)
	}
	if v < MinReadingMM || v > MaxReadingMM {
		return 0, fmt.Errorf("%w: %d mm", ErrOutOfRange, v)
	}
	return uint16(v), nil
}
