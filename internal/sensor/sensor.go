// Package sensor defines the distance sensor contract and its error
// taxonomy, plus the two shipped implementations: the kernel IIO
// driver for real hardware and a deterministic simulator for
// development. The monitoring loop depends only on the RangeSensor
// interface.
package sensor

import (
	"context"
	"errors"
)

// Valid reading window for a VL53L1X-class time-of-flight sensor.
const (
	MinReadingMM = 0
	MaxReadingMM = 8000
)

// Sensor error taxonomy.
var (
	// ErrNotFound: the sensor did not respond on the bus.
	ErrNotFound = errors.New("sensor not found")
	// ErrTimeout: the reading did not complete within its bound.
	ErrTimeout = errors.New("sensor timeout")
	// ErrOutOfRange: the sensor returned a physically implausible value.
	ErrOutOfRange = errors.New("sensor reading out of range")
)

// RangeSensor reads the distance from the sensor face to the liquid
// surface. Implementations must respect ctx cancellation; the caller
// bounds every read below the watchdog period.
type RangeSensor interface {
	ReadRangeMM(ctx context.Context) (uint16, error)
}
