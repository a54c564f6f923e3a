package monitor

import (
	"runtime"
	"time"

	"github.com/rwolfe/tankmon/internal/config"
	"github.com/rwolfe/tankmon/internal/profile"
)

const mmPerInch = 25.4

// Reading is one computed tank measurement.
type Reading struct {
	DistanceMM     uint16
	DistanceInches float64
	DepthInches    float64
	Percent        float64
	Gallons        float64
	HasGallons     bool
	Timestamp      time.Time
}

// ComputeReading turns a raw sensor distance into tank metrics. The
// sensor looks down from the tank top, so depth is tank height minus
// the measured distance, shifted by the calibration offset and clamped
// to the physically possible window.
func ComputeReading(distanceMM uint16, tank config.TankConfig, prof *profile.Profile, now time.Time) Reading {
	distanceIn := float64(distanceMM) / mmPerInch
	depth := tank.Height - distanceIn + tank.CalibrationOffset
	if depth < tank.EmptyLevel {
		depth = tank.EmptyLevel
	}
	if depth > tank.Height {
		depth = tank.Height
	}

	r := Reading{
		DistanceMM:     distanceMM,
		DistanceInches: distanceIn,
		DepthInches:    depth,
		Percent:        prof.Percent(depth),
		Timestamp:      now,
	}
	r.Gallons, r.HasGallons = prof.Gallons(depth)
	return r
}

// Alerts returns the active threshold alerts for a reading, in a
// stable order.
func Alerts(r Reading, tank config.TankConfig, th config.ThresholdsConfig) []string {
	alerts := []string{} // non-nil so the JSON attribute is always a list
	if r.Percent < th.LowLevel {
		alerts = append(alerts, "low_level")
	}
	if r.Percent > th.HighLevel {
		alerts = append(alerts, "high_level")
	}
	if r.DepthInches <= 0 {
		alerts = append(alerts, "empty")
	}
	if r.DepthInches >= tank.Height-1 {
		alerts = append(alerts, "full")
	}
	return alerts
}

// freeMemoryBytes reports idle heap, the closest Go analog to the
// free-memory telemetry the device class expects.
func freeMemoryBytes() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapIdle
}
