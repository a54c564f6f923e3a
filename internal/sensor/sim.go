package sensor

import (
	"context"
	"math"
	"time"
)

// Simulated is a deterministic sensor for development and bench testing
// (the -sim flag). It models a tank draining and refilling on a slow
// sine wave so every downstream metric exercises its full range.
type Simulated struct {
	// FullDistanceMM is the sensor-to-surface distance when full.
	FullDistanceMM float64
	// EmptyDistanceMM is the distance when empty. Must exceed FullDistanceMM.
	EmptyDistanceMM float64
	// Period is the drain/refill cycle length.
	Period time.Duration
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// NewSimulated returns a simulator spanning a 44 inch tank with a
// 20 minute drain/refill cycle.
func NewSimulated() *Simulated {
	return &Simulated{
		FullDistanceMM:  50,
		EmptyDistanceMM: 50 + 44*25.4,
		Period:          20 * time.Minute,
	}
}

// ReadRangeMM returns the simulated distance reading.
func (s *Simulated) ReadRangeMM(ctx context.Context) (uint16, error) {
	if err := ctx.Err(); err != nil {
		return 0, ErrTimeout
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	phase := float64(now().UnixNano()) / float64(s.Period) * 2 * math.Pi
	// fill in [0,1]: 1 = full tank, 0 = empty.
	fill := (math.Sin(phase) + 1) / 2
	distance := s.EmptyDistanceMM - fill*(s.EmptyDistanceMM-s.FullDistanceMM)
	return uint16(math.Round(distance)), nil
}
