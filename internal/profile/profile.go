// Package profile models tank geometry as a depth→volume lookup table.
// Real tanks have curved cross-sections, so gallons-per-inch varies with
// depth; a profile captures that as an ordered table of (depth, gallons)
// samples with linear interpolation between them. Profiles are immutable
// after construction.
package profile

import (
	"fmt"
	"sort"
)

// Point is one (depth, volume) sample. Depth is inches from the tank
// bottom, Gallons the cumulative volume at that depth.
type Point struct {
	DepthIn float64
	Gallons float64
}

// Profile is an immutable depth→volume model for a single tank shape.
// The zero depth anchor (0, 0) is implicit; points must have strictly
// increasing depth and non-decreasing volume.
type Profile struct {
	name     string
	capacity float64 // rated capacity in gallons; 0 means fraction-only (linear)
	height   float64 // inches
	points   []Point
}

// New builds a validated profile. The table must be non-empty with
// strictly increasing depths and monotonically non-decreasing gallons,
// and the last sample must land at the profile height.
func New(name string, capacityGallons, heightInches float64, points []Point) (*Profile, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("profile %s: empty lookup table", name)
	}
	if heightInches <= 0 {
		return nil, fmt.Errorf("profile %s: non-positive height %v", name, heightInches)
	}

	prev := Point{0, 0}
	for i, p := range points {
		if p.DepthIn <= prev.DepthIn {
			return nil, fmt.Errorf("profile %s: depth not strictly increasing at index %d", name, i)
		}
		if p.Gallons < prev.Gallons {
			return nil, fmt.Errorf("profile %s: volume decreasing at index %d", name, i)
		}
		prev = p
	}
	if last := points[len(points)-1]; last.DepthIn != heightInches {
		return nil, fmt.Errorf("profile %s: table ends at %v in, height is %v in", name, last.DepthIn, heightInches)
	}

	cp := make([]Point, len(points))
	copy(cp, points)
	return &Profile{name: name, capacity: capacityGallons, height: heightInches, points: cp}, nil
}

// Linear returns the degenerate profile: volume fraction is depth/height.
// It carries no rated capacity, so volume in gallons is unavailable.
func Linear(heightInches float64) *Profile {
	return &Profile{
		name:   "linear",
		height: heightInches,
		points: []Point{{DepthIn: heightInches, Gallons: 0}},
	}
}

// Name returns the profile identifier.
func (p *Profile) Name() string { return p.name }

// Height returns the profile height in inches.
func (p *Profile) Height() float64 { return p.height }

// Capacity returns the rated capacity in gallons, 0 if none.
func (p *Profile) Capacity() float64 { return p.capacity }

// HasCapacity reports whether volume in gallons can be derived.
func (p *Profile) HasCapacity() bool { return p.capacity > 0 }

// DepthToFraction converts a liquid depth to the filled volume fraction
// in [0, 1]. Depth is clamped to [0, height] first: sensor noise near
// empty or full saturates instead of failing. The result is monotone
// non-decreasing in depth, exactly 0 at or below zero depth and exactly
// 1 at or above the tank height.
func (p *Profile) DepthToFraction(depthIn float64) float64 {
	if depthIn <= 0 {
		return 0
	}
	if depthIn >= p.height {
		return 1
	}

	if !p.HasCapacity() {
		// Linear degenerate case: fraction is depth over height.
		return depthIn / p.height
	}
	return p.gallonsAt(depthIn) / p.capacity
}

// Percent returns the fill level as a percentage in [0, 100].
func (p *Profile) Percent(depthIn float64) float64 {
	return p.DepthToFraction(depthIn) * 100
}

// Gallons returns the volume at the given depth. ok is false when the
// profile carries no rated capacity (linear mode).
func (p *Profile) Gallons(depthIn float64) (gallons float64, ok bool) {
	if !p.HasCapacity() {
		return 0, false
	}
	return p.DepthToFraction(depthIn) * p.capacity, true
}

// gallonsAt interpolates the lookup table at a depth already clamped to
// (0, height). The implicit (0, 0) anchor covers depths below the first
// sample.
func (p *Profile) gallonsAt(depthIn float64) float64 {
	// Index of the first sample at or above depthIn.
	i := sort.Search(len(p.points), func(i int) bool {
		return p.points[i].DepthIn >= depthIn
	})
	if i == len(p.points) {
		return p.points[len(p.points)-1].Gallons
	}

	upper := p.points[i]
	lower := Point{0, 0}
	if i > 0 {
		lower = p.points[i-1]
	}
	return interpolate(depthIn, lower.DepthIn, upper.DepthIn, lower.Gallons, upper.Gallons)
}

// DepthForGallons is the reverse lookup, used to sanity-check
// calibration against a known fill volume. Saturates at 0 and at the
// tank height. Returns the height for any volume at or above capacity.
func (p *Profile) DepthForGallons(gallons float64) float64 {
	if !p.HasCapacity() || gallons <= 0 {
		return 0
	}
	last := p.points[len(p.points)-1]
	if gallons >= last.Gallons {
		return last.DepthIn
	}

	i := sort.Search(len(p.points), func(i int) bool {
		return p.points[i].Gallons >= gallons
	})
	upper := p.points[i]
	lower := Point{0, 0}
	if i > 0 {
		lower = p.points[i-1]
	}
	return interpolate(gallons, lower.Gallons, upper.Gallons, lower.DepthIn, upper.DepthIn)
}

// interpolate linearly maps x in [x0, x1] onto [y0, y1]. A degenerate
// interval returns y0.
func interpolate(x, x0, x1, y0, y1 float64) float64 {
	if x1 == x0 {
		return y0
	}
	return y0 + (x-x0)*(y1-y0)/(x1-x0)
}
