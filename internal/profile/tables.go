package profile

import "fmt"

// LinearName selects the degenerate depth/height profile in configuration.
const LinearName = "linear"

// tank275VerticalOval is the 275 gallon vertical oval (obround) oil tank,
// 60" long × 27" wide × 44" tall. Gallons-per-inch tapers at the curved
// top and bottom. Chart data: fuelsnap.com heating oil tank charts.
var tank275VerticalOval = mustNew("275_vertical_oval", 275, 44, gallonsTable(44, []float64{
	2, 5, 9, 14, 19, 25, 31, 37, 44, 51,
	58, 65, 72, 80, 87, 94, 101, 108, 115, 123,
	130, 137, 144, 151, 158, 166, 173, 180, 187, 194,
	201, 209, 216, 223, 230, 236, 243, 249, 254, 260,
	265, 269, 272, 275,
}))

// bundled is the set of named profiles shipped with the firmware.
// New tank shapes get added here with their chart table.
var bundled = map[string]*Profile{
	tank275VerticalOval.Name(): tank275VerticalOval,
}

// Lookup resolves a configured profile name. "linear" (or an empty name)
// returns the degenerate profile built from the configured tank height.
// ok is false for unknown names; callers typically log a warning and fall
// back to Linear.
func Lookup(name string, heightInches float64) (*Profile, bool) {
	if name == "" || name == LinearName {
		return Linear(heightInches), true
	}
	p, ok := bundled[name]
	return p, ok
}

// Names returns the bundled profile names, for diagnostics output.
func Names() []string {
	names := make([]string, 0, len(bundled)+1)
	names = append(names, LinearName)
	for n := range bundled {
		names = append(names, n)
	}
	return names
}

// gallonsTable expands a chart of per-inch gallon readings (1" steps up
// to heightInches) into lookup points.
func gallonsTable(heightInches int, gallons []float64) []Point {
	points := make([]Point, len(gallons))
	for i, g := range gallons {
		points[i] = Point{DepthIn: float64(i + 1), Gallons: g}
	}
	if len(points) != heightInches {
		panic(fmt.Sprintf("chart covers %d inches, want %d", len(points), heightInches))
	}
	return points
}

func mustNew(name string, capacity, height float64, points []Point) *Profile {
	p, err := New(name, capacity, height, points)
	if err != nil {
		panic(err)
	}
	return p
}
