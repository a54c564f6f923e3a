package main

import (
	"bytes"
	"context"
	"math"
	"strings"
	"testing"

	"github.com/rwolfe/tankmon/internal/sensor"
)

type scriptedSensor struct {
	readings []uint16
	errs     []error
	i        int
}

func (s *scriptedSensor) ReadRangeMM(ctx context.Context) (uint16, error) {
	if s.i >= len(s.readings) {
		return 0, sensor.ErrTimeout
	}
	v, err := s.readings[s.i], error(nil)
	if s.errs != nil {
		err = s.errs[s.i]
	}
	s.i++
	return v, err
}

func TestCalibrateEmpty_ComputesOffset(t *testing.T) {
	t.Parallel()
	// An empty 44 in tank should read 44 in = 1117.6 mm. A sensor that
	// consistently reads 1092 mm (42.99 in) is mounted about an inch
	// high; the offset corrects for it.
	rs := &scriptedSensor{readings: []uint16{1092, 1092, 1092, 1092, 1092, 1092, 1092, 1092, 1092, 1092}}
	var out bytes.Buffer

	offset, avgMM, err := calibrateEmpty(context.Background(), &out, rs, 44, 10, 0)
	if err != nil {
		t.Fatalf("calibrateEmpty() error = %v", err)
	}
	if avgMM != 1092 {
		t.Errorf("avgMM = %v, want 1092", avgMM)
	}
	want := 44 - 1092/25.4
	if math.Abs(offset-want) > 1e-9 {
		t.Errorf("offset = %v, want %v", offset, want)
	}
	if !strings.Contains(out.String(), "Reading 10: 1092 mm") {
		t.Errorf("output missing per-reading lines:\n%s", out.String())
	}
}

func TestCalibrateEmpty_SkipsInvalidReadings(t *testing.T) {
	t.Parallel()
	rs := &scriptedSensor{
		readings: []uint16{1092, 0, 1092, 0, 1092, 1092, 0, 1092, 1092, 1092},
	}
	var out bytes.Buffer

	offset, _, err := calibrateEmpty(context.Background(), &out, rs, 44, 10, 0)
	if err != nil {
		t.Fatalf("calibrateEmpty() error = %v", err)
	}
	if offset == 0 {
		t.Error("offset not computed from the valid readings")
	}
	if !strings.Contains(out.String(), "invalid, skipping") {
		t.Errorf("output missing skip notices:\n%s", out.String())
	}
}

func TestCalibrateEmpty_TooFewValid(t *testing.T) {
	t.Parallel()
	rs := &scriptedSensor{
		readings: []uint16{1092, 0, 0, 0, 0, 0, 0, 0, 0, 1092},
	}
	var out bytes.Buffer

	_, _, err := calibrateEmpty(context.Background(), &out, rs, 44, 10, 0)
	if err == nil || !strings.Contains(err.Error(), "calibration aborted") {
		t.Errorf("calibrateEmpty() = %v, want abort on too few valid readings", err)
	}
}

func TestCalibrateEmpty_RejectsImplausibleOffset(t *testing.T) {
	t.Parallel()
	// A half-full tank reads around 559 mm (22 in), which would
	// produce a 22 in offset. That must be refused, not saved.
	rs := &scriptedSensor{readings: []uint16{559, 559, 559, 559, 559, 559, 559, 559, 559, 559}}
	var out bytes.Buffer

	_, _, err := calibrateEmpty(context.Background(), &out, rs, 44, 10, 0)
	if err == nil || !strings.Contains(err.Error(), "plausible window") {
		t.Errorf("calibrateEmpty() = %v, want plausibility rejection", err)
	}
}
