package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/rwolfe/tankmon/internal/config"
	"github.com/rwolfe/tankmon/internal/profile"
	"github.com/rwolfe/tankmon/internal/secret"
	"github.com/rwolfe/tankmon/internal/sensor"
)

const (
	calibrationReadings = 10
	calibrationDelay    = time.Second

	// calibrationWindow bounds a plausible offset as a fraction of
	// tank height. An empty tank should measure close to the full
	// height; a large offset means the tank is not empty or the
	// configured height is wrong, and saving it would bake the mistake
	// into every future reading.
	calibrationWindow = 0.15
)

// runCalibrate handles the "tankmon calibrate" subcommand: the
// empty-tank wizard that measures the true sensor-to-bottom distance
// and persists the resulting offset.
func runCalibrate(ctx context.Context, stdout io.Writer, stdin io.Reader, configPath string, sim bool) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	hwid, err := secret.HardwareID()
	if err != nil {
		return fmt.Errorf("hardware identity: %w", err)
	}
	cipher, err := secret.NewCipher(hwid)
	if err != nil {
		return fmt.Errorf("device cipher: %w", err)
	}
	store, err := config.Open(cfgPath, cipher, logger)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	cfg := store.Config()

	var rs sensor.RangeSensor
	if sim {
		rs = sensor.NewSimulated()
	} else {
		rs, err = sensor.FindIIO()
		if err != nil {
			return fmt.Errorf("sensor init: %w", err)
		}
	}

	fmt.Fprintln(stdout, "Tank calibration")
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Make sure the tank is COMPLETELY EMPTY before continuing.")
	fmt.Fprintf(stdout, "This takes %d measurements, averages them, and saves the\n", calibrationReadings)
	fmt.Fprintln(stdout, "calibration offset to the config file.")
	fmt.Fprintln(stdout)
	fmt.Fprint(stdout, "Press Enter when the tank is empty and you're ready... ")
	bufio.NewReader(stdin).ReadString('\n')
	fmt.Fprintln(stdout)

	offset, avgMM, err := calibrateEmpty(ctx, stdout, rs, cfg.Tank.Height, calibrationReadings, calibrationDelay)
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout)
	fmt.Fprintf(stdout, "Average distance: %.1f mm (%.2f in)\n", avgMM, avgMM/25.4)
	fmt.Fprintf(stdout, "Tank height:      %.1f in\n", cfg.Tank.Height)
	fmt.Fprintf(stdout, "Offset:           %.2f in\n", offset)

	if err := store.SetCalibrationOffset(offset); err != nil {
		return fmt.Errorf("save calibration: %w", err)
	}
	fmt.Fprintln(stdout)
	fmt.Fprintf(stdout, "Calibration saved to %s. Restart tankmon to use it.\n", cfgPath)

	// A reference point to verify against a known fill level.
	if prof, ok := profile.Lookup(cfg.Tank.Profile, cfg.Tank.Height); ok && prof.HasCapacity() {
		half := prof.Capacity() / 2
		fmt.Fprintf(stdout, "Verification: at %.0f gal the depth should read about %.1f in.\n",
			half, prof.DepthForGallons(half))
	}
	return nil
}

// calibrateEmpty takes readings and derives the offset that makes an
// empty tank read as zero depth. At least half the readings must be
// valid, and the offset must fit the plausibility window.
func calibrateEmpty(ctx context.Context, stdout io.Writer, rs sensor.RangeSensor, heightIn float64, n int, delay time.Duration) (offset, avgMM float64, err error) {
	var sum float64
	var valid int
	for i := 1; i <= n; i++ {
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		v, rerr := rs.ReadRangeMM(rctx)
		cancel()
		if rerr != nil || v == 0 {
			fmt.Fprintf(stdout, "Reading %d: invalid, skipping\n", i)
		} else {
			fmt.Fprintf(stdout, "Reading %d: %d mm\n", i, v)
			sum += float64(v)
			valid++
		}
		if i < n {
			select {
			case <-ctx.Done():
				return 0, 0, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	if valid < n/2 {
		return 0, 0, fmt.Errorf("only %d of %d readings were valid, calibration aborted", valid, n)
	}

	avgMM = sum / float64(valid)
	offset = heightIn - avgMM/25.4

	if window := heightIn * calibrationWindow; offset > window || offset < -window {
		return 0, 0, fmt.Errorf(
			"offset %.2f in is outside the plausible window (±%.2f in): the tank may not be empty, or tank.height may be wrong",
			offset, window)
	}
	return offset, avgMM, nil
}
