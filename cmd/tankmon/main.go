// Tankmon is a resilient tank-level monitoring agent.
//
// It reads a VL53L1X time-of-flight sensor, converts the distance to
// liquid depth and volume through a tank profile, and publishes the
// readings to an MQTT broker with Home Assistant discovery. A boot
// controller tracks failed starts and drops into a recovery console
// when the device cannot come up on its own. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]); passwords in the file are sealed to
// the device hardware on first load.
//
// Usage:
//
//	tankmon run              Start the monitoring loop
//	tankmon calibrate        Empty-tank calibration wizard
//	tankmon init [dir]       Write a config template
//	tankmon version          Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rwolfe/tankmon/internal/boot"
	"github.com/rwolfe/tankmon/internal/buildinfo"
	"github.com/rwolfe/tankmon/internal/config"
	"github.com/rwolfe/tankmon/internal/monitor"
	"github.com/rwolfe/tankmon/internal/mqtt"
	"github.com/rwolfe/tankmon/internal/profile"
	"github.com/rwolfe/tankmon/internal/secret"
	"github.com/rwolfe/tankmon/internal/sensor"
	"github.com/rwolfe/tankmon/internal/supervisor"
	"github.com/rwolfe/tankmon/internal/watchdog"
	"github.com/rwolfe/tankmon/internal/wifi"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run], keeping os.Exit and os.Args out of
// the application logic so the lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which makes it impossible
// to call run() concurrently from tests, and the argument surface here
// is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var sim bool
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-sim":
			sim = true
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	switch command {
	case "run":
		return runMonitor(ctx, stdout, stderr, configPath, sim)
	case "calibrate":
		return runCalibrate(ctx, stdout, os.Stdin, configPath, sim)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer) error {
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := buildinfo.Info()[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Tankmon - Tank Level Monitoring Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: tankmon [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run          Start the monitoring loop")
	fmt.Fprintln(w, "  calibrate    Empty-tank calibration wizard")
	fmt.Fprintln(w, "  init [dir]   Write a config template (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>   Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -sim             Use the simulated sensor instead of hardware")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./tankmon.yaml, ~/.config/tankmon/config.yaml, /etc/tankmon/config.yaml")
	return nil
}

// runMonitor handles the "tankmon run" subcommand: the primary
// operating mode. The boot controller brackets everything risky; if
// too many boots have failed in a row it drops into the recovery
// console instead of trying again.
func runMonitor(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, sim bool) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting tankmon", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}

	ctrl := boot.NewController(
		boot.NewRecordStore(bootRecordPath(cfgPath), logger),
		boot.Config{}, logger)

	rec, recovery, err := ctrl.Begin()
	if err != nil {
		return err
	}
	logger = logger.With("boot_id", rec.BootID)

	openSensor := func() (sensor.RangeSensor, error) {
		if sim {
			return sensor.NewSimulated(), nil
		}
		return sensor.FindIIO()
	}

	if recovery {
		fmt.Fprintf(stderr, "boot attempts exhausted (%d), entering recovery mode\n", rec.AttemptCount)
		return runRecoveryConsole(ctx, os.Stdin, stdout, consoleEnv{
			openSensor:  openSensor,
			listDir:     filepath.Dir(cfgPath),
			lastFailure: rec.LastFailure,
			restart: func() {
				if err := ctrl.ResetAttempts(); err != nil {
					logger.Error("reset attempt counter", "error", err)
				}
				ctrl.RequestRestart("operator restart from recovery console")
			},
		})
	}

	// Everything from here to the loop is risky init: a failure is
	// recorded so the next boot knows it happened.
	fail := func(err error) error {
		if merr := ctrl.MarkFailure(err.Error()); merr != nil {
			logger.Error("record boot failure", "error", merr)
		}
		return err
	}

	hwid, err := secret.HardwareID()
	if err != nil {
		return fail(fmt.Errorf("hardware identity: %w", err))
	}
	cipher, err := secret.NewCipher(hwid)
	if err != nil {
		return fail(fmt.Errorf("device cipher: %w", err))
	}

	store, err := config.Open(cfgPath, cipher, logger)
	if err != nil {
		return fail(fmt.Errorf("load config %s: %w", cfgPath, err))
	}
	cfg := store.Config()

	// Sealed secrets that no longer open on this hardware make the
	// links unusable; stop now with a message naming the fields.
	if failures := store.SecretFailures(); len(failures) > 0 {
		for _, f := range failures {
			logger.Error("stored secret unrecoverable on this device", "field", f.Field)
		}
		return fail(fmt.Errorf("%d stored secret(s) unrecoverable: re-enter them in %s", len(failures), cfgPath))
	}

	// Reconfigure logging now that the configured level is known.
	if cfg.LogLevel != "" {
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level).With("boot_id", rec.BootID)
	}
	logger.Info("config loaded", "path", cfgPath)

	prof, ok := profile.Lookup(cfg.Tank.Profile, cfg.Tank.Height)
	if !ok {
		logger.Warn("unknown tank profile, falling back to linear",
			"profile", cfg.Tank.Profile, "known", profile.Names())
		prof = profile.Linear(cfg.Tank.Height)
	}

	rs, err := openSensor()
	if err != nil {
		return fail(fmt.Errorf("sensor init: %w", err))
	}

	deviceID := deviceID(cfg.MQTT.ClientIDPrefix, hwid)
	ann := mqtt.NewAnnouncer(deviceID, "Tank Level Monitor", "homeassistant", prof.HasCapacity(), logger)

	busDrv := mqtt.NewClient(mqtt.Config{
		Broker:            cfg.MQTT.Broker,
		Port:              cfg.MQTT.Port,
		SSL:               cfg.MQTT.SSL,
		ClientID:          deviceID,
		AvailabilityTopic: ann.AvailabilityTopic(),
	}, logger)
	netDrv := wifi.New("wlan0", logger)

	wdt, err := watchdog.Open(watchdog.DefaultDevice, watchdogPeriod)
	if err != nil {
		logger.Warn("hardware watchdog unavailable", "error", err)
		wdt = watchdog.Noop()
	}
	defer wdt.Close()

	// Cap every blocking-call timeout below the period the hardware
	// actually granted (bcm2835_wdt clamps to 15s). A feed lands
	// between consecutive bounded calls, so this keeps the worst-case
	// inter-feed gap under the period.
	period := wdt.Timeout()
	if period > 0 {
		logger.Info("hardware watchdog armed",
			"period", period.String(),
			"network_connect_timeout", capTimeout(supervisor.DefaultNetworkConnectTimeout, period).String(),
		)
	}

	sup := supervisor.New(netDrv, busDrv, store, supervisor.Config{
		NetworkConnectTimeout: capTimeout(supervisor.DefaultNetworkConnectTimeout, period),
		BusConnectTimeout:     capTimeout(supervisor.DefaultBusConnectTimeout, period),
		NetworkHealthInterval: cfg.Intervals.WiFiCheckInterval(),
		Heartbeat:             func() { _ = wdt.Feed() },
	}, logger)
	sup.OnBusConnect(func() {
		ann.Announce(ctx, sup.Publish)
	})

	mon := monitor.New(monitor.Config{
		Tank:                cfg.Tank,
		Thresholds:          cfg.Thresholds,
		MeasurementInterval: cfg.Intervals.MeasurementInterval(),
		PublishInterval:     cfg.Intervals.PublishInterval(),
		SensorReadTimeout:   capTimeout(monitor.DefaultSensorReadTimeout, period),
		OnFirstCycle: func() {
			if err := ctrl.MarkSuccess(); err != nil {
				logger.Error("record boot success", "error", err)
			}
		},
		OnRestart: ctrl.RequestRestart,
	}, prof, rs, sup, ann, wdt, logger)

	logger.Info("monitoring loop starting",
		"device_id", deviceID,
		"profile", prof.Name(),
		"measurement_interval", cfg.Intervals.MeasurementInterval().String(),
		"publish_interval", cfg.Intervals.PublishInterval().String(),
		"simulated", sim,
	)

	err = ctrl.Protect(ctx, mon.Run)
	sup.Shutdown(context.Background())
	if err != nil {
		return fail(err)
	}
	logger.Info("shutdown complete")
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// bootRecordPath keeps the boot record alongside the config file so a
// device has exactly one state directory.
// watchdogPeriod is the period requested from the hardware watchdog.
// Drivers clamp it to what the hardware supports; only the granted
// value matters for timeout sizing.
const watchdogPeriod = 60 * time.Second

// capTimeout limits a blocking-call timeout to half the watchdog
// period, leaving room for the loop to come back around and feed.
// A zero period means no hardware watchdog; the timeout stands.
func capTimeout(d, period time.Duration) time.Duration {
	if period <= 0 || d <= period/2 {
		return d
	}
	return period / 2
}

func bootRecordPath(cfgPath string) string {
	return filepath.Join(filepath.Dir(cfgPath), "tankmon-boot.json")
}

// deviceID builds the stable device identifier from the configured
// prefix and the tail of the hardware ID, mirroring MAC-suffixed
// client IDs so two monitors on one broker never collide.
func deviceID(prefix, hwid string) string {
	if prefix == "" {
		prefix = "tank_monitor"
	}
	suffix := strings.ToLower(hwid)
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	return prefix + "_" + suffix
}
