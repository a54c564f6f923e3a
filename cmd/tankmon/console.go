package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/rwolfe/tankmon/internal/sensor"
)

// consoleEnv holds the recovery console's injected capabilities so
// tests can drive the console without hardware or a real restart.
type consoleEnv struct {
	openSensor  func() (sensor.RangeSensor, error)
	listDir     string
	lastFailure string
	restart     func()
}

// runRecoveryConsole is the interactive shell the boot controller
// drops into when the device has failed too many boots in a row. It
// offers just enough to diagnose the common failures (dead sensor,
// broken config file) and hand control back.
func runRecoveryConsole(ctx context.Context, in io.Reader, out io.Writer, env consoleEnv) error {
	fmt.Fprintln(out, "========================================")
	fmt.Fprintln(out, "RECOVERY MODE")
	fmt.Fprintln(out, "========================================")
	if env.lastFailure != "" {
		fmt.Fprintf(out, "last failure: %s\n", env.lastFailure)
	}
	consoleHelp(out)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "recovery> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		switch cmd := scanner.Text(); cmd {
		case "help":
			consoleHelp(out)
		case "restart":
			fmt.Fprintln(out, "Restarting...")
			env.restart()
			return nil
		case "sensor-test":
			consoleSensorTest(ctx, out, env.openSensor)
		case "list-files":
			consoleListFiles(out, env.listDir)
		case "exit":
			return nil
		case "":
		default:
			fmt.Fprintf(out, "unknown command: %s (try help)\n", cmd)
		}
	}
}

func consoleHelp(out io.Writer) {
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  help         Show this message")
	fmt.Fprintln(out, "  restart      Reset the boot counter and restart")
	fmt.Fprintln(out, "  sensor-test  Take one sensor reading")
	fmt.Fprintln(out, "  list-files   List the config directory")
	fmt.Fprintln(out, "  exit         Leave the console without restarting")
}

func consoleSensorTest(ctx context.Context, out io.Writer, open func() (sensor.RangeSensor, error)) {
	rs, err := open()
	if err != nil {
		fmt.Fprintf(out, "sensor unavailable: %v\n", err)
		return
	}
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	v, err := rs.ReadRangeMM(rctx)
	if err != nil {
		fmt.Fprintf(out, "sensor read failed: %v\n", err)
		return
	}
	fmt.Fprintf(out, "sensor reading: %d mm\n", v)
}

func consoleListFiles(out io.Writer, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		fmt.Fprintf(out, "list %s: %v\n", dir, err)
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	fmt.Fprintf(out, "Files in %s:\n", dir)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			fmt.Fprintf(out, "  %s\n", e.Name())
			continue
		}
		fmt.Fprintf(out, "  %-30s %8d\n", e.Name(), info.Size())
	}
}
