// Package watchdog feeds the hardware watchdog. An unbounded hang in the
// main loop is the one failure mode nothing else can catch: if feeding
// stops, the hardware resets the device. On Linux this is the standard
// /dev/watchdog keep-alive protocol; when the device node is absent a
// no-op implementation keeps the rest of the system oblivious.
package watchdog

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultDevice is the standard Linux watchdog device node.
const DefaultDevice = "/dev/watchdog"

// Watchdog is fed on a fixed cadence from the main loop. Every blocking
// external call must be bounded by a timeout shorter than the hardware
// watchdog period, with a feed landing between consecutive bounded
// calls, so feeding never starves.
type Watchdog interface {
	Feed() error
	// Timeout reports the effective hardware period, or 0 when the
	// driver does not expose one. Callers size their call timeouts
	// against this.
	Timeout() time.Duration
	// Close disarms the watchdog (magic close) and releases the device.
	Close() error
}

// Open arms the hardware watchdog at path, requesting the given period.
// The driver may clamp the request (bcm2835_wdt on the Raspberry Pi
// caps at 15s), so Open reads the period back; Timeout on the returned
// Watchdog is the value the hardware will actually enforce.
func Open(path string, period time.Duration) (Watchdog, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open watchdog %s: %w", path, err)
	}
	d := &device{f: f}

	fd := int(f.Fd())
	if secs := int(period / time.Second); secs > 0 {
		// Best effort: not every driver implements SETTIMEOUT.
		_ = unix.IoctlSetPointerInt(fd, unix.WDIOC_SETTIMEOUT, secs)
	}
	if secs, err := unix.IoctlGetInt(fd, unix.WDIOC_GETTIMEOUT); err == nil && secs > 0 {
		d.timeout = time.Duration(secs) * time.Second
	}
	return d, nil
}

type device struct {
	f       *os.File
	timeout time.Duration
}

func (d *device) Feed() error {
	// Any write is a keep-alive.
	_, err := d.f.Write([]byte{0})
	return err
}

func (d *device) Timeout() time.Duration { return d.timeout }

func (d *device) Close() error {
	// 'V' is the magic-close byte: disarm instead of rebooting when the
	// process exits cleanly.
	if _, err := d.f.Write([]byte{'V'}); err != nil {
		d.f.Close()
		return err
	}
	return d.f.Close()
}

// Noop returns a watchdog that does nothing, for hosts without a
// watchdog device and for tests.
func Noop() Watchdog { return noop{} }

type noop struct{}

func (noop) Feed() error            { return nil }
func (noop) Timeout() time.Duration { return 0 }
func (noop) Close() error           { return nil }
