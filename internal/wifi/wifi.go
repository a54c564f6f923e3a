// Package wifi implements the network link driver on top of
// NetworkManager's nmcli, with kernel procfs/sysfs reads for link
// status and signal strength. Like the bus driver it carries no retry
// policy of its own; the connection supervisor decides when to retry.
package wifi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rwolfe/tankmon/internal/link"
)

// Runner executes one external command and returns its combined
// output. Injectable so tests never shell out.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Driver is an nmcli-backed link.NetworkDriver bound to one wireless
// interface.
type Driver struct {
	iface  string
	logger *slog.Logger

	run           Runner
	wirelessPath  string
	operstatePath string
}

// New creates a driver for the named interface (e.g. "wlan0").
func New(iface string, logger *slog.Logger) *Driver {
	return &Driver{
		iface:         iface,
		logger:        logger,
		run:           execRunner,
		wirelessPath:  "/proc/net/wireless",
		operstatePath: "/sys/class/net/" + iface + "/operstate",
	}
}

// Connect joins the network through nmcli. The password travels on the
// nmcli argv and is never logged.
func (d *Driver) Connect(ctx context.Context, ssid, password string) error {
	out, err := d.run(ctx, "nmcli", "device", "wifi", "connect", ssid,
		"password", password, "ifname", d.iface)
	if err == nil {
		d.logger.Debug("nmcli connect succeeded", "ssid", ssid, "ifname", d.iface)
		return nil
	}
	return classifyConnectErr(err, string(out))
}

// IsConnected reports whether the interface carrier is up.
func (d *Driver) IsConnected() bool {
	data, err := os.ReadFile(d.operstatePath)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "up"
}

// RSSI returns the signal level in dBm from /proc/net/wireless, 0 when
// the interface has no wireless stats.
func (d *Driver) RSSI() int {
	data, err := os.ReadFile(d.wirelessPath)
	if err != nil {
		return 0
	}
	return parseWirelessRSSI(string(data), d.iface)
}

// parseWirelessRSSI extracts the signal level column for iface from
// /proc/net/wireless content. The file has two header lines, then one
// line per interface:
//
//	wlan0: 0000   54.  -56.  -256        0      0      0      0      0        0
//
// Column four is the level in dBm with a trailing dot.
func parseWirelessRSSI(content, iface string) int {
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[0] != iface+":" {
			continue
		}
		level := strings.TrimSuffix(fields[3], ".")
		v, err := strconv.ParseFloat(level, 64)
		if err != nil {
			return 0
		}
		return int(v)
	}
	return 0
}

// classifyConnectErr maps an nmcli failure onto the link error
// taxonomy using the command output, since nmcli's exit codes do not
// distinguish causes reliably.
func classifyConnectErr(err error, output string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: nmcli connect: %v", link.ErrTimeout, err)
	}
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "secrets were required"),
		strings.Contains(lower, "invalid password"),
		strings.Contains(lower, "802-11-wireless-security"):
		return fmt.Errorf("%w: %s", link.ErrAuthRejected, firstLine(output))
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "timed out"):
		return fmt.Errorf("%w: %s", link.ErrTimeout, firstLine(output))
	default:
		return fmt.Errorf("%w: %s", link.ErrUnreachable, firstLine(output))
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "nmcli failed"
	}
	return s
}
