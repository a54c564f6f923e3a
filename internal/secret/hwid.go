package secret

import (
	"encoding/hex"
	"errors"
	"net"
	"os"
	"strings"
)

// HardwareID returns the device's immutable hardware identifier: the MAC
// address of the first physical network interface, falling back to
// /etc/machine-id. Callers that need reproducible keys (tests, tooling)
// should pass a fixed identifier to NewCipher instead.
func HardwareID() (string, error) {
	if mac, err := firstHardwareMAC(); err == nil {
		return mac, nil
	}

	if data, err := os.ReadFile("/etc/machine-id"); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	return "", errors.New("no hardware identifier available (no physical MAC, no machine-id)")
}

func firstHardwareMAC() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return hex.EncodeToString(iface.HardwareAddr), nil
	}
	return "", errors.New("no physical interface with a MAC address")
}
