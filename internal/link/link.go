// Package link defines the driver contracts for the two lossy external
// links the device depends on: the network association (WiFi) and the
// message bus session (MQTT). Drivers are thin I/O wrappers; all retry,
// backoff, and health policy lives in the connection supervisor.
package link

import (
	"context"
	"errors"
)

// Driver error taxonomy. Drivers map transport-specific failures onto
// these so the supervisor can log and back off uniformly.
var (
	// ErrTimeout: the operation did not complete within its bound.
	ErrTimeout = errors.New("link timeout")
	// ErrAuthRejected: the peer refused the credentials.
	ErrAuthRejected = errors.New("link authentication rejected")
	// ErrUnreachable: the peer could not be reached at all.
	ErrUnreachable = errors.New("link unreachable")
)

// NetworkDriver associates with a wireless network. Connect blocks until
// associated or ctx expires; the supervisor bounds ctx.
type NetworkDriver interface {
	Connect(ctx context.Context, ssid, password string) error
	IsConnected() bool
	// RSSI returns the current signal strength in dBm, 0 when unknown.
	RSSI() int
}

// BusCredentials is the short-lived plaintext credential buffer handed
// to the bus driver for a single connection attempt. Never log it.
type BusCredentials struct {
	Username string
	Password string
}

// BusDriver manages one message bus session. Connect blocks until the
// session is established or ctx expires. Publish and Ping require an
// established session. Disconnect is best-effort teardown.
type BusDriver interface {
	Connect(ctx context.Context, creds BusCredentials) error
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
	Ping(ctx context.Context) error
	Disconnect(ctx context.Context) error
}
