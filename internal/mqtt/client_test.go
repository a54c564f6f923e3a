package mqtt

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rwolfe/tankmon/internal/link"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyNetErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"context deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), link.ErrTimeout},
		{"net timeout", fmt.Errorf("dial: %w", timeoutErr{}), link.ErrTimeout},
		{"refused", errors.New("dial tcp: connection refused"), link.ErrUnreachable},
		{"dns", errors.New("lookup broker.example.net: no such host"), link.ErrUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyNetErr(tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("classifyNetErr(%v) = %v, want errors.Is %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestConnackAuthFailure(t *testing.T) {
	tests := []struct {
		code byte
		want bool
	}{
		{0x86, true},  // bad user name or password
		{0x87, true},  // not authorized
		{0x00, false}, // success
		{0x88, false}, // server unavailable
		{0x97, false}, // quota exceeded
	}
	for _, tt := range tests {
		if got := connackAuthFailure(tt.code); got != tt.want {
			t.Errorf("connackAuthFailure(0x%02x) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestClient_PublishWithoutSession(t *testing.T) {
	c := NewClient(Config{
		Broker:            "broker.example.net",
		Port:              8883,
		SSL:               true,
		ClientID:          "tank_monitor_a1b2c3",
		AvailabilityTopic: "tankmon/tank_monitor_a1b2c3/availability",
	}, testLogger())

	err := c.Publish(context.Background(), "tankmon/x/depth/state", []byte("22"), false)
	if !errors.Is(err, link.ErrUnreachable) {
		t.Errorf("Publish without session = %v, want ErrUnreachable", err)
	}

	if err := c.Ping(context.Background()); !errors.Is(err, link.ErrUnreachable) {
		t.Errorf("Ping without session = %v, want ErrUnreachable", err)
	}

	// Disconnect with no session is a no-op.
	if err := c.Disconnect(context.Background()); err != nil {
		t.Errorf("Disconnect without session = %v, want nil", err)
	}
}
