package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/eclipse/paho.golang/paho"
	"github.com/rwolfe/tankmon/internal/link"
)

const keepAliveSec = 60

// Config holds the broker endpoint and session identity for the bus
// driver. TLS is mandatory in validated configurations; the SSL flag
// exists so tests can run against a plaintext in-process listener.
type Config struct {
	Broker   string
	Port     int
	SSL      bool
	ClientID string

	// AvailabilityTopic is where the broker publishes the retained
	// "offline" will if the session dies without a clean disconnect.
	AvailabilityTopic string
}

// Client is a paho-backed link.BusDriver. It holds at most one live
// session and performs no retries of its own; the connection
// supervisor decides when to call Connect again.
type Client struct {
	cfg    Config
	logger *slog.Logger

	conn   net.Conn
	client *paho.Client
}

// NewClient creates an unconnected bus driver.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{cfg: cfg, logger: logger}
}

// Connect dials the broker and establishes an MQTT session. Any
// previous session is torn down first. Failures are classified into
// the link error taxonomy so the supervisor can log them usefully.
func (c *Client) Connect(ctx context.Context, creds link.BusCredentials) error {
	c.teardown()

	addr := net.JoinHostPort(c.cfg.Broker, strconv.Itoa(c.cfg.Port))
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return classifyNetErr(fmt.Errorf("dial %s: %w", addr, err))
	}

	client := paho.NewClient(paho.ClientConfig{
		Conn: conn,
		OnClientError: func(err error) {
			c.logger.Debug("mqtt client error", "error", err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			c.logger.Debug("mqtt server disconnect", "reason_code", d.ReasonCode)
		},
	})

	cp := &paho.Connect{
		ClientID:   c.cfg.ClientID,
		KeepAlive:  keepAliveSec,
		CleanStart: true,
		WillMessage: &paho.WillMessage{
			Topic:   c.cfg.AvailabilityTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
	}
	if creds.Username != "" {
		cp.UsernameFlag = true
		cp.Username = creds.Username
	}
	if creds.Password != "" {
		cp.PasswordFlag = true
		cp.Password = []byte(creds.Password)
	}

	ca, err := client.Connect(ctx, cp)
	if err != nil {
		conn.Close()
		if ca != nil && connackAuthFailure(ca.ReasonCode) {
			return fmt.Errorf("%w: connack reason code %d", link.ErrAuthRejected, ca.ReasonCode)
		}
		return classifyNetErr(fmt.Errorf("mqtt connect: %w", err))
	}

	c.conn = conn
	c.client = client
	return nil
}

func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	if !c.cfg.SSL {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	d := tls.Dialer{
		Config: &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: c.cfg.Broker,
		},
	}
	return d.DialContext(ctx, "tcp", addr)
}

// Publish sends one message on the current session. Retained messages
// go out QoS 1 so discovery and availability survive broker restarts;
// plain state updates are QoS 0.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if c.client == nil {
		return fmt.Errorf("%w: no session", link.ErrUnreachable)
	}
	var qos byte
	if retain {
		qos = 1
	}
	_, err := c.client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
	if err != nil {
		return classifyNetErr(fmt.Errorf("publish %s: %w", topic, err))
	}
	return nil
}

// Ping refreshes the retained availability marker. A round trip
// through the broker doubles as the session liveness probe for the
// supervisor's health check.
func (c *Client) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("%w: no session", link.ErrUnreachable)
	}
	_, err := c.client.Publish(ctx, &paho.Publish{
		Topic:   c.cfg.AvailabilityTopic,
		Payload: []byte("online"),
		QoS:     1,
		Retain:  true,
	})
	if err != nil {
		return classifyNetErr(fmt.Errorf("availability publish: %w", err))
	}
	return nil
}

// Disconnect marks the device offline and closes the session cleanly
// so the broker does not fire the will message.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	// Best effort: the session may already be dead.
	_, _ = c.client.Publish(ctx, &paho.Publish{
		Topic:   c.cfg.AvailabilityTopic,
		Payload: []byte("offline"),
		QoS:     1,
		Retain:  true,
	})
	err := c.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	c.teardown()
	return err
}

func (c *Client) teardown() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.client = nil
}

// connackAuthFailure reports whether an MQTT 5 CONNACK reason code
// means the credentials were refused, as opposed to a transport or
// broker problem.
func connackAuthFailure(code byte) bool {
	switch code {
	case 0x86, 0x87: // bad user name or password, not authorized
		return true
	}
	return false
}

// classifyNetErr wraps err with the matching link sentinel. Timeouts
// and context deadlines become ErrTimeout; everything else on the wire
// is ErrUnreachable.
func classifyNetErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", link.ErrTimeout, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", link.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", link.ErrUnreachable, err)
}
