// Package supervisor manages the two lossy external links (network
// association, message bus session) as explicit state machines advanced
// once per scheduler tick. There are no internal goroutines and no real
// sleeps: all timing flows through an injected clock, so retry and
// backoff behavior is deterministic under test.
//
// Each link cycles Disconnected → Connecting → Connected → Faulted with
// no terminal state; the supervisor always retries. Faulted links wait
// out a bounded exponential backoff; Connected links are periodically
// health-checked and fail fast back to Disconnected.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/rwolfe/tankmon/internal/link"
)

// Phase is one link's position in its connection lifecycle.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Connected
	Faulted
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Backoff is the bounded exponential retry schedule: the base delay
// doubles per consecutive failure up to the cap.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff returns the 5s→60s schedule: 5s, 10s, 20s, 40s, 60s, 60s, ...
func DefaultBackoff() Backoff {
	return Backoff{Base: 5 * time.Second, Cap: 60 * time.Second}
}

// Delay returns the wait after the given consecutive-failure count:
// min(base × 2^(n−1), cap). Zero failures means no delay.
func (b Backoff) Delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	if d > b.Cap {
		d = b.Cap
	}
	return d
}

// LinkState is a read-only snapshot of one link's state machine.
type LinkState struct {
	Name         string
	Phase        Phase
	Failures     int
	LastAttempt  time.Time
	BackoffUntil time.Time
}

// linkSM is the mutable state machine behind one link. Owned and
// exclusively mutated by the supervisor's single-threaded Tick.
type linkSM struct {
	name           string
	phase          Phase
	failures       int
	lastAttempt    time.Time
	backoffUntil   time.Time
	lastHealth     time.Time
	backoff        Backoff
	connectTimeout time.Duration
	healthInterval time.Duration
}

func (l *linkSM) snapshot() LinkState {
	return LinkState{
		Name:         l.name,
		Phase:        l.phase,
		Failures:     l.failures,
		LastAttempt:  l.lastAttempt,
		BackoffUntil: l.backoffUntil,
	}
}

// fault records a failed connection attempt and schedules the retry.
func (l *linkSM) fault(now time.Time) {
	l.phase = Faulted
	l.failures++
	l.backoffUntil = now.Add(l.backoff.Delay(l.failures))
}

// succeed records an established connection.
func (l *linkSM) succeed(now time.Time) {
	l.phase = Connected
	l.failures = 0
	l.backoffUntil = time.Time{}
	l.lastHealth = now
}

// drop forces an immediate return to Disconnected with no backoff
// (failed health check, lost prerequisite). Fail fast: the next tick
// may reattempt immediately.
func (l *linkSM) drop() {
	l.phase = Disconnected
	l.backoffUntil = time.Time{}
}

// CredentialSource supplies decrypted credentials for a single
// connection attempt. The returned plaintext is used immediately and
// not retained.
type CredentialSource interface {
	WiFiCredentials() (ssid, password string, err error)
	BusCredentials() (username, password string, err error)
}

// Config tunes the supervisor. Zero fields take defaults. Every timeout
// must stay below the hardware watchdog period; Tick performs at most
// one bounded driver call per link.
type Config struct {
	// NetworkConnectTimeout bounds one association attempt (default 30s).
	NetworkConnectTimeout time.Duration
	// BusConnectTimeout bounds one bus session attempt (default 10s).
	BusConnectTimeout time.Duration
	// NetworkHealthInterval is the association health poll cadence
	// (default 300s; wired to intervals.wifi_check).
	NetworkHealthInterval time.Duration
	// BusHealthInterval is the bus liveness poll cadence (default 60s).
	BusHealthInterval time.Duration
	// Backoff is the shared retry schedule (default 5s base, 60s cap).
	Backoff Backoff
	// Heartbeat, when set, is invoked immediately before every bounded
	// driver call. The main loop feeds the hardware watchdog here so a
	// feed always lands between consecutive blocking operations.
	Heartbeat func()
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Default connect timeouts. Callers with a hardware watchdog cap these
// below the watchdog period before constructing the supervisor.
const (
	DefaultNetworkConnectTimeout = 30 * time.Second
	DefaultBusConnectTimeout     = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.NetworkConnectTimeout <= 0 {
		c.NetworkConnectTimeout = DefaultNetworkConnectTimeout
	}
	if c.BusConnectTimeout <= 0 {
		c.BusConnectTimeout = DefaultBusConnectTimeout
	}
	if c.NetworkHealthInterval <= 0 {
		c.NetworkHealthInterval = 300 * time.Second
	}
	if c.BusHealthInterval <= 0 {
		c.BusHealthInterval = 60 * time.Second
	}
	if c.Backoff == (Backoff{}) {
		c.Backoff = DefaultBackoff()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Supervisor drives both link state machines. Not safe for concurrent
// use: the single main loop is the only caller, per the system's
// cooperative scheduling model.
type Supervisor struct {
	cfg    Config
	netDrv link.NetworkDriver
	busDrv link.BusDriver
	creds  CredentialSource
	logger *slog.Logger

	net *linkSM
	bus *linkSM

	onBusUp func()
}

// New creates a supervisor over the two link drivers.
func New(netDrv link.NetworkDriver, busDrv link.BusDriver, creds CredentialSource, cfg Config, logger *slog.Logger) *Supervisor {
	cfg = cfg.withDefaults()
	return &Supervisor{
		cfg:    cfg,
		netDrv: netDrv,
		busDrv: busDrv,
		creds:  creds,
		logger: logger,
		net: &linkSM{
			name:           "network",
			backoff:        cfg.Backoff,
			connectTimeout: cfg.NetworkConnectTimeout,
			healthInterval: cfg.NetworkHealthInterval,
		},
		bus: &linkSM{
			name:           "bus",
			backoff:        cfg.Backoff,
			connectTimeout: cfg.BusConnectTimeout,
			healthInterval: cfg.BusHealthInterval,
		},
	}
}

func (s *Supervisor) heartbeat() {
	if s.cfg.Heartbeat != nil {
		s.cfg.Heartbeat()
	}
}

// OnBusConnect registers a callback invoked from Tick each time the bus
// session is (re-)established. Discovery announcements hang off this.
func (s *Supervisor) OnBusConnect(fn func()) { s.onBusUp = fn }

// NetworkState returns a snapshot of the network link.
func (s *Supervisor) NetworkState() LinkState { return s.net.snapshot() }

// BusState returns a snapshot of the bus link.
func (s *Supervisor) BusState() LinkState { return s.bus.snapshot() }

// NetworkConnected reports whether the network link is up.
func (s *Supervisor) NetworkConnected() bool { return s.net.phase == Connected }

// BusConnected reports whether the bus session is up.
func (s *Supervisor) BusConnected() bool { return s.bus.phase == Connected }

// RSSI returns the network signal strength in dBm, 0 when the link is
// down or the driver does not know.
func (s *Supervisor) RSSI() int {
	if s.net.phase != Connected {
		return 0
	}
	return s.netDrv.RSSI()
}

// Tick advances both state machines one step. Called once per main loop
// iteration; each call performs at most one bounded external operation
// per link, and Heartbeat fires before each of them, so the watchdog
// stays fed even when both links connect in the same tick.
func (s *Supervisor) Tick(ctx context.Context) {
	now := s.cfg.Now()
	s.tickNetwork(ctx, now)
	s.tickBus(ctx, now)
}

func (s *Supervisor) tickNetwork(ctx context.Context, now time.Time) {
	l := s.net
	switch l.phase {
	case Connected:
		if now.Sub(l.lastHealth) < l.healthInterval {
			return
		}
		l.lastHealth = now
		if !s.netDrv.IsConnected() {
			s.logger.Warn("network health check failed, dropping link")
			l.drop()
		}

	case Faulted:
		if !now.Before(l.backoffUntil) {
			l.phase = Disconnected
		}

	case Disconnected:
		if now.Before(l.backoffUntil) {
			return
		}
		l.phase = Connecting
		l.lastAttempt = now

		ssid, password, err := s.creds.WiFiCredentials()
		if err != nil {
			s.logger.Error("network credentials unavailable", "error", err)
			l.fault(now)
			return
		}

		s.heartbeat()
		cctx, cancel := context.WithTimeout(ctx, l.connectTimeout)
		err = s.netDrv.Connect(cctx, ssid, password)
		cancel()
		if err != nil {
			s.logger.Warn("network connect failed",
				"failures", l.failures+1,
				"retry_in", l.backoff.Delay(l.failures+1).String(),
				"error", err,
			)
			l.fault(now)
			return
		}

		s.logger.Info("network connected", "ssid", ssid)
		l.succeed(now)
	}
}

func (s *Supervisor) tickBus(ctx context.Context, now time.Time) {
	l := s.bus

	// Ordering dependency: the bus session requires the network link.
	// Losing the network drops the bus immediately.
	if s.net.phase != Connected {
		if l.phase == Connected {
			s.logger.Info("network down, dropping bus session")
			s.disconnectBus(ctx)
			l.drop()
		}
		return
	}

	switch l.phase {
	case Connected:
		if now.Sub(l.lastHealth) < l.healthInterval {
			return
		}
		l.lastHealth = now
		s.heartbeat()
		pctx, cancel := context.WithTimeout(ctx, l.connectTimeout)
		err := s.busDrv.Ping(pctx)
		cancel()
		if err != nil {
			s.logger.Warn("bus health check failed, dropping session", "error", err)
			s.disconnectBus(ctx)
			l.drop()
		}

	case Faulted:
		if !now.Before(l.backoffUntil) {
			l.phase = Disconnected
		}

	case Disconnected:
		if now.Before(l.backoffUntil) {
			return
		}
		l.phase = Connecting
		l.lastAttempt = now

		username, password, err := s.creds.BusCredentials()
		if err != nil {
			s.logger.Error("bus credentials unavailable", "error", err)
			l.fault(now)
			return
		}

		s.heartbeat()
		cctx, cancel := context.WithTimeout(ctx, l.connectTimeout)
		err = s.busDrv.Connect(cctx, link.BusCredentials{Username: username, Password: password})
		cancel()
		if err != nil {
			s.logger.Warn("bus connect failed",
				"failures", l.failures+1,
				"retry_in", l.backoff.Delay(l.failures+1).String(),
				"error", err,
			)
			l.fault(now)
			return
		}

		s.logger.Info("bus session established")
		l.succeed(now)
		if s.onBusUp != nil {
			s.onBusUp()
		}
	}
}

// Publish hands a message to the bus driver. When the bus link is not
// Connected the message is dropped silently; readings go stale fast and
// are not worth buffering. Callers learn about the outage from the link
// state, not from an error. Returns whether the message was delivered
// to the driver.
func (s *Supervisor) Publish(ctx context.Context, topic string, payload []byte, retain bool) bool {
	if s.bus.phase != Connected {
		s.logger.Debug("bus not connected, dropping publish", "topic", topic, "phase", s.bus.phase.String())
		return false
	}

	s.heartbeat()
	pctx, cancel := context.WithTimeout(ctx, s.bus.connectTimeout)
	err := s.busDrv.Publish(pctx, topic, payload, retain)
	cancel()
	if err != nil {
		// A failed publish means the session is gone; fail fast like a
		// health check and let the next tick rebuild it.
		s.logger.Warn("bus publish failed, dropping session", "topic", topic, "error", err)
		s.disconnectBus(ctx)
		s.bus.drop()
		return false
	}
	return true
}

// Shutdown tears down both links best-effort (offline message delivery
// is the bus driver's concern).
func (s *Supervisor) Shutdown(ctx context.Context) {
	if s.bus.phase == Connected {
		s.disconnectBus(ctx)
		s.bus.drop()
	}
	s.net.drop()
}

func (s *Supervisor) disconnectBus(ctx context.Context) {
	s.heartbeat()
	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.busDrv.Disconnect(dctx); err != nil {
		s.logger.Debug("bus disconnect", "error", err)
	}
}
