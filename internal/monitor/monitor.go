// Package monitor runs the measurement loop: feed the watchdog,
// advance the connection supervisor, read the sensor, compute the
// reading, and publish telemetry on the publish interval. Everything
// happens on one goroutine; every external call is bounded so the loop
// always comes back around to feed the watchdog.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/rwolfe/tankmon/internal/config"
	"github.com/rwolfe/tankmon/internal/mqtt"
	"github.com/rwolfe/tankmon/internal/profile"
	"github.com/rwolfe/tankmon/internal/sensor"
	"github.com/rwolfe/tankmon/internal/watchdog"
)

// Bus is the supervised transport the loop publishes through.
// *supervisor.Supervisor satisfies it.
type Bus interface {
	Tick(ctx context.Context)
	Publish(ctx context.Context, topic string, payload []byte, retain bool) bool
	BusConnected() bool
	RSSI() int
}

// Config tunes the monitoring loop.
type Config struct {
	Tank       config.TankConfig
	Thresholds config.ThresholdsConfig

	MeasurementInterval time.Duration
	PublishInterval     time.Duration

	// SensorReadTimeout bounds one sensor read (default 5s).
	SensorReadTimeout time.Duration

	// MaxSensorFailures is the consecutive read failure count that
	// triggers a controlled restart (default 5).
	MaxSensorFailures int

	Now func() time.Time

	// OnFirstCycle fires once, after the first complete measurement
	// and publish cycle. The boot controller resets its attempt
	// counter here.
	OnFirstCycle func()

	// OnRestart requests a controlled restart and is expected not to
	// return.
	OnRestart func(reason string)
}

// DefaultSensorReadTimeout bounds one sensor read. Callers with a
// hardware watchdog cap it below the watchdog period.
const DefaultSensorReadTimeout = 5 * time.Second

func (c Config) withDefaults() Config {
	if c.SensorReadTimeout <= 0 {
		c.SensorReadTimeout = DefaultSensorReadTimeout
	}
	if c.MaxSensorFailures <= 0 {
		c.MaxSensorFailures = 5
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Monitor is the single-goroutine measurement loop.
type Monitor struct {
	cfg    Config
	prof   *profile.Profile
	sensor sensor.RangeSensor
	bus    Bus
	ann    *mqtt.Announcer
	wdt    watchdog.Watchdog
	logger *slog.Logger

	lastPublish    time.Time
	sensorFailures int
	firstCycleDone bool
}

// New assembles the loop. The profile decides whether a volume metric
// is published at all.
func New(cfg Config, prof *profile.Profile, rs sensor.RangeSensor, bus Bus, ann *mqtt.Announcer, wdt watchdog.Watchdog, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:    cfg.withDefaults(),
		prof:   prof,
		sensor: rs,
		bus:    bus,
		ann:    ann,
		wdt:    wdt,
		logger: logger,
	}
}

// Run executes the loop until ctx is cancelled, one Step per
// measurement interval.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.MeasurementInterval)
	defer ticker.Stop()

	for {
		m.Step(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Step runs one loop iteration. Exposed so tests drive the loop
// deterministically.
func (m *Monitor) Step(ctx context.Context) {
	m.feed()
	m.bus.Tick(ctx)

	m.feed()
	rctx, cancel := context.WithTimeout(ctx, m.cfg.SensorReadTimeout)
	distance, err := m.sensor.ReadRangeMM(rctx)
	cancel()
	if err == nil && (distance <= sensor.MinReadingMM || distance > sensor.MaxReadingMM) {
		err = fmt.Errorf("%w: %d mm", sensor.ErrOutOfRange, distance)
	}
	if err != nil {
		m.sensorFailure(err)
		return
	}
	m.sensorFailures = 0

	now := m.cfg.Now()
	r := ComputeReading(distance, m.cfg.Tank, m.prof, now)
	m.logger.Debug("reading",
		"depth_in", fmt.Sprintf("%.2f", r.DepthInches),
		"percent", fmt.Sprintf("%.1f", r.Percent),
		"distance_mm", r.DistanceMM,
	)

	if now.Sub(m.lastPublish) < m.cfg.PublishInterval && !m.lastPublish.IsZero() {
		return
	}
	if !m.bus.BusConnected() {
		// Readings go stale fast; skip this publish window and let the
		// supervisor bring the link back.
		return
	}
	if m.publish(ctx, r) {
		m.lastPublish = now
		if !m.firstCycleDone {
			m.firstCycleDone = true
			if m.cfg.OnFirstCycle != nil {
				m.cfg.OnFirstCycle()
			}
		}
	}
}

// feed is called between every pair of bounded external calls so the
// worst-case inter-feed gap is a single call timeout, never their sum.
func (m *Monitor) feed() {
	if err := m.wdt.Feed(); err != nil {
		m.logger.Warn("watchdog feed failed", "error", err)
	}
}

func (m *Monitor) sensorFailure(err error) {
	m.sensorFailures++
	m.logger.Warn("sensor read failed",
		"consecutive", m.sensorFailures,
		"limit", m.cfg.MaxSensorFailures,
		"error", err,
	)
	if m.sensorFailures >= m.cfg.MaxSensorFailures && m.cfg.OnRestart != nil {
		m.cfg.OnRestart(fmt.Sprintf("%d consecutive sensor read failures", m.sensorFailures))
	}
}

// publish pushes all entity states plus the alert attributes. It
// reports whether every state message was handed to the driver; a
// partial publish does not count as a completed cycle.
func (m *Monitor) publish(ctx context.Context, r Reading) bool {
	states := map[string]string{
		"depth":       strconv.FormatFloat(r.DepthInches, 'f', 2, 64),
		"percent":     strconv.FormatFloat(r.Percent, 'f', 1, 64),
		"distance":    strconv.Itoa(int(r.DistanceMM)),
		"rssi":        strconv.Itoa(m.bus.RSSI()),
		"free_memory": strconv.FormatUint(freeMemoryBytes(), 10),
	}
	if r.HasGallons {
		states["gallons"] = strconv.FormatFloat(r.Gallons, 'f', 1, 64)
	}

	ok := true
	for entity, value := range states {
		m.feed()
		if !m.bus.Publish(ctx, m.ann.StateTopic(entity), []byte(value), false) {
			ok = false
		}
	}

	attrs, err := json.Marshal(map[string]any{
		"alerts":      Alerts(r, m.cfg.Tank, m.cfg.Thresholds),
		"tank_height": m.cfg.Tank.Height,
		"profile":     m.prof.Name(),
		"timestamp":   r.Timestamp.UTC().Format(time.RFC3339),
	})
	if err == nil {
		m.feed()
		m.bus.Publish(ctx, m.ann.AttributesTopic("depth"), attrs, false)
	}

	if ok {
		m.logger.Info("published",
			"depth_in", states["depth"],
			"percent", states["percent"],
			"distance_mm", states["distance"],
		)
	}
	return ok
}
