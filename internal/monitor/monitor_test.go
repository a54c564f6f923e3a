package monitor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rwolfe/tankmon/internal/config"
	"github.com/rwolfe/tankmon/internal/mqtt"
	"github.com/rwolfe/tankmon/internal/profile"
	"github.com/rwolfe/tankmon/internal/sensor"
	"github.com/rwolfe/tankmon/internal/watchdog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTank() config.TankConfig {
	return config.TankConfig{Height: 44, Profile: "275_vertical_oval"}
}

func mustProfile(t *testing.T, name string, height float64) *profile.Profile {
	t.Helper()
	p, ok := profile.Lookup(name, height)
	if !ok {
		t.Fatalf("profile %q not found", name)
	}
	return p
}

func TestComputeReading(t *testing.T) {
	t.Parallel()
	tank := config.TankConfig{Height: 44}
	linear := profile.Linear(44)

	// 508 mm = 20 in from sensor to surface: depth 24 in.
	r := ComputeReading(508, tank, linear, time.Unix(0, 0))
	if got := r.DepthInches; math.Abs(got-24) > 1e-9 {
		t.Errorf("DepthInches = %v, want 24", got)
	}
	if want := 24.0 / 44 * 100; math.Abs(r.Percent-want) > 1e-9 {
		t.Errorf("Percent = %v, want %v", r.Percent, want)
	}
	if r.HasGallons {
		t.Error("linear profile should not report gallons")
	}
}

func TestComputeReading_CalibrationOffset(t *testing.T) {
	t.Parallel()
	tank := config.TankConfig{Height: 44, CalibrationOffset: 1.5}
	r := ComputeReading(508, tank, profile.Linear(44), time.Unix(0, 0))
	if got := r.DepthInches; math.Abs(got-25.5) > 1e-9 {
		t.Errorf("DepthInches with offset = %v, want 25.5", got)
	}
}

func TestComputeReading_Clamps(t *testing.T) {
	t.Parallel()
	tank := config.TankConfig{Height: 44, EmptyLevel: 2}
	linear := profile.Linear(44)

	// Sensor reads far past the tank bottom: clamp to empty level.
	low := ComputeReading(3000, tank, linear, time.Unix(0, 0))
	if low.DepthInches != 2 {
		t.Errorf("overlong distance: DepthInches = %v, want 2", low.DepthInches)
	}

	// Sensor reads almost nothing: clamp to tank height.
	high := ComputeReading(1, tank, linear, time.Unix(0, 0))
	if high.DepthInches != 44 {
		t.Errorf("tiny distance: DepthInches = %v, want 44", high.DepthInches)
	}
}

func TestComputeReading_ProfileGallons(t *testing.T) {
	t.Parallel()
	tank := testTank()
	prof := mustProfile(t, "275_vertical_oval", 44)

	// 22 in of depth in the 275 vertical oval chart is 137 gallons.
	// 558 mm is 21.97 in, depth 22.03 in.
	r := ComputeReading(558, tank, prof, time.Unix(0, 0))
	if !r.HasGallons {
		t.Fatal("oval profile should report gallons")
	}
	if math.Abs(r.Gallons-137) > 1 {
		t.Errorf("Gallons = %v, want about 137", r.Gallons)
	}
}

func TestAlerts(t *testing.T) {
	t.Parallel()
	tank := config.TankConfig{Height: 44}
	th := config.ThresholdsConfig{LowLevel: 10, HighLevel: 95}

	tests := []struct {
		name    string
		reading Reading
		want    []string
	}{
		{"normal", Reading{DepthInches: 22, Percent: 50}, []string{}},
		{"low", Reading{DepthInches: 3, Percent: 6.8}, []string{"low_level"}},
		{"empty and low", Reading{DepthInches: 0, Percent: 0}, []string{"low_level", "empty"}},
		{"high", Reading{DepthInches: 42.5, Percent: 96.6}, []string{"high_level"}},
		{"full and high", Reading{DepthInches: 44, Percent: 100}, []string{"high_level", "full"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Alerts(tt.reading, tank, th)
			if len(got) != len(tt.want) {
				t.Fatalf("Alerts() = %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("Alerts()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

// fakeBus records publishes and simulates link state.
type fakeBus struct {
	connected bool
	rssi      int
	ticks     int
	published map[string][]byte
	reject    bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{connected: true, rssi: -58, published: map[string][]byte{}}
}

func (b *fakeBus) Tick(ctx context.Context) { b.ticks++ }
func (b *fakeBus) BusConnected() bool       { return b.connected }
func (b *fakeBus) RSSI() int                { return b.rssi }

func (b *fakeBus) Publish(ctx context.Context, topic string, payload []byte, retain bool) bool {
	if b.reject {
		return false
	}
	b.published[topic] = payload
	return true
}

type sensorFunc func(ctx context.Context) (uint16, error)

func (f sensorFunc) ReadRangeMM(ctx context.Context) (uint16, error) { return f(ctx) }

func newTestMonitor(t *testing.T, bus *fakeBus, rs sensor.RangeSensor, now *time.Time, cfg Config) *Monitor {
	t.Helper()
	cfg.Tank = testTank()
	cfg.Thresholds = config.ThresholdsConfig{LowLevel: 10, HighLevel: 95}
	cfg.MeasurementInterval = 5 * time.Second
	cfg.PublishInterval = 30 * time.Second
	cfg.Now = func() time.Time { return *now }

	prof := mustProfile(t, "275_vertical_oval", 44)
	ann := mqtt.NewAnnouncer("tank_monitor_test", "Tank Level Monitor", "homeassistant", prof.HasCapacity(), testLogger())
	return New(cfg, prof, rs, bus, ann, watchdog.Noop(), testLogger())
}

func TestMonitor_StepPublishesAllEntities(t *testing.T) {
	t.Parallel()
	bus := newFakeBus()
	now := time.Unix(9000, 0)
	rs := sensorFunc(func(ctx context.Context) (uint16, error) { return 558, nil })

	var firstCycles int
	m := newTestMonitor(t, bus, rs, &now, Config{
		OnFirstCycle: func() { firstCycles++ },
	})

	m.Step(context.Background())

	if bus.ticks != 1 {
		t.Errorf("supervisor ticked %d times, want 1", bus.ticks)
	}

	wantTopics := []string{
		"tankmon/tank_monitor_test/depth/state",
		"tankmon/tank_monitor_test/percent/state",
		"tankmon/tank_monitor_test/gallons/state",
		"tankmon/tank_monitor_test/distance/state",
		"tankmon/tank_monitor_test/rssi/state",
		"tankmon/tank_monitor_test/free_memory/state",
		"tankmon/tank_monitor_test/depth/attributes",
	}
	for _, topic := range wantTopics {
		if _, ok := bus.published[topic]; !ok {
			t.Errorf("missing publish on %s", topic)
		}
	}

	if got := string(bus.published["tankmon/tank_monitor_test/rssi/state"]); got != "-58" {
		t.Errorf("rssi state = %q, want -58", got)
	}
	if got := string(bus.published["tankmon/tank_monitor_test/distance/state"]); got != "558" {
		t.Errorf("distance state = %q, want 558", got)
	}

	var attrs struct {
		Alerts     []string `json:"alerts"`
		TankHeight float64  `json:"tank_height"`
		Profile    string   `json:"profile"`
	}
	if err := json.Unmarshal(bus.published["tankmon/tank_monitor_test/depth/attributes"], &attrs); err != nil {
		t.Fatalf("unmarshal attributes: %v", err)
	}
	if attrs.Alerts == nil {
		t.Error("alerts attribute should be a list, not null")
	}
	if attrs.TankHeight != 44 || attrs.Profile != "275_vertical_oval" {
		t.Errorf("attributes = %+v", attrs)
	}

	if firstCycles != 1 {
		t.Errorf("OnFirstCycle fired %d times, want 1", firstCycles)
	}

	// A second step inside the publish window measures but does not
	// publish again.
	bus.published = map[string][]byte{}
	now = now.Add(5 * time.Second)
	m.Step(context.Background())
	if len(bus.published) != 0 {
		t.Errorf("published %d messages inside the publish window, want 0", len(bus.published))
	}
	if firstCycles != 1 {
		t.Errorf("OnFirstCycle fired %d times after second step, want 1", firstCycles)
	}

	// Past the window it publishes again.
	now = now.Add(30 * time.Second)
	m.Step(context.Background())
	if len(bus.published) == 0 {
		t.Error("expected publishes after the publish interval elapsed")
	}
}

func TestMonitor_BusDownSkipsSilently(t *testing.T) {
	t.Parallel()
	bus := newFakeBus()
	bus.connected = false
	now := time.Unix(9000, 0)
	rs := sensorFunc(func(ctx context.Context) (uint16, error) { return 558, nil })

	var firstCycles int
	m := newTestMonitor(t, bus, rs, &now, Config{
		OnFirstCycle: func() { firstCycles++ },
	})

	m.Step(context.Background())

	if len(bus.published) != 0 {
		t.Errorf("published %d messages while bus down, want 0", len(bus.published))
	}
	if firstCycles != 0 {
		t.Error("OnFirstCycle fired without a completed publish")
	}

	// Link recovers: the very next step publishes.
	bus.connected = true
	now = now.Add(5 * time.Second)
	m.Step(context.Background())
	if len(bus.published) == 0 {
		t.Error("expected publishes once the bus recovered")
	}
	if firstCycles != 1 {
		t.Errorf("OnFirstCycle fired %d times, want 1", firstCycles)
	}
}

func TestMonitor_SensorFailuresTriggerRestart(t *testing.T) {
	t.Parallel()
	bus := newFakeBus()
	now := time.Unix(9000, 0)
	fail := true
	rs := sensorFunc(func(ctx context.Context) (uint16, error) {
		if fail {
			return 0, sensor.ErrTimeout
		}
		return 558, nil
	})

	var restartReason string
	m := newTestMonitor(t, bus, rs, &now, Config{
		OnRestart: func(reason string) { restartReason = reason },
	})

	// Four failures: no restart yet.
	for i := 0; i < 4; i++ {
		m.Step(context.Background())
	}
	if restartReason != "" {
		t.Fatalf("restart requested after 4 failures: %q", restartReason)
	}

	// A good reading resets the counter.
	fail = false
	m.Step(context.Background())
	fail = true
	for i := 0; i < 4; i++ {
		m.Step(context.Background())
	}
	if restartReason != "" {
		t.Fatalf("restart requested before the limit after a reset: %q", restartReason)
	}

	// The fifth consecutive failure requests the restart.
	m.Step(context.Background())
	if restartReason == "" {
		t.Fatal("restart not requested after 5 consecutive failures")
	}
	if !strings.Contains(restartReason, "5 consecutive") {
		t.Errorf("restart reason = %q, want mention of 5 consecutive failures", restartReason)
	}
}

func TestMonitor_OutOfRangeReadingIsFailure(t *testing.T) {
	t.Parallel()
	bus := newFakeBus()
	now := time.Unix(9000, 0)
	rs := sensorFunc(func(ctx context.Context) (uint16, error) { return 0, nil })

	m := newTestMonitor(t, bus, rs, &now, Config{})
	m.Step(context.Background())

	if len(bus.published) != 0 {
		t.Error("a zero reading should not publish")
	}
	if m.sensorFailures != 1 {
		t.Errorf("sensorFailures = %d, want 1", m.sensorFailures)
	}
}

// recorded interleaves watchdog feeds with the loop's external calls
// so ordering can be asserted.
type recorded struct{ events []string }

type recordingWatchdog struct{ log *recorded }

func (w recordingWatchdog) Feed() error {
	w.log.events = append(w.log.events, "feed")
	return nil
}
func (w recordingWatchdog) Timeout() time.Duration { return 0 }
func (w recordingWatchdog) Close() error           { return nil }

type recordingBus struct {
	*fakeBus
	log *recorded
}

func (b *recordingBus) Publish(ctx context.Context, topic string, payload []byte, retain bool) bool {
	b.log.events = append(b.log.events, "publish")
	return b.fakeBus.Publish(ctx, topic, payload, retain)
}

func TestStep_FeedsWatchdogBetweenPublishes(t *testing.T) {
	t.Parallel()
	log := &recorded{}
	bus := &recordingBus{fakeBus: newFakeBus(), log: log}
	now := time.Unix(1000, 0)

	cfg := Config{
		Tank:                testTank(),
		Thresholds:          config.ThresholdsConfig{LowLevel: 10, HighLevel: 95},
		MeasurementInterval: 5 * time.Second,
		PublishInterval:     30 * time.Second,
		Now:                 func() time.Time { return now },
	}
	prof := mustProfile(t, "275_vertical_oval", 44)
	ann := mqtt.NewAnnouncer("tank_monitor_test", "Tank Level Monitor", "homeassistant", prof.HasCapacity(), testLogger())
	rs := sensorFunc(func(ctx context.Context) (uint16, error) { return 558, nil })
	m := New(cfg, prof, rs, bus, ann, recordingWatchdog{log: log}, testLogger())

	m.Step(context.Background())

	feeds, publishes := 0, 0
	for i, ev := range log.events {
		switch ev {
		case "feed":
			feeds++
		case "publish":
			publishes++
			// A feed must land directly before every publish so the
			// inter-feed gap never exceeds one bounded call.
			if i == 0 || log.events[i-1] != "feed" {
				t.Errorf("publish at event %d not preceded by a feed: %v", i, log.events)
			}
		}
	}
	if publishes != 7 {
		t.Errorf("publishes = %d, want 7 (6 states plus attributes)", publishes)
	}
	if feeds < publishes+2 {
		t.Errorf("feeds = %d, want at least %d (loop start, sensor read, each publish)", feeds, publishes+2)
	}
}
