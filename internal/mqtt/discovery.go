package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rwolfe/tankmon/internal/buildinfo"
)

// DeviceInfo is the Home Assistant device registry block embedded in
// every discovery payload. Each entity carries an identical copy,
// which is how HA knows to fold them all into one device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// NewDeviceInfo builds the device block. deviceID derives from the
// hardware identifier, so the HA device survives renames and
// re-provisioning; deviceName is what shows up in the UI.
func NewDeviceInfo(deviceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{deviceID},
		Name:         deviceName,
		Manufacturer: "DIY",
		Model:        "VL53L1X Tank Monitor",
		SWVersion:    buildinfo.Version,
	}
}

// SensorConfig is one entity's discovery payload, published retained
// so the broker replays it to a restarted HA. ObjectID together with
// HasEntityName stops HA from stacking the device name onto the
// entity ID a second time.
type SensorConfig struct {
	Name                string     `json:"name"`
	ObjectID            string     `json:"object_id,omitempty"`
	HasEntityName       bool       `json:"has_entity_name,omitempty"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	JsonAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	Device              DeviceInfo `json:"device"`
	Icon                string     `json:"icon,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	DeviceClass         string     `json:"device_class,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
}

// PublishFunc delivers one message through the supervised bus link,
// reporting whether the driver accepted it. Matches the connection
// supervisor's Publish method.
type PublishFunc func(ctx context.Context, topic string, payload []byte, retain bool) bool

// Announcer builds topic names and Home Assistant discovery payloads
// for the tank sensor entities. Announce runs on every bus
// (re-)connect so a restarted broker relearns the device.
type Announcer struct {
	deviceID   string
	prefix     string
	device     DeviceInfo
	hasGallons bool
	logger     *slog.Logger
}

// NewAnnouncer creates an announcer for one device. hasGallons adds
// the volume entity, which only exists when the tank profile carries a
// capacity.
func NewAnnouncer(deviceID, deviceName, discoveryPrefix string, hasGallons bool, logger *slog.Logger) *Announcer {
	return &Announcer{
		deviceID:   deviceID,
		prefix:     discoveryPrefix,
		device:     NewDeviceInfo(deviceID, deviceName),
		hasGallons: hasGallons,
		logger:     logger,
	}
}

// Device returns the shared HA device block.
func (a *Announcer) Device() DeviceInfo { return a.device }

func (a *Announcer) baseTopic() string {
	return "tankmon/" + a.deviceID
}

// AvailabilityTopic is the retained online/offline marker, also used
// as the session will topic.
func (a *Announcer) AvailabilityTopic() string {
	return a.baseTopic() + "/availability"
}

// StateTopic returns the state topic for one entity.
func (a *Announcer) StateTopic(entity string) string {
	return a.baseTopic() + "/" + entity + "/state"
}

// AttributesTopic returns the JSON attributes topic for one entity.
func (a *Announcer) AttributesTopic(entity string) string {
	return a.baseTopic() + "/" + entity + "/attributes"
}

func (a *Announcer) discoveryTopic(entity string) string {
	return a.prefix + "/sensor/" + a.deviceID + "/" + entity + "/config"
}

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (a *Announcer) sensorDefinitions() []sensorDef {
	avail := a.AvailabilityTopic()
	base := func(suffix, name string) SensorConfig {
		return SensorConfig{
			Name:              name,
			ObjectID:          suffix,
			HasEntityName:     true,
			UniqueID:          a.deviceID + "_" + suffix,
			StateTopic:        a.StateTopic(suffix),
			AvailabilityTopic: avail,
			Device:            a.device,
		}
	}

	depth := base("depth", "Depth")
	depth.UnitOfMeasurement = "in"
	depth.DeviceClass = "distance"
	depth.StateClass = "measurement"
	depth.Icon = "mdi:water-level"
	depth.JsonAttributesTopic = a.AttributesTopic("depth")

	percent := base("percent", "Level")
	percent.UnitOfMeasurement = "%"
	percent.StateClass = "measurement"
	percent.Icon = "mdi:water-percent"

	distance := base("distance", "Sensor Distance")
	distance.UnitOfMeasurement = "mm"
	distance.DeviceClass = "distance"
	distance.StateClass = "measurement"
	distance.Icon = "mdi:ruler"
	distance.EntityCategory = "diagnostic"

	rssi := base("rssi", "WiFi Signal")
	rssi.UnitOfMeasurement = "dBm"
	rssi.DeviceClass = "signal_strength"
	rssi.StateClass = "measurement"
	rssi.Icon = "mdi:wifi"
	rssi.EntityCategory = "diagnostic"

	mem := base("free_memory", "Free Memory")
	mem.UnitOfMeasurement = "bytes"
	mem.StateClass = "measurement"
	mem.Icon = "mdi:memory"
	mem.EntityCategory = "diagnostic"

	defs := []sensorDef{
		{"depth", depth},
		{"percent", percent},
		{"distance", distance},
		{"rssi", rssi},
		{"free_memory", mem},
	}

	if a.hasGallons {
		gallons := base("gallons", "Volume")
		gallons.UnitOfMeasurement = "gal"
		gallons.DeviceClass = "volume"
		gallons.StateClass = "measurement"
		gallons.Icon = "mdi:gauge"
		defs = append(defs, sensorDef{"gallons", gallons})
	}

	return defs
}

// Announce publishes every discovery config (retained) followed by the
// retained "online" availability marker. Failed publishes are logged
// and skipped; the next reconnect tries again.
func (a *Announcer) Announce(ctx context.Context, publish PublishFunc) {
	for _, s := range a.sensorDefinitions() {
		payload, err := json.Marshal(s.config)
		if err != nil {
			a.logger.Error("marshal discovery payload", "entity", s.entitySuffix, "error", err)
			continue
		}
		topic := a.discoveryTopic(s.entitySuffix)
		if !publish(ctx, topic, payload, true) {
			a.logger.Warn("discovery publish dropped", "entity", s.entitySuffix, "topic", topic)
			continue
		}
		a.logger.Debug("discovery published", "entity", s.entitySuffix, "topic", topic)
	}

	if publish(ctx, a.AvailabilityTopic(), []byte("online"), true) {
		a.logger.Info("availability published", "status", "online")
	}
}
