// Package config handles tankmon configuration: loading, validation,
// device-bound secret migration, and the single runtime mutation the
// system permits (calibration offset).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./tankmon.yaml, ~/.config/tankmon/config.yaml, /etc/tankmon/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"tankmon.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tankmon", "config.yaml"))
	}

	paths = append(paths, "/etc/tankmon/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or ErrNotFound if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("%w: %s", ErrNotFound, explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNotFound, DefaultSearchPaths())
}

// Config is the persisted configuration record. It is loaded once at
// boot and never mutated during normal monitoring; the calibration
// offset is the only field with a runtime mutator (see Store).
type Config struct {
	WiFi       WiFiConfig       `yaml:"wifi"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Tank       TankConfig       `yaml:"tank"`
	Intervals  IntervalsConfig  `yaml:"intervals"`
	Hardware   HardwareConfig   `yaml:"hardware"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`
	LogLevel   string           `yaml:"log_level"`
}

// WiFiConfig defines the network association credentials. Password is
// stored sealed (see internal/secret); it is migrated to sealed form on
// first load if found in plaintext.
type WiFiConfig struct {
	SSID     string `yaml:"ssid"`
	Password string `yaml:"password"`
}

// MQTTConfig defines the message bus session. Password is stored sealed,
// like the WiFi password. SSL is mandatory: validation rejects a record
// that disables transport encryption.
type MQTTConfig struct {
	Broker         string `yaml:"broker"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	SSL            bool   `yaml:"ssl"`
	ClientIDPrefix string `yaml:"client_id_prefix"`
}

// TankConfig defines tank geometry. CalibrationOffset is settable only
// through calibration (Store.SetCalibrationOffset).
type TankConfig struct {
	Height            float64 `yaml:"height"`  // inches, must be positive
	Profile           string  `yaml:"profile"` // bundled profile name, or "linear"
	CalibrationOffset float64 `yaml:"calibration_offset"`
	EmptyLevel        float64 `yaml:"empty_level"`
}

// IntervalsConfig defines loop timing, in seconds.
type IntervalsConfig struct {
	Measurement float64 `yaml:"measurement"`
	Publish     float64 `yaml:"publish"`
	WiFiCheck   float64 `yaml:"wifi_check"`
}

// MeasurementInterval returns the measurement cadence as a duration.
func (i IntervalsConfig) MeasurementInterval() time.Duration {
	return secondsToDuration(i.Measurement)
}

// PublishInterval returns the publish cadence as a duration.
func (i IntervalsConfig) PublishInterval() time.Duration {
	return secondsToDuration(i.Publish)
}

// WiFiCheckInterval returns the network health check cadence as a duration.
func (i IntervalsConfig) WiFiCheckInterval() time.Duration {
	return secondsToDuration(i.WiFiCheck)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// HardwareConfig defines sensor bus pin assignments.
type HardwareConfig struct {
	SDAPin  int `yaml:"sda_pin"`
	SCLPin  int `yaml:"scl_pin"`
	I2CFreq int `yaml:"i2c_freq"`
}

// ThresholdsConfig defines alert levels as fill percentages.
type ThresholdsConfig struct {
	LowLevel  float64 `yaml:"low_level"`
	HighLevel float64 `yaml:"high_level"`
}

// Default returns a configuration pre-filled with defaults. Unmarshal
// over it so absent fields keep their default rather than the zero
// value. In particular mqtt.ssl defaults to on.
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Port:           8883,
			SSL:            true,
			ClientIDPrefix: "tank_monitor",
		},
		Tank: TankConfig{
			Profile: "275_vertical_oval",
		},
		Intervals: IntervalsConfig{
			Measurement: 5,
			Publish:     30,
			WiFiCheck:   300,
		},
		Hardware: HardwareConfig{
			SDAPin:  2,
			SCLPin:  3,
			I2CFreq: 400000,
		},
		Thresholds: ThresholdsConfig{
			LowLevel:  10,
			HighLevel: 95,
		},
	}
}

// placeholders are template values that must be replaced before the
// record validates. Matches the shipped config template.
var placeholders = map[string]bool{
	"YOUR_WIFI_SSID":     true,
	"YOUR_WIFI_PASSWORD": true,
	"YOUR_MQTT_PASSWORD": true,
	"mqtt.example.com":   true,
	"your.mqtt.broker":   true,
}

// Validate checks the record for completeness and internal consistency.
// A failure blocks startup of the monitoring loop but not of the
// recovery console.
func (c *Config) Validate() error {
	missing := func(field string) error {
		return &InvalidError{Reason: field + " not configured"}
	}

	if c.WiFi.SSID == "" || placeholders[c.WiFi.SSID] {
		return missing("wifi.ssid")
	}
	if c.WiFi.Password == "" || placeholders[c.WiFi.Password] {
		return missing("wifi.password")
	}

	if c.MQTT.Broker == "" || placeholders[c.MQTT.Broker] {
		return missing("mqtt.broker")
	}
	if c.MQTT.Username == "" {
		return missing("mqtt.username")
	}
	if c.MQTT.Password == "" || placeholders[c.MQTT.Password] {
		return missing("mqtt.password")
	}
	if !c.MQTT.SSL {
		return &InvalidError{Reason: "transport encryption is required: set mqtt.ssl to true"}
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		return &InvalidError{Reason: fmt.Sprintf("mqtt.port %d out of range", c.MQTT.Port)}
	}

	if c.Tank.Height <= 0 {
		return &InvalidError{Reason: "tank.height must be a positive number of inches"}
	}

	if c.Intervals.Measurement <= 0 {
		return &InvalidError{Reason: "intervals.measurement must be positive"}
	}
	if c.Intervals.Publish < c.Intervals.Measurement {
		return &InvalidError{Reason: "intervals.publish must be at least intervals.measurement"}
	}
	if c.Intervals.WiFiCheck <= 0 {
		return &InvalidError{Reason: "intervals.wifi_check must be positive"}
	}

	if c.Hardware.SDAPin < 0 || c.Hardware.SCLPin < 0 {
		return &InvalidError{Reason: "hardware pins must be non-negative"}
	}

	if c.Thresholds.LowLevel >= c.Thresholds.HighLevel {
		return &InvalidError{Reason: "thresholds.low_level must be below thresholds.high_level"}
	}

	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return &InvalidError{Reason: err.Error()}
		}
	}

	return nil
}
