package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rwolfe/tankmon/internal/atomicfile"
	"github.com/rwolfe/tankmon/internal/secret"
)

// secretField names a config field that holds a sealed credential.
type secretField struct {
	name string
	get  func(*Config) string
	set  func(*Config, string)
}

var secretFields = []secretField{
	{
		name: "wifi.password",
		get:  func(c *Config) string { return c.WiFi.Password },
		set:  func(c *Config, v string) { c.WiFi.Password = v },
	},
	{
		name: "mqtt.password",
		get:  func(c *Config) string { return c.MQTT.Password },
		set:  func(c *Config, v string) { c.MQTT.Password = v },
	},
}

// Store owns the persisted configuration record. It decrypts credentials
// on demand (plaintext never lives in the record itself) and guards the
// one permitted runtime mutation behind a single-writer section.
type Store struct {
	mu     sync.Mutex
	path   string
	cipher *secret.Cipher
	logger *slog.Logger

	cfg            *Config
	secretFailures []*SecretUnrecoverableError
}

// Open reads, validates, and, when needed, migrates the configuration
// at path. Plaintext secrets are sealed in place and the file rewritten
// atomically: temp file, round-trip decrypt verification, rename. A
// record that is already fully sealed is left byte-identical, so the
// migration is idempotent.
//
// Sealed fields that cannot be opened on this device are recorded (see
// SecretFailures) rather than failing Open: the migration path must
// survive a corrupt secret so the boot controller can decide what to do.
func Open(path string, cipher *secret.Cipher, logger *slog.Logger) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, &StorageError{Op: "read", Path: path, Err: err}
	}

	// Expand environment variables before parsing so values like
	// ${TANKMON_MQTT_PASSWORD} can come from the unit environment.
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, &InvalidError{Reason: "parse: " + err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Store{
		path:   path,
		cipher: cipher,
		logger: logger,
		cfg:    cfg,
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// migrate seals any plaintext secret fields and rewrites the record.
// Called once from Open; the store is not yet shared.
func (s *Store) migrate() error {
	migrated := map[string]string{} // field name -> original plaintext
	for _, f := range secretFields {
		stored := f.get(s.cfg)
		if stored == "" {
			continue
		}

		if !secret.IsSealed(stored) {
			sealed, err := s.cipher.Seal(stored)
			if err != nil {
				return fmt.Errorf("seal %s: %w", f.name, err)
			}
			f.set(s.cfg, sealed)
			migrated[f.name] = stored
			s.logger.Info("migrating plaintext secret to sealed form", "field", f.name)
			continue
		}

		// Already sealed: confirm it opens on this device. A failure is
		// recorded, not fatal. The field is treated as absent and the
		// boot controller decides how to proceed.
		if _, err := s.cipher.Open(stored); err != nil {
			fail := &SecretUnrecoverableError{Field: f.name, Err: err}
			s.secretFailures = append(s.secretFailures, fail)
			s.logger.Error("stored secret is unrecoverable on this device", "field", f.name)
		}
	}

	if len(migrated) == 0 {
		return nil
	}

	data, err := yaml.Marshal(s.cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	// Verify the rewrite by reading the temp file back and round-trip
	// decrypting every migrated field before the swap. Storage is never
	// left half-migrated.
	verify := func(written []byte) error {
		check := Default()
		if err := yaml.Unmarshal(written, check); err != nil {
			return fmt.Errorf("reparse: %w", err)
		}
		for _, f := range secretFields {
			want, ok := migrated[f.name]
			if !ok {
				continue
			}
			got, err := s.cipher.Open(f.get(check))
			if err != nil {
				return fmt.Errorf("round-trip %s: %w", f.name, err)
			}
			if got != want {
				return fmt.Errorf("round-trip %s: plaintext mismatch", f.name)
			}
		}
		return nil
	}

	if err := atomicfile.WriteFileVerify(s.path, data, 0600, verify); err != nil {
		return &StorageError{Op: "migrate", Path: s.path, Err: err}
	}
	s.logger.Info("secret migration complete", "fields", len(migrated))
	return nil
}

// Path returns the location of the persisted record.
func (s *Store) Path() string { return s.path }

// Config returns a copy of the in-memory record.
func (s *Store) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.cfg
}

// SecretFailures returns the sealed fields that could not be opened on
// this device during load, in field order. Empty when all secrets are
// recoverable.
func (s *Store) SecretFailures() []*SecretUnrecoverableError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*SecretUnrecoverableError(nil), s.secretFailures...)
}

// WiFiCredentials decrypts and returns the network association
// credentials. The plaintext is intended as a short-lived buffer for a
// single connection attempt; callers must not retain or log it.
func (s *Store) WiFiCredentials() (ssid, password string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	password, err = s.cipher.Open(s.cfg.WiFi.Password)
	if err != nil {
		return "", "", &SecretUnrecoverableError{Field: "wifi.password", Err: err}
	}
	return s.cfg.WiFi.SSID, password, nil
}

// BusCredentials decrypts and returns the message bus credentials,
// under the same short-lived-buffer contract as WiFiCredentials.
func (s *Store) BusCredentials() (username, password string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	password, err = s.cipher.Open(s.cfg.MQTT.Password)
	if err != nil {
		return "", "", &SecretUnrecoverableError{Field: "mqtt.password", Err: err}
	}
	return s.cfg.MQTT.Username, password, nil
}

// SetCalibrationOffset is the only runtime mutator. It performs a full
// read-modify-write of the persisted record under the store lock so it
// cannot interleave with any other writer, then updates the in-memory
// record.
func (s *Store) SetCalibrationOffset(offset float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return &StorageError{Op: "read", Path: s.path, Err: err}
	}

	onDisk := Default()
	if err := yaml.Unmarshal(data, onDisk); err != nil {
		return &InvalidError{Reason: "parse: " + err.Error()}
	}
	onDisk.Tank.CalibrationOffset = offset

	out, err := yaml.Marshal(onDisk)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := atomicfile.WriteFile(s.path, out, 0600); err != nil {
		return &StorageError{Op: "write", Path: s.path, Err: err}
	}

	s.cfg.Tank.CalibrationOffset = offset
	s.logger.Info("calibration offset updated", "offset", offset)
	return nil
}
