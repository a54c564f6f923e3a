// Package boot tracks boot attempts across restarts and decides when
// the device has failed enough times to stop retrying and hand control
// to a human. The record survives crashes via atomic replace-on-write;
// a missing or corrupt record never blocks a boot.
package boot

import (
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/rwolfe/tankmon/internal/atomicfile"
)

// Record is the persisted boot state. AttemptCount counts consecutive
// boots since the last fully successful cycle; LastFailure is the
// reason the most recent failed boot gave up, which is what the
// recovery console operator reads after the attempts run out; BootID
// identifies the current boot session in logs and telemetry.
type Record struct {
	AttemptCount  int       `json:"attempt_count"`
	LastFailure   string    `json:"last_failure,omitempty"`
	LastFailureAt time.Time `json:"last_failure_at"`
	LastSuccess   time.Time `json:"last_success"`
	BootID        string    `json:"boot_id"`
}

// RecordStore persists the boot record as JSON at a fixed path.
type RecordStore struct {
	path   string
	logger *slog.Logger
}

// NewRecordStore creates a store backed by path.
func NewRecordStore(path string, logger *slog.Logger) *RecordStore {
	return &RecordStore{path: path, logger: logger}
}

// Path returns the backing file path.
func (s *RecordStore) Path() string { return s.path }

// Load reads the record. A missing file is a fresh device and a
// corrupt file is treated the same way: both return the zero record,
// because refusing to boot over bookkeeping defeats the point.
func (s *RecordStore) Load() Record {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("boot record unreadable, starting fresh", "path", s.path, "error", err)
		}
		return Record{}
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		s.logger.Warn("boot record corrupt, starting fresh", "path", s.path, "error", err)
		return Record{}
	}
	return r
}

// Save writes the record atomically.
func (s *RecordStore) Save(r Record) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(s.path, append(data, '\n'), 0o600)
}
