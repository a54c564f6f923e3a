package config

import (
	"errors"
	"fmt"

	"github.com/rwolfe/tankmon/internal/secret"
)

// ErrNotFound is returned when no configuration file exists at any
// search path.
var ErrNotFound = errors.New("config file not found")

// InvalidError reports a configuration record that fails validation.
// It blocks the monitoring loop (the boot controller counts it as a
// boot failure) but not the recovery console.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string {
	return "invalid configuration: " + e.Reason
}

// SecretUnrecoverableError reports a sealed field that cannot be opened
// on this device (wrong device, corrupted tag). The field name lets the
// operator know which credential to re-enter.
type SecretUnrecoverableError struct {
	Field string
	Err   error
}

func (e *SecretUnrecoverableError) Error() string {
	return fmt.Sprintf("secret %s: %v", e.Field, e.Err)
}

func (e *SecretUnrecoverableError) Unwrap() error { return e.Err }

// IsSecretUnrecoverable reports whether err stems from an unopenable
// sealed value.
func IsSecretUnrecoverable(err error) bool {
	return errors.Is(err, secret.ErrUnrecoverable)
}

// StorageError wraps an I/O failure against persisted storage.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("config storage: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
