package boot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxAttempts is how many consecutive failed boots are
	// tolerated before the controller demands recovery mode.
	DefaultMaxAttempts = 3

	// DefaultRestartCooldown is the minimum gap between the start of
	// this process and a controlled restart, so a crash loop cannot
	// spin faster than a human can intervene.
	DefaultRestartCooldown = 60 * time.Second
)

// Config tunes the controller. Zero fields take defaults; the function
// fields exist so tests control time and never kill the test process.
type Config struct {
	MaxAttempts     int
	RestartCooldown time.Duration

	Now     func() time.Time
	Sleep   func(time.Duration)
	Restart func()
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RestartCooldown <= 0 {
		c.RestartCooldown = DefaultRestartCooldown
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Sleep == nil {
		c.Sleep = time.Sleep
	}
	if c.Restart == nil {
		// Under systemd with Restart=on-failure a non-zero exit is the
		// moral equivalent of machine reset.
		c.Restart = func() { os.Exit(1) }
	}
	return c
}

// Controller drives the boot attempt protocol: count the attempt
// before risky init, demand recovery after too many failures, reset
// the counter only after a complete measurement and publish cycle.
type Controller struct {
	store  *RecordStore
	cfg    Config
	logger *slog.Logger

	rec       Record
	startedAt time.Time
}

// NewController creates a controller over the record store.
func NewController(store *RecordStore, cfg Config, logger *slog.Logger) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		store:     store,
		cfg:       cfg,
		logger:    logger,
		startedAt: cfg.Now(),
	}
}

// Record returns the current in-memory boot record.
func (c *Controller) Record() Record { return c.rec }

// Begin registers this boot attempt. The incremented count is
// persisted BEFORE any risky initialization runs, so a hang or crash
// during init still shows up in the next boot's count. It reports
// whether the device has exhausted its attempts and must enter
// recovery mode; the counter is deliberately not reset on that path.
func (c *Controller) Begin() (Record, bool, error) {
	c.rec = c.store.Load()
	c.rec.AttemptCount++
	c.rec.BootID = uuid.NewString()

	if err := c.store.Save(c.rec); err != nil {
		return c.rec, false, fmt.Errorf("persist boot attempt: %w", err)
	}

	recovery := c.rec.AttemptCount > c.cfg.MaxAttempts
	if recovery {
		c.logger.Error("boot attempts exhausted",
			"attempt", c.rec.AttemptCount,
			"max", c.cfg.MaxAttempts,
			"last_failure", c.rec.LastFailure,
			"boot_id", c.rec.BootID,
		)
	} else {
		c.logger.Info("boot attempt",
			"attempt", c.rec.AttemptCount,
			"max", c.cfg.MaxAttempts,
			"boot_id", c.rec.BootID,
		)
	}
	return c.rec, recovery, nil
}

// MarkSuccess resets the attempt counter after the first complete
// measurement and publish cycle. Reaching the loop is not enough; only
// proven end-to-end operation counts.
func (c *Controller) MarkSuccess() error {
	c.rec.AttemptCount = 0
	c.rec.LastSuccess = c.cfg.Now()
	if err := c.store.Save(c.rec); err != nil {
		return fmt.Errorf("persist boot success: %w", err)
	}
	c.logger.Info("boot marked successful", "boot_id", c.rec.BootID)
	return nil
}

// ResetAttempts zeroes the attempt counter without stamping a
// success. Used by the recovery console so an operator-requested
// restart gets a fresh set of attempts instead of bouncing straight
// back into recovery.
func (c *Controller) ResetAttempts() error {
	c.rec.AttemptCount = 0
	if err := c.store.Save(c.rec); err != nil {
		return fmt.Errorf("persist attempt reset: %w", err)
	}
	c.logger.Info("boot attempt counter reset")
	return nil
}

// MarkFailure records a failed boot. The attempt count was already
// bumped by Begin; this stamps the reason and the failure time so the
// next boot (and the recovery console) can report why the last one
// died.
func (c *Controller) MarkFailure(reason string) error {
	c.rec.LastFailure = reason
	c.rec.LastFailureAt = c.cfg.Now()
	if err := c.store.Save(c.rec); err != nil {
		return fmt.Errorf("persist boot failure: %w", err)
	}
	c.logger.Error("boot failed", "reason", reason, "attempt", c.rec.AttemptCount)
	return nil
}

// RequestRestart performs a controlled restart, first waiting out the
// remainder of the cooldown window measured from process start. It
// does not return.
func (c *Controller) RequestRestart(reason string) {
	elapsed := c.cfg.Now().Sub(c.startedAt)
	if wait := c.cfg.RestartCooldown - elapsed; wait > 0 {
		c.logger.Warn("restart requested, waiting out cooldown",
			"reason", reason, "wait", wait.String())
		c.cfg.Sleep(wait)
	} else {
		c.logger.Warn("restart requested", "reason", reason)
	}
	c.cfg.Restart()
}

// Protect runs fn with panic containment. A panic is converted into an
// error and recorded as a boot failure instead of escaping the
// process, which would bypass the attempt bookkeeping.
func (c *Controller) Protect(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			if merr := c.MarkFailure(err.Error()); merr != nil {
				c.logger.Error("record panic failure", "error", merr)
			}
		}
	}()
	return fn(ctx)
}
