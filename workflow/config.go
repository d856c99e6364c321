package workflow

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var validate = validator.New()

// EngineConfig holds the tunables of an Engine.
type EngineConfig struct {
	// MaxHops is the CycleGuard ceiling: automatic step advances allowed per call chain.
	MaxHops int `validate:"min=1"`
	// AsyncActions hands ProcessActions continuations to the action queue.
	AsyncActions bool
	// QueueSize and Workers size the queue the engine creates when none is injected.
	QueueSize int `validate:"min=1"`
	Workers   int `validate:"min=1"`
	// LockTTL bounds how long one invocation may hold a state object.
	LockTTL time.Duration `validate:"gt=0"`
	// TimerPollInterval is how often the timer runner looks for due timeouts.
	TimerPollInterval time.Duration `validate:"gt=0"`
	// TimerLockWait is how long a due timeout waits for a state object held elsewhere.
	TimerLockWait time.Duration `validate:"gt=0"`
	// TimerRetryDelay postpones a timeout whose handling failed.
	TimerRetryDelay time.Duration `validate:"gt=0"`
}

// DefaultEngineConfig returns the configuration used when none is given.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxHops:           100,
		QueueSize:         100,
		Workers:           5,
		LockTTL:           5 * time.Minute,
		TimerPollInterval: time.Second,
		TimerLockWait:     10 * time.Second,
		TimerRetryDelay:   30 * time.Second,
	}
}

// Validate checks the configuration.
func (c EngineConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.WithMessage(err, "invalid engine config")
	}
	return nil
}
