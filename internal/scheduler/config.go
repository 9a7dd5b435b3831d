package scheduler

import (
	"time"
)

// Config controls worker counts, retry backoff and the polling cadence
// re-evaluation interval.
type Config struct {
	WorkerCount int
	QueueSize   int

	TickInterval time.Duration
	JobTimeout   time.Duration

	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration

	// FailureCeiling is the number of consecutive transient failures
	// after which a job is parked for operator attention.
	FailureCeiling int
}

func DefaultConfig() Config {
	return Config{
		WorkerCount:       4,
		QueueSize:         256,
		TickInterval:      30 * time.Second,
		JobTimeout:        2 * time.Minute,
		BackoffBase:       5 * time.Second,
		BackoffMultiplier: 2,
		BackoffMax:        10 * time.Minute,
		FailureCeiling:    5,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.WorkerCount <= 0 {
		c.WorkerCount = defaults.WorkerCount
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaults.QueueSize
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaults.TickInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaults.BackoffBase
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaults.BackoffMax
	}
	if c.FailureCeiling <= 0 {
		c.FailureCeiling = defaults.FailureCeiling
	}
	return c
}
