package scheduler

import "time"

const (
	JobRefundReconcile   = "refund_reconcile"
	JobStaleTaskRecovery = "stale_task_recovery"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval  time.Duration
	BatchSize    int
	JobTimeout   time.Duration
	LeaseTTL     time.Duration
	EnabledJobs  []string
	LeaseKeyBase string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:  time.Minute,
		BatchSize:    50,
		JobTimeout:   30 * time.Second,
		LeaseTTL:     45 * time.Second,
		LeaseKeyBase: "marketpulse:scheduler:lease",
	}
}

func ProvideConfig() Config {
	return DefaultConfig()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaults.LeaseTTL
	}
	if c.LeaseKeyBase == "" {
		c.LeaseKeyBase = defaults.LeaseKeyBase
	}
	return c
}
