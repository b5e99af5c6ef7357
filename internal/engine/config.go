package engine

import (
	"time"

	"github.com/campuspay/fulfillment/internal/config"
)

// Config controls background loop cadences and batch sizes.
type Config struct {
	DrainInterval       time.Duration
	DrainBatchSize      int
	SweepInterval       time.Duration
	VerificationTimeout time.Duration
	ReconnectInterval   time.Duration
	ArchiveInterval     time.Duration
	RetentionDays       int
	StatsInterval       time.Duration
	JobTimeout          time.Duration
}

func DefaultConfig() Config {
	return Config{
		DrainInterval:       5 * time.Second,
		DrainBatchSize:      50,
		SweepInterval:       10 * time.Second,
		VerificationTimeout: 5 * time.Minute,
		ReconnectInterval:   5 * time.Second,
		ArchiveInterval:     24 * time.Hour,
		RetentionDays:       90,
		StatsInterval:       15 * time.Second,
		JobTimeout:          30 * time.Second,
	}
}

// ProvideConfig maps the application engine settings onto loop config.
func ProvideConfig(cfg config.Config) Config {
	return Config{
		DrainInterval:       cfg.Engine.DrainInterval,
		DrainBatchSize:      cfg.Engine.DrainBatchSize,
		SweepInterval:       cfg.Engine.SweepInterval,
		VerificationTimeout: cfg.Engine.VerificationTimeout,
		ReconnectInterval:   cfg.Engine.ReconnectInterval,
		ArchiveInterval:     cfg.Engine.ArchiveInterval,
		RetentionDays:       cfg.Engine.RetentionDays,
		JobTimeout:          cfg.Engine.JobTimeout,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.DrainInterval <= 0 {
		c.DrainInterval = defaults.DrainInterval
	}
	if c.DrainBatchSize <= 0 {
		c.DrainBatchSize = defaults.DrainBatchSize
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.VerificationTimeout <= 0 {
		c.VerificationTimeout = defaults.VerificationTimeout
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = defaults.ReconnectInterval
	}
	if c.ArchiveInterval <= 0 {
		c.ArchiveInterval = defaults.ArchiveInterval
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = defaults.RetentionDays
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = defaults.StatsInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
