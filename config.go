package codebroker

import (
	"time"

	"github.com/codebroker/codebroker/approval"
	"github.com/codebroker/codebroker/executor"
	"github.com/codebroker/codebroker/maintenance"
	"github.com/codebroker/codebroker/registry"
)

// Default client configuration values.
const (
	DefaultMaxConcurrent = 4
	DefaultTaskTimeoutMs = 60_000
)

// Config holds configuration for the Client.
type Config struct {
	// InstanceID is a unique identifier for this client instance (optional).
	// If not provided, a UUID will be generated.
	InstanceID string

	// Hostname is the hostname for this instance (optional).
	// If not provided, os.Hostname() is used.
	Hostname string

	// MaxConcurrent is the number of tasks this instance runs at once.
	// Default: 4
	MaxConcurrent int

	// PollInterval is the scheduler's queue scan cadence (optional).
	// Default: 2 seconds
	PollInterval time.Duration

	// HeartbeatInterval is how often to send instance heartbeats (optional).
	// Default: 30 seconds
	HeartbeatInterval time.Duration

	// RescueInterval is how often to scan for orphaned tasks (optional).
	// Default: 1 minute
	RescueInterval time.Duration

	// InstanceTTL is how old an instance heartbeat may be before its running
	// tasks count as orphaned (optional).
	// Default: 2 minutes
	InstanceTTL time.Duration

	// SourceBudget bounds each tool source's compile time during registry
	// builds (optional).
	// Default: 20 seconds
	SourceBudget time.Duration

	// ApprovalPollInterval is the fallback poll cadence for approval waiters
	// (optional).
	// Default: 500 milliseconds
	ApprovalPollInterval time.Duration

	// OnError is called when background operations fail
	OnError func(err error)
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrent:        DefaultMaxConcurrent,
		PollInterval:         executor.DefaultPollInterval,
		HeartbeatInterval:    maintenance.DefaultHeartbeatInterval,
		RescueInterval:       maintenance.DefaultRescueInterval,
		InstanceTTL:          maintenance.DefaultInstanceTTL,
		SourceBudget:         registry.DefaultSourceBudget,
		ApprovalPollInterval: approval.DefaultPollInterval,
	}
}

// applyDefaults fills in default values for zero-valued fields.
func (c *Config) applyDefaults() {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.PollInterval == 0 {
		c.PollInterval = executor.DefaultPollInterval
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = maintenance.DefaultHeartbeatInterval
	}
	if c.RescueInterval == 0 {
		c.RescueInterval = maintenance.DefaultRescueInterval
	}
	if c.InstanceTTL == 0 {
		c.InstanceTTL = maintenance.DefaultInstanceTTL
	}
	if c.SourceBudget == 0 {
		c.SourceBudget = registry.DefaultSourceBudget
	}
	if c.ApprovalPollInterval == 0 {
		c.ApprovalPollInterval = approval.DefaultPollInterval
	}
}

// validate checks the configuration for errors.
func (c *Config) validate() error {
	if c.MaxConcurrent < 1 {
		return ErrInvalidConfig
	}
	if c.InstanceTTL < c.HeartbeatInterval {
		return ErrInvalidConfig
	}
	return nil
}
