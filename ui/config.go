package ui

import "log"

const (
	// DefaultPageSize bounds task list responses.
	DefaultPageSize = 25

	// DefaultEventsLimit bounds event feed responses.
	DefaultEventsLimit = 200
)

// Config holds the reviewer surface configuration.
type Config struct {
	// WorkspaceID pins the surface to a single workspace. When empty the
	// workspace is taken from the "workspace" query parameter, for
	// deployments mounting one handler across tenants.
	WorkspaceID string

	// ReadOnly disables approve and deny. Monitoring deployments set this.
	ReadOnly bool

	// Logger receives panic reports. Nil disables logging.
	Logger *log.Logger

	// PageSize for list endpoints. Default: DefaultPageSize.
	PageSize int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{PageSize: DefaultPageSize}
}

func (c *Config) applyDefaults() {
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
}

func (c *Config) validate() error {
	if c.PageSize < 1 {
		return ErrInvalidConfig
	}
	return nil
}
