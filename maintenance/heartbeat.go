// Package maintenance holds the background services a broker instance runs
// alongside its executor: the heartbeat that keeps the instance registration
// fresh, and the rescuer that fails running tasks orphaned by instances
// that stopped heartbeating.
package maintenance

import (
	"context"
	"time"

	"github.com/codebroker/codebroker/storage"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultInstanceTTL is how old an instance heartbeat may be before its
	// running tasks count as orphaned. Keep it a few intervals above
	// DefaultHeartbeatInterval so one missed beat does not orphan tasks.
	DefaultInstanceTTL = 2 * time.Minute
)

// HeartbeatConfig configures the heartbeat service.
type HeartbeatConfig struct {
	// Interval between heartbeats. Default: 30 seconds.
	Interval time.Duration

	// OnError is called when a heartbeat fails. Nil ignores errors; the
	// rescuer on other instances picks up the pieces either way.
	OnError func(err error)
}

// DefaultHeartbeatConfig returns the default heartbeat configuration.
func DefaultHeartbeatConfig() *HeartbeatConfig {
	return &HeartbeatConfig{Interval: DefaultHeartbeatInterval}
}

// Heartbeat periodically refreshes an instance's registration so its claimed
// tasks are not rescued as orphans.
type Heartbeat struct {
	store      storage.Store
	instanceID string
	config     *HeartbeatConfig
	loop       *loop
}

// NewHeartbeat creates the heartbeat service for instanceID.
func NewHeartbeat(store storage.Store, instanceID string, config *HeartbeatConfig) *Heartbeat {
	if config == nil {
		config = DefaultHeartbeatConfig()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultHeartbeatInterval
	}

	h := &Heartbeat{store: store, instanceID: instanceID, config: config}
	h.loop = newLoop(config.Interval, h.beat)
	return h
}

// Start begins heartbeating in a goroutine. The first beat is sent
// immediately.
func (h *Heartbeat) Start(ctx context.Context) error {
	return h.loop.Start(ctx)
}

// Stop stops heartbeating and waits for the loop to exit.
func (h *Heartbeat) Stop(ctx context.Context) error {
	return h.loop.Stop(ctx)
}

// IsRunning reports whether the service is running.
func (h *Heartbeat) IsRunning() bool {
	return h.loop.IsRunning()
}

func (h *Heartbeat) beat(ctx context.Context) {
	if err := h.store.HeartbeatInstance(ctx, h.instanceID); err != nil && h.config.OnError != nil {
		h.config.OnError(err)
	}
}
