package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/codebroker/codebroker/eventlog"
	"github.com/codebroker/codebroker/storage"
	"github.com/codebroker/codebroker/taskstate"
)

// DefaultRescueInterval is how often the rescuer scans for orphaned tasks.
const DefaultRescueInterval = 1 * time.Minute

// RescuerConfig configures the rescuer service.
type RescuerConfig struct {
	// Interval between scans. Default: 1 minute.
	Interval time.Duration

	// StaleAfter is how old an instance heartbeat may be before its running
	// tasks count as orphaned. Default: DefaultInstanceTTL.
	StaleAfter time.Duration

	// OnRescue is called with the number of tasks rescued in one pass.
	OnRescue func(count int)

	// OnError is called for each error during a pass.
	OnError func(err error)
}

// DefaultRescuerConfig returns the default rescuer configuration.
func DefaultRescuerConfig() *RescuerConfig {
	return &RescuerConfig{
		Interval:   DefaultRescueInterval,
		StaleAfter: DefaultInstanceTTL,
	}
}

// RescueResult holds the outcome of one rescue pass.
type RescueResult struct {
	TasksRescued int
	Errors       []error
}

// Rescuer fails running tasks whose claiming instance stopped heartbeating.
// Each rescued task gets a terminal task.failed event, so observers still see
// exactly one terminal event per task. Rescue runs safely on every instance;
// MarkTaskFinished arbitrates when an executor and a rescuer race.
type Rescuer struct {
	store  storage.Store
	events *eventlog.Log
	config *RescuerConfig
	loop   *loop
}

// NewRescuer creates the rescuer service.
func NewRescuer(store storage.Store, events *eventlog.Log, config *RescuerConfig) *Rescuer {
	if config == nil {
		config = DefaultRescuerConfig()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultRescueInterval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultInstanceTTL
	}

	r := &Rescuer{store: store, events: events, config: config}
	r.loop = newLoop(config.Interval, r.pass)
	return r
}

// Start begins scanning in a goroutine. The first scan runs immediately.
func (r *Rescuer) Start(ctx context.Context) error {
	return r.loop.Start(ctx)
}

// Stop stops scanning and waits for the loop to exit.
func (r *Rescuer) Stop(ctx context.Context) error {
	return r.loop.Stop(ctx)
}

// IsRunning reports whether the service is running.
func (r *Rescuer) IsRunning() bool {
	return r.loop.IsRunning()
}

func (r *Rescuer) pass(ctx context.Context) {
	result := r.RunOnce(ctx)

	if r.config.OnRescue != nil && result.TasksRescued > 0 {
		r.config.OnRescue(result.TasksRescued)
	}
	if r.config.OnError != nil {
		for _, err := range result.Errors {
			r.config.OnError(err)
		}
	}
}

// RunOnce performs one rescue pass and returns the result. Callers may use
// it directly for one-off rescues.
func (r *Rescuer) RunOnce(ctx context.Context) *RescueResult {
	result := &RescueResult{}

	orphans, err := r.store.ListOrphanedTasks(ctx, r.config.StaleAfter)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("list orphaned tasks: %w", err))
		return result
	}

	for _, task := range orphans {
		if err := r.rescueTask(ctx, task); err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		result.TasksRescued++
	}
	return result
}

// rescueTask fails one orphaned task and publishes its terminal event.
func (r *Rescuer) rescueTask(ctx context.Context, task *storage.Task) error {
	instance := storage.Deref(task.ClaimedByInstanceID)
	reason := fmt.Sprintf("task orphaned: instance %s stopped heartbeating (%s)", instance, taskstate.ErrorKindOrphan)

	finished, err := r.store.MarkTaskFinished(ctx, &storage.FinishTaskParams{
		TaskID: task.ID,
		Status: taskstate.StatusFailed,
		Error:  storage.Ptr(reason),
	})
	if err != nil {
		return fmt.Errorf("rescue task %s: %w", task.ID, err)
	}
	if finished == nil {
		// Finished by its own executor between the scan and the rescue.
		return nil
	}

	if _, err := r.events.Publish(ctx, finished.ID, eventlog.TaskTerminalPayload{
		Type:        eventlog.TaskFailed,
		TaskID:      finished.ID,
		Status:      string(taskstate.StatusFailed),
		Error:       finished.Error,
		CompletedAt: storage.Deref(finished.CompletedAt),
	}); err != nil {
		return fmt.Errorf("rescue task %s: publish event: %w", task.ID, err)
	}
	return nil
}
