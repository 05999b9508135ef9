package executor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/codebroker/codebroker/storage"
)

// DefaultPollInterval is the fallback cadence for scanning the queue when
// no notification arrives.
const DefaultPollInterval = 2 * time.Second

// Scheduler feeds queued tasks to the executor. It wakes on task-queued
// notifications when the store supports them and polls otherwise; claims
// are bounded by a concurrency limit.
type Scheduler struct {
	store         storage.Store
	executor      *Executor
	logger        *log.Logger
	pollInterval  time.Duration
	maxConcurrent int

	triggerCh chan struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the logger; silent by default.
func WithSchedulerLogger(logger *log.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// WithPollInterval overrides the queue scan cadence.
func WithPollInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.pollInterval = d }
}

// NewScheduler creates a scheduler running at most maxConcurrent tasks.
func NewScheduler(store storage.Store, exec *Executor, maxConcurrent int, opts ...SchedulerOption) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	s := &Scheduler{
		store:         store,
		executor:      exec,
		pollInterval:  DefaultPollInterval,
		maxConcurrent: maxConcurrent,
		triggerCh:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Trigger wakes the scheduler immediately. Coalesces when one is pending.
func (s *Scheduler) Trigger() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// Run processes the queue until the context is cancelled. It blocks; run
// it in its own goroutine. In-flight tasks are waited for on shutdown.
func (s *Scheduler) Run(ctx context.Context) {
	notifyCtx, cancelNotify := context.WithCancel(ctx)
	defer cancelNotify()
	go s.listenQueued(notifyCtx)

	sem := make(chan struct{}, s.maxConcurrent)
	var wg sync.WaitGroup

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-s.triggerCh:
		case <-ticker.C:
		}
		s.claimBatch(ctx, sem, &wg)
	}
}

// claimBatch starts queued tasks up to the free concurrency slots.
func (s *Scheduler) claimBatch(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	free := s.maxConcurrent - len(sem)
	if free <= 0 {
		return
	}

	tasks, err := s.store.ListQueuedTasks(ctx, free)
	if err != nil {
		s.logf("scheduler: list queued tasks: %v", err)
		return
	}

	for _, task := range tasks {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		wg.Add(1)
		go func(task *storage.Task) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.executor.Run(ctx, task.ID); err != nil {
				s.logf("scheduler: run task %s: %v", task.ID, err)
			}
		}(task)
	}
}

// listenQueued converts task-queued notifications into triggers. Stores
// without notify support leave the poll ticker as the only wakeup.
func (s *Scheduler) listenQueued(ctx context.Context) {
	notifying, ok := s.store.(storage.NotifyingStore)
	if !ok {
		return
	}

	for ctx.Err() == nil {
		if err := s.consumeQueued(ctx, notifying); err != nil && ctx.Err() == nil {
			s.logf("scheduler: listener error, reconnecting: %v", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Scheduler) consumeQueued(ctx context.Context, store storage.NotifyingStore) error {
	listener, err := store.GetListener(ctx)
	if err != nil {
		return err
	}
	defer listener.Close(context.Background())

	if err := listener.Listen(ctx, storage.ChannelTaskQueued); err != nil {
		return err
	}

	for {
		if _, err := listener.WaitForNotification(ctx); err != nil {
			return err
		}
		s.Trigger()
	}
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
