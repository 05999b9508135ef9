package maintenance

import (
	"context"
	"sync/atomic"
	"time"
)

// loop runs a pass immediately on start and then on every tick until
// stopped. Both maintenance services are thin shells around it.
type loop struct {
	interval time.Duration
	pass     func(ctx context.Context)

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

func newLoop(interval time.Duration, pass func(ctx context.Context)) *loop {
	return &loop{interval: interval, pass: pass}
}

func (l *loop) Start(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	l.done = make(chan struct{})
	ctx, l.cancel = context.WithCancel(ctx)
	go l.run(ctx)
	return nil
}

func (l *loop) Stop(ctx context.Context) error {
	if !l.started.Load() {
		return ErrNotStarted
	}

	l.cancel()
	<-l.done

	l.started.Store(false)
	return nil
}

func (l *loop) IsRunning() bool {
	return l.started.Load()
}

func (l *loop) run(ctx context.Context) {
	defer close(l.done)

	l.pass(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.pass(ctx)
		}
	}
}
