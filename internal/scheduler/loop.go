// Package scheduler runs simulation work on a single goroutine and hands
// out cancellable frame requests paced at a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/musthaq16/zone-drive-simulator/internal/simulator"
)

// DefaultInterval is the nominal display refresh period.
const DefaultInterval = 16 * time.Millisecond

var ErrStopped = errors.New("loop stopped")

// Loop executes posted functions one at a time, in order, on the goroutine
// that calls Run.
type Loop struct {
	interval time.Duration
	work     chan func()
	done     chan struct{}
	started  atomic.Bool
}

func NewLoop(interval time.Duration) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{
		interval: interval,
		work:     make(chan func(), 64),
		done:     make(chan struct{}),
	}
}

func (l *Loop) Interval() time.Duration { return l.interval }

// Run processes work until ctx is cancelled. It may only be called once.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.New("loop already running")
	}
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-l.work:
			fn()
		}
	}
}

// Post queues fn. It reports false once the loop has exited.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.work <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Call runs fn on the loop goroutine and waits for its result.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !l.Post(func() { result <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-result:
		return err
	case <-l.done:
		// The loop may have run fn just before exiting.
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

type frame struct {
	timer     *time.Timer
	cancelled atomic.Bool
}

func (f *frame) Cancel() {
	f.cancelled.Store(true)
	f.timer.Stop()
}

// ScheduleNextTick arranges for cb to run on the loop after one interval.
// A frame cancelled after its timer fired but before cb ran is skipped.
func (l *Loop) ScheduleNextTick(cb func()) simulator.Handle {
	f := &frame{}
	f.timer = time.AfterFunc(l.interval, func() {
		l.Post(func() {
			if !f.cancelled.Load() {
				cb()
			}
		})
	})
	return f
}
