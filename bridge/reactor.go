package bridge

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Reactor is the single goroutine on which every engine interaction and core
// state change happens. Other goroutines only schedule functions onto it.
type Reactor struct {
	mu      sync.Mutex
	tasks   []task
	stopped bool
	wake    chan struct{}
	stopCh  chan struct{}
	stopOne sync.Once
}

// task is a queued function. fail, when set, runs instead if Stop drops the task.
type task struct {
	run  func()
	fail func()
}

// runBatchLimit bounds how many batches Run executes between wakeups.
const runBatchLimit = 64

// NewReactor returns a reactor that is not yet running. Tests drive it with
// RunPending; services call Run in a dedicated goroutine.
func NewReactor() *Reactor {
	return &Reactor{
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Schedule appends fn to the task queue. It returns false once the reactor stopped.
func (r *Reactor) Schedule(fn func()) bool {
	return r.ScheduleOrFail(fn, nil)
}

// ScheduleOrFail is Schedule for tasks that owe a completion. If Stop drops
// the task before it runs, fail is called on the goroutine calling Stop.
func (r *Reactor) ScheduleOrFail(fn, fail func()) bool {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return false
	}
	r.tasks = append(r.tasks, task{run: fn, fail: fail})
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

// RunPending executes the tasks queued so far and returns how many ran.
// The queue is swapped under the lock and run without it, so a task may
// schedule further tasks; those run in the next batch.
func (r *Reactor) RunPending() int {
	r.mu.Lock()
	batch := r.tasks
	r.tasks = nil
	r.mu.Unlock()

	for _, t := range batch {
		r.runTask(t.run)
	}
	return len(batch)
}

// Drain runs batches until the queue is empty or limit batches ran.
func (r *Reactor) Drain(limit int) int {
	total := 0
	for i := 0; i < limit; i++ {
		n := r.RunPending()
		if n == 0 {
			break
		}
		total += n
	}
	return total
}

func (r *Reactor) runTask(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("[reactor] task panicked")
		}
	}()
	fn()
}

// Run executes tasks until ctx is done or Stop is called.
func (r *Reactor) Run(ctx context.Context) error {
	for {
		r.Drain(runBatchLimit)
		select {
		case <-r.wake:
		case <-r.stopCh:
			return nil
		case <-ctx.Done():
			r.Stop()
			return ctx.Err()
		}
	}
}

// Do schedules fn and waits for it to finish. It must not be called from the
// reactor goroutine.
func (r *Reactor) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !r.Schedule(func() {
		defer close(done)
		fn()
	}) {
		return ErrReactorStopped
	}
	select {
	case <-done:
		return nil
	case <-r.stopCh:
		return ErrReactorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drops pending tasks and refuses new ones. Dropped tasks queued with
// ScheduleOrFail have their fail function called before Stop returns.
func (r *Reactor) Stop() {
	r.stopOne.Do(func() {
		r.mu.Lock()
		r.stopped = true
		dropped := r.tasks
		r.tasks = nil
		r.mu.Unlock()
		close(r.stopCh)

		for _, t := range dropped {
			if t.fail != nil {
				r.runTask(t.fail)
			}
		}
	})
}

// Stopped reports whether Stop was called.
func (r *Reactor) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}
