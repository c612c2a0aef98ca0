package timer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Timer service errors.
var (
	// ErrStopped indicates the service no longer accepts new tasks.
	ErrStopped = errors.New("timer service stopped")

	// ErrNilTask indicates a nil task was scheduled.
	ErrNilTask = errors.New("timer task is nil")
)

// Task is a deferred callback. It receives the handle it was scheduled
// under so it can observe cancellation that raced with its execution.
type Task func(h Handle)

// Handle refers to one scheduled task.
type Handle interface {
	// Cancel prevents the task from running if it has not started yet.
	// Idempotent and non-blocking: it never waits for a task that is
	// already executing.
	Cancel()

	// IsCancelled reports whether Cancel has been called.
	IsCancelled() bool

	// IsExpired reports whether the task has started executing.
	IsExpired() bool
}

// Service schedules deferred callbacks with cancellation support.
// Implemented by TimerService.
type Service interface {
	// Schedule runs task after delay and returns a cancellable handle.
	// A non-positive delay fires the task as soon as possible.
	Schedule(task Task, delay time.Duration) (Handle, error)

	// Stop cancels all pending tasks and releases resources.
	// Idempotent; intended to be called once at process shutdown.
	Stop()
}

// TimerService is the default Service implementation. Every task is
// handed to the runtime via time.AfterFunc; outstanding handles are
// tracked so Stop can cancel them all.
type TimerService struct {
	mu      sync.Mutex
	pending map[*handle]struct{}
	stopped bool
}

// New creates a timer service ready for use.
func New() *TimerService {
	return &TimerService{
		pending: make(map[*handle]struct{}),
	}
}

// Schedule runs task after delay on a service-owned goroutine.
// Returns ErrStopped after Stop has been called.
func (s *TimerService) Schedule(task Task, delay time.Duration) (Handle, error) {
	if task == nil {
		return nil, ErrNilTask
	}
	if delay < 0 {
		delay = 0
	}

	h := &handle{svc: s}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.pending[h] = struct{}{}
	// Created under the lock so a concurrent Stop cannot miss it.
	h.timer = time.AfterFunc(delay, func() {
		s.fire(h, task)
	})
	s.mu.Unlock()

	return h, nil
}

// Stop cancels every pending task. Safe to call more than once and
// while tasks are executing; running tasks are not waited for.
func (s *TimerService) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	pending := make([]*handle, 0, len(s.pending))
	for h := range s.pending {
		pending = append(pending, h)
	}
	s.pending = nil
	s.mu.Unlock()

	for _, h := range pending {
		h.Cancel()
	}
}

// PendingCount returns the number of tasks awaiting execution.
func (s *TimerService) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// fire runs when a handle's timer elapses.
func (s *TimerService) fire(h *handle, task Task) {
	h.expired.Store(true)

	s.mu.Lock()
	delete(s.pending, h)
	s.mu.Unlock()

	if h.IsCancelled() {
		return
	}
	task(h)
}

// remove drops a cancelled handle from the pending set.
func (s *TimerService) remove(h *handle) {
	s.mu.Lock()
	delete(s.pending, h)
	s.mu.Unlock()
}

// handle implements Handle.
type handle struct {
	svc       *TimerService
	timer     *time.Timer
	cancelled atomic.Bool
	expired   atomic.Bool
}

// Cancel marks the handle cancelled and stops the underlying timer.
func (h *handle) Cancel() {
	if !h.cancelled.CompareAndSwap(false, true) {
		return
	}
	h.timer.Stop()
	h.svc.remove(h)
}

// IsCancelled reports whether Cancel has been called.
func (h *handle) IsCancelled() bool {
	return h.cancelled.Load()
}

// IsExpired reports whether the task has started executing.
func (h *handle) IsExpired() bool {
	return h.expired.Load()
}

// Compile-time interface satisfaction checks.
var (
	_ Service = (*TimerService)(nil)
	_ Handle  = (*handle)(nil)
)
