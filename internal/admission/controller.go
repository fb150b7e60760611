// Package admission bounds how many jobs run at once and queues the overflow.
//
// Acquire either takes a slot immediately, parks the caller in a bounded FIFO
// queue, or fails with a capacity error. A parked caller leaves the queue
// exactly once: promoted by Release, expired by its queue timeout, aborted by
// its context, or rejected by Drain. All transitions happen under one mutex,
// so a promotion racing a timeout or cancellation has a single winner.
package admission

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/mattjoyce/codegate/internal/errs"
)

// Config bounds the controller.
type Config struct {
	MaxConcurrency int
	MaxQueueSize   int
	QueueTimeout   time.Duration
}

// Controller is a counting semaphore with a bounded wait queue.
type Controller struct {
	cfg Config

	mu     sync.Mutex
	active int
	queue  *list.List // of *ticket
	idle   chan struct{}
	closed bool
}

type ticket struct {
	done  chan error // buffered; receives exactly one value
	timer *time.Timer
	elem  *list.Element // nil once the ticket has left the queue
}

// New creates a Controller. Non-positive limits are clamped to 1.
func New(cfg Config) *Controller {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.MaxQueueSize < 0 {
		cfg.MaxQueueSize = 0
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = 30 * time.Second
	}
	idle := make(chan struct{})
	close(idle)
	return &Controller{
		cfg:   cfg,
		queue: list.New(),
		idle:  idle,
	}
}

// Acquire obtains an execution slot, waiting in the queue if none is free.
// A nil return means the caller holds a slot and must call Release exactly once.
// After Drain every call fails.
func (c *Controller) Acquire(ctx context.Context) error {
	if ctx.Err() != nil {
		return errs.New(errs.KindCapacityExceeded, "request was aborted")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errShuttingDown()
	}
	if c.active < c.cfg.MaxConcurrency {
		c.incrementLocked()
		c.mu.Unlock()
		return nil
	}
	if c.queue.Len() >= c.cfg.MaxQueueSize {
		c.mu.Unlock()
		return errs.New(errs.KindCapacityExceeded, "queue full (%d waiting), try again later", c.cfg.MaxQueueSize)
	}

	t := &ticket{done: make(chan error, 1)}
	t.elem = c.queue.PushBack(t)
	timeout := c.cfg.QueueTimeout
	t.timer = time.AfterFunc(timeout, func() {
		c.fail(t, errs.New(errs.KindCapacityExceeded, "queued for %s without capacity, try again later", timeout))
	})
	c.mu.Unlock()

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		c.fail(t, errs.New(errs.KindCapacityExceeded, "request was aborted while queued"))
		// Either our failure or a promotion that won the race.
		return <-t.done
	}
}

// fail removes t from the queue and resolves it with err. It reports false
// when t already left the queue.
func (c *Controller) fail(t *ticket, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolveLocked(t, err)
}

func (c *Controller) resolveLocked(t *ticket, err error) bool {
	if t.elem == nil {
		return false
	}
	c.queue.Remove(t.elem)
	t.elem = nil
	t.timer.Stop()
	t.done <- err
	return true
}

func (c *Controller) incrementLocked() {
	if c.active == 0 {
		c.idle = make(chan struct{})
	}
	c.active++
}

// Release returns a slot. If callers are queued, the oldest one inherits the
// slot and active is unchanged; otherwise active is decremented, never below zero.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if front := c.queue.Front(); front != nil {
		c.resolveLocked(front.Value.(*ticket), nil)
		return
	}
	if c.active == 0 {
		return
	}
	c.active--
	if c.active == 0 {
		close(c.idle)
	}
}

// Drain closes the controller to new callers, rejects every queued caller and
// then waits until no slot is held or timeout elapses, whichever comes first.
func (c *Controller) Drain(timeout time.Duration) {
	c.mu.Lock()
	c.closed = true
	for e := c.queue.Front(); e != nil; {
		next := e.Next()
		c.resolveLocked(e.Value.(*ticket), errShuttingDown())
		e = next
	}
	idle := c.idle
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
	case <-timer.C:
	}
}

func errShuttingDown() error {
	return errs.New(errs.KindCapacityExceeded, "server is shutting down")
}

// Active returns the number of held slots.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// QueueDepth returns the number of parked callers.
func (c *Controller) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}

// MaxConcurrency returns the configured slot count.
func (c *Controller) MaxConcurrency() int { return c.cfg.MaxConcurrency }

// MaxQueueSize returns the configured queue bound.
func (c *Controller) MaxQueueSize() int { return c.cfg.MaxQueueSize }
