package admission

import "sync"

// Controller is a non-blocking counting semaphore over synthesis slots.
// Callers never wait: they either get the slots now or a definitive false.
type Controller struct {
	mu     sync.Mutex
	active int
	max    int
}

func New(max int) *Controller {
	if max < 0 {
		max = 0
	}
	return &Controller{max: max}
}

// TryAcquire reserves n slots iff the controller is not saturated and
// active+n stays within max. Partial grants never happen.
func (c *Controller) TryAcquire(n int) bool {
	if n <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active >= c.max || c.active+n > c.max {
		return false
	}
	c.active += n
	return true
}

// Release returns n slots. Over-release is rejected and leaves state unchanged.
func (c *Controller) Release(n int) bool {
	if n <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active-n < 0 {
		return false
	}
	c.active -= n
	return true
}

func (c *Controller) FreeCapacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max - c.active
}

func (c *Controller) HasCapacity() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active < c.max
}

// Working reports whether any acquired capacity is still unreleased.
func (c *Controller) Working() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active > 0
}

func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

