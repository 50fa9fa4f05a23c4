package health

import (
	"log"
	"sync"
	"time"
)

// Cooldown is a component-local suppression window. It expires on its own once the
// deadline passes; setting a shorter cooldown never shortens an active one.
type Cooldown struct {
	mu    sync.RWMutex
	until time.Time
	now   func() time.Time
	name  string
}

// NewCooldown creates an inactive cooldown
func NewCooldown(name string) *Cooldown {
	return &Cooldown{name: name, now: time.Now}
}

// SetCooldown puts the component into cooldown for at least duration
func (c *Cooldown) SetCooldown(duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	until := c.now().Add(duration)
	if until.After(c.until) {
		c.until = until
	}

	log.Printf("[HEALTH] %s in COOLDOWN until %s", c.name, c.until.Format(time.RFC3339))
}

// IsInCooldown reports whether the deadline is still in the future
func (c *Cooldown) IsInCooldown() bool {
	return c.Remaining() > 0
}

// Remaining returns how long the cooldown still lasts, zero when inactive
func (c *Cooldown) Remaining() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.until.IsZero() {
		return 0
	}
	remaining := c.until.Sub(c.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}
