package recovery

import "time"

// Config is the recovery controller's tuning (§4.5).
type Config struct {
	MaxAttempts              int
	InitialBackoff           time.Duration
	BackoffFactor            float64
	MaxBackoff               time.Duration
	ConsecutiveIdleThreshold int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.ConsecutiveIdleThreshold <= 0 {
		c.ConsecutiveIdleThreshold = 2
	}
	return c
}

func (c Config) backoffFor(attempt int) time.Duration {
	d := c.InitialBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * c.BackoffFactor)
		if d > c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}
