package limiter

import (
	"fmt"
	"math"
	"time"
)

// DefaultKeyPrefix is prepended to every identity to form its bucket key.
const DefaultKeyPrefix = "rate:"

// Config holds the limits of a single limiter.
type Config struct {
	Capacity      float64 `yaml:"capacity"`       // max tokens a bucket holds
	WindowSeconds float64 `yaml:"window_seconds"` // seconds to regenerate Capacity tokens
}

// Validate checks that both limits are positive and finite.
func (c Config) Validate() error {
	if !(c.Capacity > 0) || math.IsInf(c.Capacity, 0) {
		return fmt.Errorf("%w: capacity must be positive and finite, got %v", ErrInvalidConfig, c.Capacity)
	}
	if !(c.WindowSeconds > 0) || math.IsInf(c.WindowSeconds, 0) {
		return fmt.Errorf("%w: window must be positive and finite, got %v", ErrInvalidConfig, c.WindowSeconds)
	}
	return nil
}

// RefillRate returns the number of tokens regenerated per second.
func (c Config) RefillRate() float64 {
	return c.Capacity / c.WindowSeconds
}

// Window returns the refill window as a duration.
func (c Config) Window() time.Duration {
	return time.Duration(c.WindowSeconds * float64(time.Second))
}

// defaultTTL is how long an untouched bucket is kept. After one full window a
// bucket is full again, which is the same as having no state at all.
func (c Config) defaultTTL() time.Duration {
	ttl := c.Window().Round(time.Millisecond)
	if ttl < c.Window() {
		ttl += time.Millisecond
	}
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	return ttl
}
