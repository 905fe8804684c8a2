package store

import "time"

// config carries the backend-independent tunables every store honors.
type config struct {
	window  GCWindow
	lockTTL time.Duration
}

func defaultConfig() config {
	return config{
		window:  GCWindow{}.normalize(),
		lockTTL: DefaultLockTTL,
	}
}

// Option tunes a store at construction time.
type Option func(*config)

// WithGCWindow overrides the liveness window used by GetLostWorkflows.
// Zero fields keep their environment-derived defaults.
func WithGCWindow(w GCWindow) Option {
	return func(c *config) {
		c.window = w.normalize()
	}
}

// WithLockTTL overrides how long an acquired workflow lock remains valid.
func WithLockTTL(ttl time.Duration) Option {
	return func(c *config) {
		if ttl > 0 {
			c.lockTTL = ttl
		}
	}
}
