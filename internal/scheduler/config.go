// Package scheduler drives the once-per-second clock tick and the snapshot
// poll of a tracker session.
package scheduler

import "time"

// Config defines the scheduler configuration.
type Config struct {
	// TickInterval is how often running clocks advance on screen.
	TickInterval time.Duration
	// PollInterval is the pause between the end of one refresh and the start
	// of the next.
	PollInterval time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		TickInterval: time.Second,
		PollInterval: 5 * time.Second,
	}
}
