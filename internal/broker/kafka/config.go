// Package kafka implements the broker consumer, lag inspector and producers
// on franz-go.
package kafka

import "time"

// ClientConfig holds the connection settings shared by consumers,
// producers and the admin client.
type ClientConfig struct {
	Brokers        []string
	GroupID        string
	PollTimeout    time.Duration
	MaxPollRecords int
	// MaxPending pauses a partition holding this many uncommitted records.
	MaxPending int
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 500 * time.Millisecond
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 100
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 1000
	}
	return c
}
