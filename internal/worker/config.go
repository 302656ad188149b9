// Package worker runs health-check jobs in the background, fed by Pub/Sub
// messages or a local ticker.
package worker

import (
	"os"
	"strconv"
	"time"
)

// Job types accepted on the subscription.
const (
	// JobHealthCheck runs one cycle, served from the cache while fresh.
	JobHealthCheck = "health_check"

	// JobHealthRefresh empties the cache first, forcing a new cycle.
	JobHealthRefresh = "health_refresh"
)

// Message is the JSON body of a job message.
type Message struct {
	JobType     string `json:"job_type"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// JobConfig holds configuration for the check job.
type JobConfig struct {
	// Timeout bounds how long a job waits for a cycle to finish.
	// Default: 2 minutes
	Timeout time.Duration

	// Interval is the period of the local scheduler used when no
	// subscription is configured.
	// Default: 5 minutes
	Interval time.Duration
}

// DefaultJobConfig returns the default job configuration.
func DefaultJobConfig() JobConfig {
	return JobConfig{
		Timeout:  2 * time.Minute,
		Interval: 5 * time.Minute,
	}
}

func (c JobConfig) withDefaults() JobConfig {
	def := DefaultJobConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	return c
}

// SubscriptionConfig identifies the Pub/Sub subscription to consume.
type SubscriptionConfig struct {
	ProjectID        string
	SubscriptionName string

	// MaxOutstandingMessages bounds concurrent deliveries.
	// Default: 4
	MaxOutstandingMessages int
}

// Enabled reports whether a subscription is configured.
func (c SubscriptionConfig) Enabled() bool {
	return c.ProjectID != "" && c.SubscriptionName != ""
}

// SubscriptionConfigFromEnv reads PUBSUB_PROJECT_ID, PUBSUB_SUBSCRIPTION and
// PUBSUB_MAX_OUTSTANDING.
func SubscriptionConfigFromEnv() SubscriptionConfig {
	cfg := SubscriptionConfig{
		ProjectID:              os.Getenv("PUBSUB_PROJECT_ID"),
		SubscriptionName:       os.Getenv("PUBSUB_SUBSCRIPTION"),
		MaxOutstandingMessages: 4,
	}
	if v, err := strconv.Atoi(os.Getenv("PUBSUB_MAX_OUTSTANDING")); err == nil && v > 0 {
		cfg.MaxOutstandingMessages = v
	}
	return cfg
}
