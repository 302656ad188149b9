package monitor

import (
	"time"
)

// Status is the overall verdict of an aggregation cycle.
type Status string

// Overall statuses.
const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusNoConfig  Status = "no_config"
	// StatusPending is returned by GetHealthWithin when no snapshot exists
	// yet and the deadline passed.
	StatusPending Status = "pending"
)

// ServiceState is the running state of one probed service.
type ServiceState string

// Service states.
const (
	StateRunning ServiceState = "running"
	StateFailed  ServiceState = "failed"
)

// Health is the coarse health of one probed service.
type Health string

// Service health values.
const (
	HealthGood Health = "good"
	HealthPoor Health = "poor"
)

// FailureKind tells where in the cycle a failure happened.
type FailureKind string

// Failure kinds.
const (
	FailureProbe  FailureKind = "probe"
	FailureAuth   FailureKind = "auth"
	FailureConfig FailureKind = "config"
)

// ProbeSuccess carries the decoded body of a 2xx response.
type ProbeSuccess struct {
	Body any `json:"body,omitempty"`
}

// ProbeFailure describes why a service was recorded as failed.
type ProbeFailure struct {
	Kind       FailureKind `json:"kind"`
	Message    string      `json:"message"`
	StatusCode *int        `json:"status_code,omitempty"`
	Attempts   int         `json:"attempts"`
}

// ProbeResult is the outcome of probing one endpoint. Exactly one of Success
// and Failure is set.
type ProbeResult struct {
	Environment string        `json:"environment"`
	Endpoint    string        `json:"api_name"`
	URL         string        `json:"api_url"`
	Success     *ProbeSuccess `json:"success,omitempty"`
	Failure     *ProbeFailure `json:"failure,omitempty"`
}

// Key returns the service key for the result.
func (r ProbeResult) Key() string {
	return ServiceKey(r.Environment, r.Endpoint)
}

// OK reports whether the probe succeeded.
func (r ProbeResult) OK() bool {
	return r.Failure == nil
}

// ServiceStatus is the per-service entry of an aggregate snapshot.
type ServiceStatus struct {
	Status              ServiceState `json:"status"`
	Health              Health       `json:"health"`
	Environment         string       `json:"environment"`
	APIName             string       `json:"api_name"`
	APIURL              string       `json:"api_url"`
	Error               string       `json:"error,omitempty"`
	StatusCode          *int         `json:"status_code,omitempty"`
	Attempts            int          `json:"attempts,omitempty"`
	LastChecked         time.Time    `json:"last_checked"`
	LastSuccessAt       *time.Time   `json:"last_success_at,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
}

// Running reports whether the service is up.
func (s ServiceStatus) Running() bool {
	return s.Status == StateRunning
}

// AggregateHealth is one immutable snapshot produced by an aggregation cycle.
type AggregateHealth struct {
	ID          string                   `json:"id"`
	Status      Status                   `json:"status"`
	Services    map[string]ServiceStatus `json:"services"`
	Results     []ProbeResult            `json:"results,omitempty"`
	Total       int                      `json:"total_services"`
	Failed      int                      `json:"failed_services"`
	SuccessRate float64                  `json:"success_rate"`
	Message     string                   `json:"message"`
	GeneratedAt time.Time                `json:"timestamp"`

	// Stale is set on snapshots served past their TTL by GetHealthWithin.
	Stale bool `json:"stale,omitempty"`
}

// Keys returns the service keys in result order without duplicates.
func (h *AggregateHealth) Keys() []string {
	keys := make([]string, 0, len(h.Results))
	seen := make(map[string]struct{}, len(h.Results))
	for _, r := range h.Results {
		k := r.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}
