// Package models holds the request and response bodies of the monitor API.
package models

import "time"

// Timestamp is a time rendered as RFC 3339 in UTC.
type Timestamp time.Time

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Time(t).UTC().Format(time.RFC3339) + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var parsed time.Time
	if err := parsed.UnmarshalJSON(data); err != nil {
		return err
	}
	*t = Timestamp(parsed)
	return nil
}

// Time returns the underlying time.Time.
func (t Timestamp) Time() time.Time {
	return time.Time(t)
}

// TimestampPtr converts an optional time.
func TimestampPtr(t *time.Time) *Timestamp {
	if t == nil {
		return nil
	}
	ts := Timestamp(*t)
	return &ts
}

// OpsStatus is the coarse state reported by the ops endpoints.
type OpsStatus string

const (
	OpsStatusOK       OpsStatus = "OK"
	OpsStatusDegraded OpsStatus = "DEGRADED"
	OpsStatusFail     OpsStatus = "FAIL"
)

// Liveness is the body of GET /v1/ops/health and /v1/ops/ready.
type Liveness struct {
	Status  OpsStatus         `json:"status"`
	Time    Timestamp         `json:"time"`
	Details map[string]string `json:"details,omitempty"`
}

// SystemStatus is the body of GET /v1/ops/status.
type SystemStatus struct {
	Status       OpsStatus        `json:"status"`
	Time         Timestamp        `json:"time"`
	Environments []string         `json:"environments"`
	Cache        CacheStatus      `json:"cache"`
	Providers    []ProviderStatus `json:"providers"`
}

// CacheStatus summarizes the snapshot cache.
type CacheStatus struct {
	State         string     `json:"state"`
	Hits          uint64     `json:"hits"`
	Misses        uint64     `json:"misses"`
	DroppedWrites uint64     `json:"droppedWrites"`
	ExpiresAt     *Timestamp `json:"expiresAt,omitempty"`
}

// ProviderStatus is the probe history of one monitored service.
type ProviderStatus struct {
	Provider            string     `json:"provider"`
	Status              OpsStatus  `json:"status"`
	LastSuccessAt       *Timestamp `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *Timestamp `json:"lastFailureAt,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	TotalProbes         int        `json:"totalProbes"`
	Message             *string    `json:"message,omitempty"`
}
