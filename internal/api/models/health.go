package models

import "github.com/precheck/monitor/internal/monitor"

// ServiceAvailability is the body of GET /v1/health/services/{service}.
// Known is false when the name matched no monitored service; such services
// are reported available.
type ServiceAvailability struct {
	Service   string                 `json:"service"`
	Known     bool                   `json:"known"`
	Available bool                   `json:"available"`
	Status    *monitor.ServiceStatus `json:"status,omitempty"`
}

// HealthHistory is the body of GET /v1/health/history.
type HealthHistory struct {
	Items []*monitor.AggregateHealth `json:"items"`
	Meta  PageMeta                   `json:"meta"`
}

// PageMeta describes a bounded listing.
type PageMeta struct {
	Limit int `json:"limit"`
	Count int `json:"count"`
}

// RefreshResult is the body of POST /v1/health/refresh.
type RefreshResult struct {
	Refreshed   bool                     `json:"refreshed"`
	RequestedBy string                   `json:"requestedBy,omitempty"`
	Snapshot    *monitor.AggregateHealth `json:"snapshot,omitempty"`
}
