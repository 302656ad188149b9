package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/precheck/monitor/internal/monitor"
)

// Job errors.
var (
	ErrMalformedMessage = errors.New("malformed job message")
	ErrUnknownJob       = errors.New("unknown job type")
	ErrCycleIncomplete  = errors.New("health cycle did not finish in time")
)

// Monitor is the part of the health aggregator the jobs drive.
type Monitor interface {
	GetHealthWithin(ctx context.Context, d time.Duration) *monitor.AggregateHealth
	Refresh()
}

// CheckJob runs health cycles and keeps running totals.
type CheckJob struct {
	monitor Monitor
	config  JobConfig
	logger  zerolog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	metrics JobMetrics
}

// JobMetrics tracks job statistics.
type JobMetrics struct {
	TotalRuns  int64
	Refreshes  int64
	Incomplete int64
	ByStatus   map[monitor.Status]int64

	LastRunAt       time.Time
	LastRunDuration time.Duration
	LastStatus      monitor.Status
	LastSnapshotID  string
}

// CheckJobConfig holds configuration for creating a CheckJob.
type CheckJobConfig struct {
	Monitor Monitor
	Config  JobConfig
	Logger  zerolog.Logger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// NewCheckJob creates a new check job.
func NewCheckJob(cfg CheckJobConfig) *CheckJob {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CheckJob{
		monitor: cfg.Monitor,
		config:  cfg.Config.withDefaults(),
		logger:  cfg.Logger,
		now:     cfg.Now,
		metrics: JobMetrics{ByStatus: map[monitor.Status]int64{}},
	}
}

// CheckResult contains the outcome of one job run.
type CheckResult struct {
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Refreshed  bool
	Status     monitor.Status
	Total      int
	Failed     int
	SnapshotID string
	Stale      bool
}

// Complete reports whether the run observed a cycle that finished.
func (r *CheckResult) Complete() bool {
	return r.Status != monitor.StatusPending && !r.Stale
}

// Run executes one check. With refresh set the cache is emptied first.
func (j *CheckJob) Run(ctx context.Context, refresh bool) *CheckResult {
	start := j.now()
	if refresh {
		j.monitor.Refresh()
	}

	snap := j.monitor.GetHealthWithin(ctx, j.config.Timeout)

	end := j.now()
	result := &CheckResult{
		StartTime:  start,
		EndTime:    end,
		Duration:   end.Sub(start),
		Refreshed:  refresh,
		Status:     snap.Status,
		Total:      snap.Total,
		Failed:     snap.Failed,
		SnapshotID: snap.ID,
		Stale:      snap.Stale,
	}
	j.record(result)

	event := j.logger.Info()
	if snap.Status == monitor.StatusUnhealthy {
		event = j.logger.Warn()
	}
	event.
		Bool("refreshed", refresh).
		Str("status", string(snap.Status)).
		Int("total_services", snap.Total).
		Int("failed_services", snap.Failed).
		Bool("stale", snap.Stale).
		Dur("duration", result.Duration).
		Msg("health check job completed")

	return result
}

// Handle decodes a job message and runs it. Unknown job types return
// ErrUnknownJob; cycles that outlive the job timeout return
// ErrCycleIncomplete.
func (j *CheckJob) Handle(ctx context.Context, data []byte) error {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var refresh bool
	switch msg.JobType {
	case JobHealthCheck:
	case JobHealthRefresh:
		refresh = true
		j.logger.Info().Str("requested_by", msg.RequestedBy).Msg("forced health refresh")
	default:
		return fmt.Errorf("%w: %q", ErrUnknownJob, msg.JobType)
	}

	if result := j.Run(ctx, refresh); !result.Complete() {
		return ErrCycleIncomplete
	}
	return nil
}

// RunEvery runs a check immediately and then every configured interval
// until ctx is done.
func (j *CheckJob) RunEvery(ctx context.Context) {
	j.logger.Info().Dur("interval", j.config.Interval).Msg("starting scheduled health checks")

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		j.Run(ctx, false)
		select {
		case <-ctx.Done():
			j.logger.Info().Msg("scheduled health checks stopped")
			return
		case <-ticker.C:
		}
	}
}

func (j *CheckJob) record(r *CheckResult) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.metrics.TotalRuns++
	if r.Refreshed {
		j.metrics.Refreshes++
	}
	if !r.Complete() {
		j.metrics.Incomplete++
	}
	j.metrics.ByStatus[r.Status]++
	j.metrics.LastRunAt = r.EndTime
	j.metrics.LastRunDuration = r.Duration
	j.metrics.LastStatus = r.Status
	j.metrics.LastSnapshotID = r.SnapshotID
}

// GetMetrics returns a copy of the current metrics.
func (j *CheckJob) GetMetrics() JobMetrics {
	j.mu.RLock()
	defer j.mu.RUnlock()

	m := j.metrics
	m.ByStatus = make(map[monitor.Status]int64, len(j.metrics.ByStatus))
	for k, v := range j.metrics.ByStatus {
		m.ByStatus[k] = v
	}
	return m
}

// MetricsSnapshot returns the current metrics as a JSON-friendly map.
func (j *CheckJob) MetricsSnapshot() map[string]interface{} {
	m := j.GetMetrics()
	byStatus := make(map[string]int64, len(m.ByStatus))
	for k, v := range m.ByStatus {
		byStatus[string(k)] = v
	}
	return map[string]interface{}{
		"total_runs":        m.TotalRuns,
		"refreshes":         m.Refreshes,
		"incomplete":        m.Incomplete,
		"by_status":         byStatus,
		"last_run_at":       m.LastRunAt,
		"last_run_duration": m.LastRunDuration.String(),
		"last_status":       string(m.LastStatus),
		"last_snapshot_id":  m.LastSnapshotID,
	}
}
