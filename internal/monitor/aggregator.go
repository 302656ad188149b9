// Package monitor aggregates the health of every configured service into one
// cached snapshot.
package monitor

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/precheck/monitor/internal/cache"
	"github.com/precheck/monitor/internal/config"
	"github.com/precheck/monitor/internal/identity"
	"github.com/precheck/monitor/internal/notify"
	"github.com/precheck/monitor/internal/provider/resilience"
	"github.com/precheck/monitor/internal/secrets"
	"github.com/precheck/monitor/internal/telemetry"
)

const (
	// DefaultCacheTTL is how long a snapshot is served without probing.
	DefaultCacheTTL = 300 * time.Second

	// DefaultConcurrency bounds how many environments are probed at once.
	DefaultConcurrency = 4

	flightKey = "all_environments_health"
)

// TokenSource acquires bearer tokens for one environment.
type TokenSource interface {
	GetToken(ctx context.Context, clientSecret string) (identity.AccessToken, error)
}

// Prober performs an authenticated GET against a health endpoint.
type Prober interface {
	Get(ctx context.Context, token, url string) (*resilience.Response, error)
}

// Recorder persists snapshots. Failures are logged and ignored.
type Recorder interface {
	Save(ctx context.Context, snapshot *AggregateHealth) error
}

// TokenSourceFactory builds the token source for an environment.
type TokenSourceFactory func(env config.Environment) TokenSource

// ServiceConfig holds configuration for the health aggregator.
type ServiceConfig struct {
	Environments []config.Environment

	// Secrets resolves each environment's client secret reference.
	// Default: secrets.EnvResolver
	Secrets secrets.Resolver

	// Prober sends the health requests.
	Prober Prober

	// Notifier receives one alert per failed probe.
	// Default: notify.Nop
	Notifier notify.Notifier

	// Tokens builds one token source per environment at construction.
	// Default: an identity.Provider for the environment's tenant.
	Tokens TokenSourceFactory

	// CacheTTL is how long a snapshot stays fresh.
	// Default: 300 seconds
	CacheTTL time.Duration

	// Concurrency is the number of environments probed in parallel.
	// Default: 4
	Concurrency int

	// Registry accumulates per-service probe history across cycles.
	Registry *resilience.Registry

	// Recorder, if set, receives every stored snapshot.
	Recorder Recorder

	// Metrics, if set, records cycle and cache instruments.
	Metrics *Metrics

	// HTTPClient is used by the default token sources.
	HTTPClient *http.Client

	Logger zerolog.Logger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Service is the health aggregator.
type Service struct {
	envs        []config.Environment
	tokens      []TokenSource
	secrets     secrets.Resolver
	prober      Prober
	notifier    notify.Notifier
	concurrency int
	registry    *resilience.Registry
	recorder    Recorder
	metrics     *Metrics
	tracer      trace.Tracer
	logger      zerolog.Logger
	now         func() time.Time

	cache *cache.TTL[*AggregateHealth]
	group singleflight.Group
}

// NewService creates a new health aggregator. One token source is created
// per environment and kept for the lifetime of the service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Secrets == nil {
		cfg.Secrets = secrets.NewEnvResolver()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Registry == nil {
		cfg.Registry = resilience.NewRegistry().WithClock(cfg.Now)
	}
	if cfg.Prober == nil {
		cfg.Prober = resilience.NewClient(resilience.ClientConfig{Name: "probe", Logger: cfg.Logger})
	}
	if cfg.Tokens == nil {
		cfg.Tokens = defaultTokenSources(cfg.HTTPClient, cfg.Logger, cfg.Now)
	}

	tokens := make([]TokenSource, len(cfg.Environments))
	for i, env := range cfg.Environments {
		tokens[i] = cfg.Tokens(env)
	}

	return &Service{
		envs:        cfg.Environments,
		tokens:      tokens,
		secrets:     cfg.Secrets,
		prober:      cfg.Prober,
		notifier:    cfg.Notifier,
		concurrency: cfg.Concurrency,
		registry:    cfg.Registry,
		recorder:    cfg.Recorder,
		metrics:     cfg.Metrics,
		tracer:      telemetry.Tracer(instrumentationName),
		logger:      cfg.Logger,
		now:         cfg.Now,
		cache:       cache.New[*AggregateHealth](cache.Config{TTL: cfg.CacheTTL, Now: cfg.Now}),
	}
}

func defaultTokenSources(client *http.Client, logger zerolog.Logger, now func() time.Time) TokenSourceFactory {
	return func(env config.Environment) TokenSource {
		return identity.NewProvider(identity.ProviderConfig{
			TenantID:    env.TenantID,
			AppClientID: env.AppClientID,
			Authority:   env.AuthorityURL(),
			HTTPClient:  client,
			Logger:      logger.With().Str("environment", env.Name).Logger(),
			Now:         now,
		})
	}
}

// GetHealth returns the cached snapshot while fresh, otherwise runs one
// aggregation cycle. Concurrent misses share a single cycle. It never fails:
// every error is recorded in the snapshot.
func (s *Service) GetHealth(ctx context.Context) *AggregateHealth {
	if snap, ok := s.lookup(ctx); ok {
		return snap
	}
	res := <-s.group.DoChan(flightKey, s.flight(ctx))
	return res.Val.(*AggregateHealth)
}

// GetHealthWithin is GetHealth bounded by d. When the deadline passes the
// cycle keeps running in the background and the last stored snapshot is
// returned flagged Stale, or a pending snapshot when nothing was stored yet.
func (s *Service) GetHealthWithin(ctx context.Context, d time.Duration) *AggregateHealth {
	if snap, ok := s.lookup(ctx); ok {
		return snap
	}

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	select {
	case res := <-s.group.DoChan(flightKey, s.flight(ctx)):
		return res.Val.(*AggregateHealth)
	case <-ctx.Done():
	}

	s.logger.Warn().Dur("deadline", d).Msg("health cycle exceeded deadline, serving fallback")

	if last, ok := s.cache.Last(); ok {
		stale := *last.Value
		stale.Stale = true
		return &stale
	}
	return &AggregateHealth{
		ID:          uuid.NewString(),
		Status:      StatusPending,
		Services:    map[string]ServiceStatus{},
		Message:     "Health check in progress",
		GeneratedAt: s.now(),
	}
}

// Refresh empties the cache. Cycles already in flight are not stored, and
// the next GetHealth starts a new one.
func (s *Service) Refresh() {
	s.cache.Invalidate()
	s.group.Forget(flightKey)
	s.logger.Info().Msg("service health cache refreshed")
}

// Lookup resolves a service name against the current snapshot: exact key
// first, then a case-insensitive substring match over keys in result order.
func (s *Service) Lookup(ctx context.Context, name string) (ServiceStatus, bool) {
	return lookupService(s.GetHealth(ctx), name)
}

// IsAvailable reports whether the named service is running. Names matching
// no service key are reported available.
func (s *Service) IsAvailable(ctx context.Context, name string) bool {
	status, ok := s.Lookup(ctx, name)
	if !ok {
		s.logger.Debug().Str("service", name).Msg("unknown service, assuming available")
		return true
	}
	return status.Running()
}

// CacheStats returns the snapshot cache statistics.
func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// Registry returns the per-service probe history.
func (s *Service) Registry() *resilience.Registry {
	return s.registry
}

// Environments returns the configured environment names in order.
func (s *Service) Environments() []string {
	names := make([]string, len(s.envs))
	for i, env := range s.envs {
		names[i] = env.Name
	}
	return names
}

func lookupService(h *AggregateHealth, name string) (ServiceStatus, bool) {
	if status, ok := h.Services[name]; ok {
		return status, true
	}
	needle := strings.ToLower(name)
	for _, key := range h.Keys() {
		if strings.Contains(strings.ToLower(key), needle) {
			return h.Services[key], true
		}
	}
	return ServiceStatus{}, false
}

func (s *Service) lookup(ctx context.Context) (*AggregateHealth, bool) {
	snap, ok := s.cache.Get()
	s.metrics.recordLookup(ctx, ok)
	if ok {
		s.logger.Debug().Str("snapshot_id", snap.ID).Msg("using cached service health")
	}
	return snap, ok
}

// flight returns the shared cycle function. The cycle is detached from the
// caller's cancellation; only per-request timeouts bound it.
func (s *Service) flight(ctx context.Context) func() (interface{}, error) {
	detached := context.WithoutCancel(ctx)
	return func() (interface{}, error) {
		if snap, ok := s.cache.Peek(); ok {
			return snap, nil
		}
		gen := s.cache.Begin()
		snap := s.collect(detached)
		if s.cache.Store(gen, snap) {
			s.record(detached, snap)
		} else {
			s.logger.Debug().Uint64("generation", gen).Msg("discarding superseded health snapshot")
		}
		return snap, nil
	}
}

func (s *Service) record(ctx context.Context, snap *AggregateHealth) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Save(ctx, snap); err != nil {
		s.logger.Error().Err(err).Str("snapshot_id", snap.ID).Msg("failed to record health snapshot")
	}
}

// collect runs one full aggregation cycle.
func (s *Service) collect(ctx context.Context) *AggregateHealth {
	start := s.now()
	ctx, span := s.tracer.Start(ctx, "monitor.collect",
		trace.WithAttributes(attribute.Int("environments", len(s.envs))))
	defer span.End()

	if len(s.envs) == 0 {
		s.logger.Warn().Msg("no environments configured for monitoring")
		snap := &AggregateHealth{
			ID:          uuid.NewString(),
			Status:      StatusNoConfig,
			Services:    map[string]ServiceStatus{},
			SuccessRate: SuccessRate(0, 0),
			Message:     "No environments configured for monitoring",
			GeneratedAt: start,
		}
		s.metrics.recordCycle(ctx, snap.Status, 0)
		return snap
	}

	perEnv := make([][]ProbeResult, len(s.envs))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i := range s.envs {
		g.Go(func() error {
			perEnv[i] = s.probeEnvironment(ctx, s.envs[i], s.tokens[i])
			return nil
		})
	}
	_ = g.Wait()

	snap := s.aggregate(perEnv, start)

	span.SetAttributes(
		attribute.String("status", string(snap.Status)),
		attribute.Int("failed", snap.Failed),
		attribute.Int("total", snap.Total),
	)
	if snap.Status == StatusUnhealthy {
		span.SetStatus(codes.Error, snap.Message)
	}

	elapsed := s.now().Sub(start)
	s.metrics.recordCycle(ctx, snap.Status, elapsed)
	s.logger.Info().
		Str("snapshot_id", snap.ID).
		Str("status", string(snap.Status)).
		Int("total", snap.Total).
		Int("failed", snap.Failed).
		Dur("elapsed", elapsed).
		Msg(snap.Message)

	return snap
}

// probeEnvironment resolves the secret, acquires a token and probes every
// endpoint in order. Secret and token failures fail every endpoint without
// sending alerts.
func (s *Service) probeEnvironment(ctx context.Context, env config.Environment, tokens TokenSource) []ProbeResult {
	logger := s.logger.With().Str("environment", env.Name).Logger()

	secret, err := s.secrets.Resolve(env.ClientSecretEnv)
	if err != nil {
		logger.Error().Err(err).Msg("failed to resolve client secret")
		return s.failAll(ctx, env, &ProbeFailure{Kind: FailureConfig, Message: err.Error()})
	}

	token, err := tokens.GetToken(ctx, secret)
	if err != nil {
		logger.Error().Err(err).Msg("failed to acquire access token")
		failure := &ProbeFailure{Kind: FailureAuth, Message: err.Error()}
		var authErr *identity.AuthError
		if errors.As(err, &authErr) && authErr.StatusCode != 0 {
			code := authErr.StatusCode
			failure.StatusCode = &code
		}
		return s.failAll(ctx, env, failure)
	}

	results := make([]ProbeResult, 0, len(env.APIURLs))
	for _, ep := range env.APIURLs {
		result := ProbeResult{Environment: env.Name, Endpoint: ep.Name, URL: ep.URL}

		resp, err := s.prober.Get(ctx, token.Value, ep.URL)
		if err != nil {
			result.Failure = probeFailure(err)
			logger.Warn().
				Str("api_name", ep.Name).
				Str("api_url", ep.URL).
				Int("attempts", result.Failure.Attempts).
				Err(err).
				Msg("service probe failed")
			s.notifier.Notify(ctx, notify.Failure{
				Environment: env.Name,
				APIURL:      ep.URL,
				Error:       result.Failure.Message,
				Attempts:    result.Failure.Attempts,
				StatusCode:  result.Failure.StatusCode,
			})
			s.metrics.recordFailure(ctx, env.Name, FailureProbe)
		} else {
			result.Success = &ProbeSuccess{Body: resp.JSON()}
			logger.Debug().Str("api_name", ep.Name).Int("attempts", resp.Attempts).Msg("service healthy")
		}
		results = append(results, result)
	}
	return results
}

func (s *Service) failAll(ctx context.Context, env config.Environment, failure *ProbeFailure) []ProbeResult {
	results := make([]ProbeResult, 0, len(env.APIURLs))
	for _, ep := range env.APIURLs {
		f := *failure
		results = append(results, ProbeResult{
			Environment: env.Name,
			Endpoint:    ep.Name,
			URL:         ep.URL,
			Failure:     &f,
		})
		s.metrics.recordFailure(ctx, env.Name, failure.Kind)
	}
	return results
}

func probeFailure(err error) *ProbeFailure {
	var transportErr *resilience.TransportError
	if errors.As(err, &transportErr) {
		return &ProbeFailure{
			Kind:       FailureProbe,
			Message:    transportErr.Message,
			StatusCode: transportErr.StatusCode,
			Attempts:   transportErr.Attempts,
		}
	}
	return &ProbeFailure{Kind: FailureProbe, Message: err.Error()}
}

// aggregate flattens per-environment results in configuration order and
// derives the snapshot.
func (s *Service) aggregate(perEnv [][]ProbeResult, generatedAt time.Time) *AggregateHealth {
	var results []ProbeResult
	for _, r := range perEnv {
		results = append(results, r...)
	}

	services := make(map[string]ServiceStatus, len(results))
	failed := 0
	for _, r := range results {
		key := r.Key()
		status := ServiceStatus{
			Environment: r.Environment,
			APIName:     r.Endpoint,
			APIURL:      r.URL,
			LastChecked: generatedAt,
		}

		var history resilience.ProbeHealth
		if r.OK() {
			status.Status = StateRunning
			status.Health = HealthGood
			history = s.registry.RecordSuccess(key)
		} else {
			failed++
			status.Status = StateFailed
			status.Health = HealthPoor
			status.Error = r.Failure.Message
			status.StatusCode = r.Failure.StatusCode
			status.Attempts = r.Failure.Attempts
			history = s.registry.RecordFailure(key, r.Failure.Message)
		}
		status.LastSuccessAt = history.LastSuccessAt
		status.ConsecutiveFailures = history.ConsecutiveFailures

		services[key] = status
	}

	total := len(results)
	return &AggregateHealth{
		ID:          uuid.NewString(),
		Status:      Verdict(failed, total),
		Services:    services,
		Results:     results,
		Total:       total,
		Failed:      failed,
		SuccessRate: SuccessRate(failed, total),
		Message:     summary(total, failed),
		GeneratedAt: generatedAt,
	}
}
