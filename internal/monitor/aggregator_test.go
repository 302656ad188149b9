package monitor_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precheck/monitor/internal/cache"
	"github.com/precheck/monitor/internal/config"
	"github.com/precheck/monitor/internal/identity"
	"github.com/precheck/monitor/internal/monitor"
	"github.com/precheck/monitor/internal/notify"
	"github.com/precheck/monitor/internal/provider/resilience"
	"github.com/precheck/monitor/internal/secrets"
)

// fakeTokens is a TokenSource that counts calls.
type fakeTokens struct {
	env   string
	calls atomic.Int32
	err   error
}

func (f *fakeTokens) GetToken(_ context.Context, secret string) (identity.AccessToken, error) {
	f.calls.Add(1)
	if f.err != nil {
		return identity.AccessToken{}, f.err
	}
	return identity.AccessToken{Value: "tok-" + f.env + "-" + secret, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type tokenFactory struct {
	mu      sync.Mutex
	sources map[string]*fakeTokens
	errs    map[string]error
}

func newTokenFactory() *tokenFactory {
	return &tokenFactory{sources: map[string]*fakeTokens{}, errs: map[string]error{}}
}

func (f *tokenFactory) build(env config.Environment) monitor.TokenSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := &fakeTokens{env: env.Name, err: f.errs[env.Name]}
	f.sources[env.Name] = src
	return src
}

func (f *tokenFactory) calls(env string) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sources[env].calls.Load()
}

// recordingNotifier collects alerts.
type recordingNotifier struct {
	mu       sync.Mutex
	failures []notify.Failure
}

func (n *recordingNotifier) Notify(_ context.Context, f notify.Failure) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, f)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.failures)
}

// healthServer answers each path with the configured status.
type healthServer struct {
	*httptest.Server
	hits     atomic.Int32
	mu       sync.Mutex
	statuses map[string]int
	delays   map[string]time.Duration
}

func newHealthServer(t *testing.T) *healthServer {
	t.Helper()
	hs := &healthServer{statuses: map[string]int{}, delays: map[string]time.Duration{}}
	hs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hs.hits.Add(1)
		hs.mu.Lock()
		status, ok := hs.statuses[r.URL.Path]
		delay := hs.delays[r.URL.Path]
		hs.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		if !ok {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	t.Cleanup(hs.Close)
	return hs
}

func (hs *healthServer) set(path string, status int) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.statuses[path] = status
}

func (hs *healthServer) delay(path string, d time.Duration) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.delays[path] = d
}

func env(name string, server *healthServer, endpoints ...string) config.Environment {
	e := config.Environment{
		Name:            name,
		TenantID:        "tenant-" + name,
		AppClientID:     "app-" + name,
		ClientSecretEnv: name + "_SECRET",
	}
	for _, ep := range endpoints {
		e.APIURLs = append(e.APIURLs, config.Endpoint{Name: ep, URL: server.URL + "/" + name + "/" + ep})
	}
	return e
}

type fixture struct {
	tokens   *tokenFactory
	notifier *recordingNotifier
	secrets  *secrets.StaticResolver
}

func newFixture(envs ...config.Environment) *fixture {
	values := map[string]string{}
	for _, e := range envs {
		values[e.ClientSecretEnv] = "s3cret"
	}
	return &fixture{
		tokens:   newTokenFactory(),
		notifier: &recordingNotifier{},
		secrets:  secrets.NewStaticResolver(values),
	}
}

func (f *fixture) config(envs ...config.Environment) monitor.ServiceConfig {
	return monitor.ServiceConfig{
		Environments: envs,
		Secrets:      f.secrets,
		Prober: resilience.NewClient(resilience.ClientConfig{
			Name:       "probe",
			MaxRetries: 5,
			RetryDelay: time.Millisecond,
			Timeout:    2 * time.Second,
			Logger:     zerolog.Nop(),
		}),
		Notifier: f.notifier,
		Tokens:   f.tokens.build,
		Logger:   zerolog.Nop(),
	}
}

func TestService_SingleFailingEndpoint(t *testing.T) {
	server := newHealthServer(t)
	server.set("/prod/svc", http.StatusServiceUnavailable)

	var sinkCalls atomic.Int32
	var payload atomic.Value
	sink := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		sinkCalls.Add(1)
		raw, _ := io.ReadAll(r.Body)
		payload.Store(raw)
	}))
	defer sink.Close()

	prod := env("prod", server, "svc")
	fx := newFixture(prod)
	cfg := fx.config(prod)
	cfg.Notifier = notify.NewWebhook(notify.WebhookConfig{URL: sink.URL, Enabled: true, Logger: zerolog.Nop()})
	svc := monitor.NewService(cfg)

	health := svc.GetHealth(context.Background())

	assert.Equal(t, monitor.StatusUnhealthy, health.Status)
	assert.Equal(t, 1, health.Total)
	assert.Equal(t, 1, health.Failed)
	assert.InDelta(t, 0.0, health.SuccessRate, 1e-9)
	assert.Equal(t, "Precheck service monitoring: 1 services, 1 failed", health.Message)

	status, ok := health.Services["prod_svc"]
	require.True(t, ok)
	assert.Equal(t, monitor.StateFailed, status.Status)
	assert.Equal(t, monitor.HealthPoor, status.Health)
	assert.Equal(t, "prod", status.Environment)
	assert.Equal(t, "svc", status.APIName)
	assert.Equal(t, 5, status.Attempts)
	require.NotNil(t, status.StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, *status.StatusCode)
	assert.Equal(t, int32(5), server.hits.Load())

	require.Equal(t, int32(1), sinkCalls.Load(), "one webhook payload per failed service")
	var body map[string]any
	require.NoError(t, json.Unmarshal(payload.Load().([]byte), &body))
	assert.EqualValues(t, 5, body["attempts"])
	assert.EqualValues(t, 503, body["status_code"])
	assert.Equal(t, "prod", body["environment"])
	assert.Equal(t, server.URL+"/prod/svc", body["api_url"])

	assert.False(t, svc.IsAvailable(context.Background(), "prod_svc"))
	// Unknown services default to available.
	assert.True(t, svc.IsAvailable(context.Background(), "staging_unknown"))
}

func TestService_HalfFailingIsUnhealthy(t *testing.T) {
	server := newHealthServer(t)
	server.set("/bad/a", http.StatusInternalServerError)
	server.set("/bad/b", http.StatusBadGateway)

	good := env("good", server, "a", "b")
	bad := env("bad", server, "a", "b")
	fx := newFixture(good, bad)
	svc := monitor.NewService(fx.config(good, bad))

	health := svc.GetHealth(context.Background())

	assert.Equal(t, 4, health.Total)
	assert.Equal(t, 2, health.Failed)
	assert.InDelta(t, 0.5, health.SuccessRate, 1e-9)
	assert.Equal(t, monitor.StatusUnhealthy, health.Status, "failed == total/2 is unhealthy")
	assert.Equal(t, 2, fx.notifier.count())

	assert.True(t, svc.IsAvailable(context.Background(), "good_a"))
	assert.False(t, svc.IsAvailable(context.Background(), "bad_b"))
}

func TestService_UnderHalfFailingIsDegraded(t *testing.T) {
	server := newHealthServer(t)
	server.set("/prod/d", http.StatusNotFound)

	prod := env("prod", server, "a", "b", "c", "d")
	fx := newFixture(prod)
	svc := monitor.NewService(fx.config(prod))

	health := svc.GetHealth(context.Background())

	assert.Equal(t, monitor.StatusDegraded, health.Status)
	assert.InDelta(t, 0.75, health.SuccessRate, 1e-9)
}

func TestService_AllHealthy(t *testing.T) {
	server := newHealthServer(t)
	prod := env("prod", server, "a", "b")
	fx := newFixture(prod)
	svc := monitor.NewService(fx.config(prod))

	health := svc.GetHealth(context.Background())

	assert.Equal(t, monitor.StatusHealthy, health.Status)
	assert.Equal(t, 0, health.Failed)
	assert.Equal(t, 0, fx.notifier.count())
	require.Len(t, health.Results, 2)
	require.NotNil(t, health.Results[0].Success)
	assert.Equal(t, map[string]any{"path": "/prod/a"}, health.Results[0].Success.Body)
	assert.Equal(t, monitor.StateRunning, health.Services["prod_a"].Status)
	assert.Equal(t, monitor.HealthGood, health.Services["prod_a"].Health)
}

func TestService_CacheIdempotence(t *testing.T) {
	server := newHealthServer(t)
	prod := env("prod", server, "a")
	fx := newFixture(prod)
	svc := monitor.NewService(fx.config(prod))
	ctx := context.Background()

	first := svc.GetHealth(ctx)
	hits := server.hits.Load()
	second := svc.GetHealth(ctx)

	assert.Same(t, first, second)
	assert.Empty(t, cmp.Diff(first, second))
	assert.Equal(t, hits, server.hits.Load(), "cache hit must not probe")
	assert.Equal(t, int32(1), fx.tokens.calls("prod"))
	assert.Equal(t, cache.StatePopulated, svc.CacheStats().State)
}

func TestService_TTLExpiryReprobes(t *testing.T) {
	server := newHealthServer(t)
	prod := env("prod", server, "a")
	fx := newFixture(prod)

	var mu sync.Mutex
	now := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	cfg := fx.config(prod)
	cfg.Now = clock
	svc := monitor.NewService(cfg)
	ctx := context.Background()

	first := svc.GetHealth(ctx)
	advance(299 * time.Second)
	assert.Same(t, first, svc.GetHealth(ctx))

	advance(time.Second)
	assert.Equal(t, cache.StateExpired, svc.CacheStats().State)

	second := svc.GetHealth(ctx)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, int32(2), server.hits.Load())
	assert.Equal(t, clock(), second.GeneratedAt)
}

func TestService_RefreshForcesNewCycle(t *testing.T) {
	server := newHealthServer(t)
	prod := env("prod", server, "a")
	fx := newFixture(prod)
	svc := monitor.NewService(fx.config(prod))
	ctx := context.Background()

	first := svc.GetHealth(ctx)
	svc.Refresh()
	assert.Equal(t, cache.StateEmpty, svc.CacheStats().State)

	server.set("/prod/a", http.StatusInternalServerError)
	second := svc.GetHealth(ctx)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, monitor.StatusHealthy, first.Status, "earlier snapshot is not mutated")
	assert.Equal(t, monitor.StatusUnhealthy, second.Status)
	assert.Equal(t, int32(2), fx.tokens.calls("prod"), "one token source serves every cycle")
}

func TestService_NoConfig(t *testing.T) {
	fx := newFixture()
	svc := monitor.NewService(fx.config())

	health := svc.GetHealth(context.Background())

	assert.Equal(t, monitor.StatusNoConfig, health.Status)
	assert.Empty(t, health.Services)
	assert.Equal(t, 0, health.Total)
	assert.Equal(t, 0.0, health.SuccessRate)
	assert.True(t, svc.IsAvailable(context.Background(), "anything"))
}

func TestService_MissingSecretFailsEnvironmentOnly(t *testing.T) {
	server := newHealthServer(t)
	prod := env("prod", server, "a", "b")
	dev := env("dev", server, "a")
	fx := newFixture(prod, dev)
	fx.secrets = secrets.NewStaticResolver(map[string]string{"dev_SECRET": "x"})
	svc := monitor.NewService(fx.config(prod, dev))

	health := svc.GetHealth(context.Background())

	assert.Equal(t, 3, health.Total)
	assert.Equal(t, 2, health.Failed)
	assert.Equal(t, monitor.StatusUnhealthy, health.Status)

	status := health.Services["prod_a"]
	assert.Equal(t, monitor.StateFailed, status.Status)
	assert.Contains(t, status.Error, "prod_SECRET")
	assert.Equal(t, monitor.FailureConfig, health.Results[0].Failure.Kind)
	assert.Equal(t, monitor.StateRunning, health.Services["dev_a"].Status)

	assert.Equal(t, int32(0), fx.tokens.calls("prod"), "no token exchange without a secret")
	assert.Equal(t, 0, fx.notifier.count(), "configuration failures are not alerted")
	assert.Equal(t, int32(1), server.hits.Load())
}

func TestService_TokenFailureFailsEnvironment(t *testing.T) {
	server := newHealthServer(t)
	prod := env("prod", server, "a", "b")
	dev := env("dev", server, "a", "b", "c", "d", "e")
	fx := newFixture(prod, dev)
	fx.tokens.errs["prod"] = &identity.AuthError{Code: "invalid_client", StatusCode: http.StatusUnauthorized}
	svc := monitor.NewService(fx.config(prod, dev))

	health := svc.GetHealth(context.Background())

	assert.Equal(t, 7, health.Total)
	assert.Equal(t, 2, health.Failed)
	assert.Equal(t, monitor.StatusDegraded, health.Status)

	status := health.Services["prod_b"]
	assert.Contains(t, status.Error, "invalid_client")
	require.NotNil(t, status.StatusCode)
	assert.Equal(t, http.StatusUnauthorized, *status.StatusCode)
	assert.Equal(t, monitor.FailureAuth, health.Results[1].Failure.Kind)
	assert.Equal(t, 0, fx.notifier.count())
}

func TestService_WebhookSuppressedWhenDisabled(t *testing.T) {
	server := newHealthServer(t)
	server.set("/prod/a", http.StatusInternalServerError)
	server.set("/prod/b", http.StatusInternalServerError)

	var sinkCalls atomic.Int32
	sink := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		sinkCalls.Add(1)
	}))
	defer sink.Close()

	prod := env("prod", server, "a", "b")
	fx := newFixture(prod)
	cfg := fx.config(prod)
	cfg.Notifier = notify.NewWebhook(notify.WebhookConfig{URL: sink.URL, Enabled: false, Logger: zerolog.Nop()})
	svc := monitor.NewService(cfg)

	for i := 0; i < 3; i++ {
		svc.Refresh()
		svc.GetHealth(context.Background())
	}

	assert.Equal(t, int32(0), sinkCalls.Load())
}

func TestService_ResultsKeepConfigurationOrder(t *testing.T) {
	server := newHealthServer(t)
	server.delay("/slow/a", 100*time.Millisecond)

	slow := env("slow", server, "a", "b")
	fast := env("fast", server, "x", "y")
	fx := newFixture(slow, fast)
	cfg := fx.config(slow, fast)
	cfg.Concurrency = 2
	svc := monitor.NewService(cfg)

	health := svc.GetHealth(context.Background())

	keys := make([]string, 0, len(health.Results))
	for _, r := range health.Results {
		keys = append(keys, r.Key())
	}
	assert.Equal(t, []string{"slow_a", "slow_b", "fast_x", "fast_y"}, keys)
	assert.Equal(t, keys, health.Keys())
}

func TestService_ConcurrentMissesShareOneCycle(t *testing.T) {
	server := newHealthServer(t)
	server.delay("/prod/a", 100*time.Millisecond)

	prod := env("prod", server, "a")
	fx := newFixture(prod)
	svc := monitor.NewService(fx.config(prod))

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i] = svc.GetHealth(context.Background()).ID
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), server.hits.Load())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestService_RefreshDiscardsInFlightCycle(t *testing.T) {
	gate := make(chan struct{})
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			<-gate
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	prod := config.Environment{
		Name: "prod", TenantID: "t", AppClientID: "a", ClientSecretEnv: "prod_SECRET",
		APIURLs: []config.Endpoint{{Name: "a", URL: server.URL}},
	}
	fx := newFixture(prod)
	svc := monitor.NewService(fx.config(prod))
	ctx := context.Background()

	done := make(chan *monitor.AggregateHealth, 1)
	go func() { done <- svc.GetHealth(ctx) }()

	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	svc.Refresh()
	close(gate)

	inFlight := <-done
	assert.Equal(t, monitor.StatusHealthy, inFlight.Status)

	stats := svc.CacheStats()
	assert.Equal(t, cache.StateEmpty, stats.State, "stale cycle must not repopulate the cache")
	assert.Equal(t, uint64(1), stats.DroppedWrite)

	next := svc.GetHealth(ctx)
	assert.NotEqual(t, inFlight.ID, next.ID)
	assert.Equal(t, int32(2), hits.Load())
}

func TestService_GetHealthWithinPending(t *testing.T) {
	server := newHealthServer(t)
	server.delay("/prod/a", 200*time.Millisecond)

	prod := env("prod", server, "a")
	fx := newFixture(prod)
	svc := monitor.NewService(fx.config(prod))

	health := svc.GetHealthWithin(context.Background(), 20*time.Millisecond)

	assert.Equal(t, monitor.StatusPending, health.Status)
	assert.Empty(t, health.Services)

	require.Eventually(t, func() bool {
		return svc.CacheStats().State == cache.StatePopulated
	}, 2*time.Second, 10*time.Millisecond, "cycle keeps running after the deadline")
	assert.Equal(t, monitor.StatusHealthy, svc.GetHealth(context.Background()).Status)
}

func TestService_GetHealthWithinServesStale(t *testing.T) {
	server := newHealthServer(t)
	prod := env("prod", server, "a")
	fx := newFixture(prod)
	svc := monitor.NewService(fx.config(prod))
	ctx := context.Background()

	first := svc.GetHealth(ctx)
	svc.Refresh()
	server.delay("/prod/a", 200*time.Millisecond)

	health := svc.GetHealthWithin(ctx, 20*time.Millisecond)

	assert.True(t, health.Stale)
	assert.Equal(t, first.ID, health.ID)
	assert.False(t, first.Stale, "stored snapshot is not mutated")
}

func TestService_GetHealthWithinFastPath(t *testing.T) {
	server := newHealthServer(t)
	prod := env("prod", server, "a")
	fx := newFixture(prod)
	svc := monitor.NewService(fx.config(prod))

	health := svc.GetHealthWithin(context.Background(), time.Second)

	assert.Equal(t, monitor.StatusHealthy, health.Status)
	assert.False(t, health.Stale)
}

func TestService_IsAvailableSubstringMatch(t *testing.T) {
	server := newHealthServer(t)
	server.set("/prod/orders", http.StatusInternalServerError)

	prod := env("prod", server, "orders", "billing")
	fx := newFixture(prod)
	svc := monitor.NewService(fx.config(prod))
	ctx := context.Background()

	assert.False(t, svc.IsAvailable(ctx, "ORDERS"))
	assert.True(t, svc.IsAvailable(ctx, "Billing"))
	// "prod" matches both keys; the first in result order decides.
	assert.False(t, svc.IsAvailable(ctx, "prod"))

	status, ok := svc.Lookup(ctx, "bill")
	require.True(t, ok)
	assert.Equal(t, "prod_billing", monitor.ServiceKey(status.Environment, status.APIName))

	_, ok = svc.Lookup(ctx, "staging")
	assert.False(t, ok)
}

func TestService_RegistryTracksConsecutiveFailures(t *testing.T) {
	server := newHealthServer(t)
	server.set("/prod/a", http.StatusInternalServerError)

	prod := env("prod", server, "a")
	fx := newFixture(prod)
	svc := monitor.NewService(fx.config(prod))
	ctx := context.Background()

	svc.GetHealth(ctx)
	svc.Refresh()
	health := svc.GetHealth(ctx)
	assert.Equal(t, 2, health.Services["prod_a"].ConsecutiveFailures)
	assert.Nil(t, health.Services["prod_a"].LastSuccessAt)

	server.set("/prod/a", http.StatusOK)
	svc.Refresh()
	health = svc.GetHealth(ctx)
	assert.Equal(t, 0, health.Services["prod_a"].ConsecutiveFailures)
	assert.NotNil(t, health.Services["prod_a"].LastSuccessAt)

	h := svc.Registry().Get("prod_a")
	require.NotNil(t, h)
	assert.Equal(t, 3, h.TotalProbes)
}

func TestService_RegistryUsesServiceClock(t *testing.T) {
	server := newHealthServer(t)
	server.set("/prod/b", http.StatusInternalServerError)

	prod := env("prod", server, "a", "b", "c")
	fx := newFixture(prod)
	pinned := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := fx.config(prod)
	cfg.Now = func() time.Time { return pinned }
	svc := monitor.NewService(cfg)

	health := svc.GetHealth(context.Background())

	ok := health.Services["prod_a"]
	assert.Equal(t, pinned, ok.LastChecked)
	require.NotNil(t, ok.LastSuccessAt)
	assert.Equal(t, pinned, *ok.LastSuccessAt)

	h := svc.Registry().Get("prod_b")
	require.NotNil(t, h)
	require.NotNil(t, h.LastFailureAt)
	assert.Equal(t, pinned, *h.LastFailureAt)
}

type recordingRecorder struct {
	mu    sync.Mutex
	saved []*monitor.AggregateHealth
	err   error
}

func (r *recordingRecorder) Save(_ context.Context, s *monitor.AggregateHealth) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, s)
	return r.err
}

func TestService_RecordsStoredSnapshots(t *testing.T) {
	server := newHealthServer(t)
	prod := env("prod", server, "a")
	fx := newFixture(prod)
	recorder := &recordingRecorder{err: errors.New("history unavailable")}
	cfg := fx.config(prod)
	cfg.Recorder = recorder
	svc := monitor.NewService(cfg)

	first := svc.GetHealth(context.Background())
	svc.GetHealth(context.Background())

	require.Len(t, recorder.saved, 1, "cache hits are not recorded")
	assert.Same(t, first, recorder.saved[0])
}

func TestService_Environments(t *testing.T) {
	server := newHealthServer(t)
	fx := newFixture()
	svc := monitor.NewService(fx.config(env("a", server, "x"), env("b", server, "y")))

	assert.Equal(t, []string{"a", "b"}, svc.Environments())
}
