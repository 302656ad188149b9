package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precheck/monitor/internal/auth"
	"github.com/precheck/monitor/internal/monitor"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// services starts an identity endpoint and one health endpoint per name
// under /<name>/health. Names listed in failing answer 500.
func services(t *testing.T, failing ...string) *httptest.Server {
	t.Helper()
	down := map[string]bool{}
	for _, name := range failing {
		down["/"+name+"/health"] = true
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/tenant-1/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if down[r.URL.Path] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func serviceConfig(srv *httptest.Server, endpoints ...string) string {
	urls := make([]string, 0, len(endpoints))
	for _, name := range endpoints {
		urls = append(urls, fmt.Sprintf(`{"name": %q, "url": %q}`, name, srv.URL+"/"+name+"/health"))
	}
	return fmt.Sprintf(`{
  "retry_config": {"max_retries": 1, "retry_delay_seconds": 1},
  "history": {"backend": "none"},
  "environments": [{
    "name": "prod",
    "tenant_id": "tenant-1",
    "app_client_id": "client-1",
    "client_secret_env": "PRECHECK_TEST_SECRET",
    "authority": %q,
    "api_urls": [%s]
  }]
}`, srv.URL, strings.Join(urls, ", "))
}

func execute(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestCheck_NoConfig(t *testing.T) {
	path := writeConfig(t, `{"environments": []}`)

	code, out, _ := execute(t, "check", "--config", path)

	assert.Equal(t, 0, code)
	var snap monitor.AggregateHealth
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, monitor.StatusNoConfig, snap.Status)
}

func TestCheck_Healthy(t *testing.T) {
	t.Setenv("PRECHECK_TEST_SECRET", "s3cret")
	srv := services(t)
	path := writeConfig(t, serviceConfig(srv, "orders", "billing"))

	code, out, _ := execute(t, "check", "--config", path, "--compact")

	assert.Equal(t, 0, code)
	assert.Equal(t, 1, strings.Count(strings.TrimSpace(out), "\n")+1)
	var snap monitor.AggregateHealth
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, monitor.StatusHealthy, snap.Status)
	assert.Equal(t, 2, snap.Total)
}

func TestCheck_Degraded(t *testing.T) {
	t.Setenv("PRECHECK_TEST_SECRET", "s3cret")
	srv := services(t, "billing")
	path := writeConfig(t, serviceConfig(srv, "orders", "billing", "search"))

	code, out, _ := execute(t, "check", "--config", path)

	assert.Equal(t, 1, code)
	var snap monitor.AggregateHealth
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, monitor.StatusDegraded, snap.Status)
	assert.Equal(t, 3, snap.Total)
	assert.Equal(t, 1, snap.Failed)
}

func TestCheck_HalfFailedIsUnhealthy(t *testing.T) {
	t.Setenv("PRECHECK_TEST_SECRET", "s3cret")
	srv := services(t, "billing")
	path := writeConfig(t, serviceConfig(srv, "orders", "billing"))

	code, out, _ := execute(t, "check", "--config", path)

	assert.Equal(t, 2, code)
	var snap monitor.AggregateHealth
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, monitor.StatusUnhealthy, snap.Status)
	assert.Equal(t, 2, snap.Total)
	assert.Equal(t, 1, snap.Failed)
}

func TestCheck_MissingSecretIsUnhealthy(t *testing.T) {
	t.Setenv("PRECHECK_TEST_SECRET", "")
	srv := services(t)
	path := writeConfig(t, serviceConfig(srv, "orders", "billing"))

	code, out, _ := execute(t, "check", "--config", path)

	assert.Equal(t, 2, code)
	assert.Contains(t, out, `"unhealthy"`)
}

func TestCheck_InvalidConfig(t *testing.T) {
	path := writeConfig(t, `{"concurrency": -1}`)

	code, out, errOut := execute(t, "check", "--config", path)

	assert.Equal(t, 2, code)
	assert.Empty(t, out)
	assert.Contains(t, errOut, path)
}

func TestConfigValidate(t *testing.T) {
	srv := services(t)
	path := writeConfig(t, serviceConfig(srv, "orders", "billing"))

	code, out, _ := execute(t, "config", "validate", "--config", path)

	assert.Equal(t, 0, code)
	assert.Contains(t, out, "configuration valid: "+path)
	assert.Contains(t, out, "environments: 1")
	assert.Contains(t, out, "endpoints: 2")
	assert.Contains(t, out, "history backend: none")
}

func TestConfigValidate_Malformed(t *testing.T) {
	path := writeConfig(t, `{"environments": [`)

	code, _, errOut := execute(t, "config", "validate", "--config", path)

	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "error:")
}

func TestToken(t *testing.T) {
	t.Setenv("ADMIN_JWT_SIGNING_KEY", "test-signing-key-0123456789")

	code, out, errOut := execute(t, "token", "--subject", "alice")

	require.Equal(t, 0, code)
	assert.Contains(t, errOut, "expires at")

	svc := auth.NewJWTService(auth.JWTConfig{
		SigningKey: "test-signing-key-0123456789",
		Issuer:     "precheck-monitor",
		Audience:   "precheck-api",
	})
	claims, err := svc.Authorize(strings.TrimSpace(out), auth.ScopeRefresh)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
}

func TestToken_NoSigningKey(t *testing.T) {
	t.Setenv("ADMIN_JWT_SIGNING_KEY", "")

	code, out, errOut := execute(t, "token")

	assert.Equal(t, 1, code)
	assert.Empty(t, out)
	assert.Contains(t, errOut, "ADMIN_JWT_SIGNING_KEY")
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		status monitor.Status
		want   int
	}{
		{monitor.StatusHealthy, 0},
		{monitor.StatusNoConfig, 0},
		{monitor.StatusDegraded, 1},
		{monitor.StatusUnhealthy, 2},
		{monitor.StatusPending, 2},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.status))
		})
	}
}
