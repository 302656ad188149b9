// Package config loads the monitor configuration from an ordered list of
// candidate JSON files, falling back to defaults when none exists.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

// History backends.
const (
	HistoryNone     = "none"
	HistoryMemory   = "memory"
	HistoryPostgres = "postgres"
	HistoryDynamoDB = "dynamodb"
)

// DefaultAuthority is the identity provider used when an environment does not set one.
const DefaultAuthority = "https://login.microsoftonline.com"

// Error is the fatal configuration error. It aborts startup.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return "config: " + e.Err.Error()
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RetryConfig controls the probing client.
type RetryConfig struct {
	MaxRetries        int `mapstructure:"max_retries" json:"max_retries"`
	RetryDelaySeconds int `mapstructure:"retry_delay_seconds" json:"retry_delay_seconds"`
}

// Validate implements validation.Validatable.
func (r RetryConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.MaxRetries, validation.Required, validation.Min(1)),
		validation.Field(&r.RetryDelaySeconds, validation.Min(0)),
	)
}

// WebhookConfig controls failure alerts.
type WebhookConfig struct {
	URL     string `mapstructure:"url" json:"url"`
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
}

// Validate implements validation.Validatable.
func (w WebhookConfig) Validate() error {
	return validation.ValidateStruct(&w,
		validation.Field(&w.URL, is.URL),
	)
}

// HistoryConfig selects where aggregate snapshots are persisted.
type HistoryConfig struct {
	Backend       string `mapstructure:"backend" json:"backend"`
	DynamoDBTable string `mapstructure:"dynamodb_table" json:"dynamodb_table,omitempty"`
	AWSRegion     string `mapstructure:"aws_region" json:"aws_region,omitempty"`
	Limit         int    `mapstructure:"limit" json:"limit"`
}

// Validate implements validation.Validatable.
func (h HistoryConfig) Validate() error {
	return validation.ValidateStruct(&h,
		validation.Field(&h.Backend,
			validation.Required,
			validation.In(HistoryNone, HistoryMemory, HistoryPostgres, HistoryDynamoDB),
		),
		validation.Field(&h.DynamoDBTable, validation.When(h.Backend == HistoryDynamoDB, validation.Required)),
		validation.Field(&h.Limit, validation.Min(1)),
	)
}

// Endpoint is one health-check URL inside an environment.
type Endpoint struct {
	Name string `mapstructure:"name" json:"name"`
	URL  string `mapstructure:"url" json:"url"`
}

// Validate implements validation.Validatable.
func (e Endpoint) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Name, validation.Required),
		validation.Field(&e.URL, validation.Required, is.URL),
	)
}

// Environment is one tenant under monitoring.
type Environment struct {
	Name            string     `mapstructure:"name" json:"name"`
	TenantID        string     `mapstructure:"tenant_id" json:"tenant_id"`
	AppClientID     string     `mapstructure:"app_client_id" json:"app_client_id"`
	ClientSecretEnv string     `mapstructure:"client_secret_env" json:"client_secret_env"`
	Authority       string     `mapstructure:"authority" json:"authority,omitempty"`
	APIURLs         []Endpoint `mapstructure:"api_urls" json:"api_urls"`
}

// Validate implements validation.Validatable.
func (e Environment) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Name, validation.Required),
		validation.Field(&e.TenantID, validation.Required),
		validation.Field(&e.AppClientID, validation.Required),
		validation.Field(&e.ClientSecretEnv, validation.Required),
		validation.Field(&e.Authority, is.URL),
		validation.Field(&e.APIURLs),
	)
}

// AuthorityURL returns the configured authority or DefaultAuthority.
func (e Environment) AuthorityURL() string {
	if e.Authority == "" {
		return DefaultAuthority
	}
	return e.Authority
}

// Config is the full monitor configuration.
type Config struct {
	Retry           RetryConfig   `mapstructure:"retry_config" json:"retry_config"`
	Webhook         WebhookConfig `mapstructure:"webhook" json:"webhook"`
	CacheTTLSeconds int           `mapstructure:"cache_ttl_seconds" json:"cache_ttl_seconds"`
	Concurrency     int           `mapstructure:"concurrency" json:"concurrency"`
	History         HistoryConfig `mapstructure:"history" json:"history"`
	Environments    []Environment `mapstructure:"environments" json:"environments"`

	// Source is the file the config was read from, empty for defaults.
	Source string `mapstructure:"-" json:"-"`
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Retry),
		validation.Field(&c.Webhook),
		validation.Field(&c.CacheTTLSeconds, validation.Required, validation.Min(1)),
		validation.Field(&c.Concurrency, validation.Required, validation.Min(1)),
		validation.Field(&c.History),
		validation.Field(&c.Environments, validation.By(uniqueEnvironmentNames)),
	)
}

// RetryDelay returns the delay between probe attempts.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Retry.RetryDelaySeconds) * time.Second
}

// CacheTTL returns how long an aggregate snapshot stays fresh.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// DefaultCandidates returns the ordered config search list. An explicit path,
// when given, is tried first.
func DefaultCandidates(explicit string) []string {
	candidates := make([]string, 0, 4)
	if explicit != "" {
		candidates = append(candidates, explicit)
	}
	if env := os.Getenv("PRECHECK_CONFIG"); env != "" && env != explicit {
		candidates = append(candidates, env)
	}
	return append(candidates,
		"precheck/precheck_service_monitor/config.json",
		"config/precheck_monitor_config.json",
	)
}

// Load reads the first existing candidate. With no existing candidate the
// defaults are used. Malformed JSON or invalid values return *Error.
func Load(candidates ...string) (*Config, error) {
	v := newViper()

	path, err := firstExisting(candidates)
	if err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, &Error{Path: path, Err: err}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	cfg.Source = path

	if err := cfg.Validate(); err != nil {
		return nil, &Error{Path: path, Err: err}
	}

	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("retry_config.max_retries", 5)
	v.SetDefault("retry_config.retry_delay_seconds", 10)
	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.enabled", false)
	v.SetDefault("cache_ttl_seconds", 300)
	v.SetDefault("concurrency", 4)
	v.SetDefault("history.backend", HistoryMemory)
	v.SetDefault("history.limit", 100)

	_ = v.BindEnv("webhook.url", "PRECHECK_WEBHOOK_URL")
	_ = v.BindEnv("webhook.enabled", "PRECHECK_WEBHOOK_ENABLED")

	return v
}

func firstExisting(candidates []string) (string, error) {
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		info, err := os.Stat(candidate)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return "", &Error{Path: candidate, Err: err}
		}
		if info.IsDir() {
			return "", &Error{Path: candidate, Err: errors.New("is a directory")}
		}
		return candidate, nil
	}
	return "", nil
}

func uniqueEnvironmentNames(value interface{}) error {
	envs, ok := value.([]Environment)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a list of environments")
	}
	seen := make(map[string]struct{}, len(envs))
	for _, env := range envs {
		if _, dup := seen[env.Name]; dup {
			return validation.NewError("validation_duplicate_environment", "duplicate environment name "+env.Name)
		}
		seen[env.Name] = struct{}{}
	}
	return nil
}
