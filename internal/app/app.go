package app

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/precheck/monitor/internal/auth"
	"github.com/precheck/monitor/internal/config"
	"github.com/precheck/monitor/internal/database"
	"github.com/precheck/monitor/internal/history"
	"github.com/precheck/monitor/internal/monitor"
	"github.com/precheck/monitor/internal/notify"
	"github.com/precheck/monitor/internal/provider/resilience"
	"github.com/precheck/monitor/internal/secrets"
)

// Token claims for operator JWTs.
const (
	TokenIssuer   = "precheck-monitor"
	TokenAudience = "precheck-api"
)

// Options controls Build.
type Options struct {
	// Config is used as is when set; otherwise it is loaded from
	// config.DefaultCandidates(ConfigPath).
	Config     *config.Config
	ConfigPath string

	// Secrets resolves client secret references. Default: environment.
	Secrets secrets.Resolver

	// HTTPClient is shared by the token providers.
	HTTPClient *http.Client

	// DisableMetrics skips creating the OpenTelemetry instruments.
	DisableMetrics bool

	Logger zerolog.Logger
}

// App is the assembled monitor and the resources it owns.
type App struct {
	Config   *config.Config
	Monitor  *monitor.Service
	History  history.Repository
	Notifier *notify.Webhook

	pool *pgxpool.Pool
}

// Build loads configuration and wires the health aggregator with its
// prober, notifier and snapshot history. Only configuration and storage
// errors are returned.
func Build(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg != nil {
		if err := cfg.Validate(); err != nil {
			return nil, &config.Error{Path: cfg.Source, Err: err}
		}
	} else {
		loaded, err := config.Load(config.DefaultCandidates(opts.ConfigPath)...)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	log := opts.Logger

	if cfg.Source == "" {
		log.Warn().Msg("no configuration file found, using defaults")
	} else {
		log.Info().Str("path", cfg.Source).Int("environments", len(cfg.Environments)).Msg("configuration loaded")
	}

	a := &App{Config: cfg}

	repo, err := a.openHistory(ctx, cfg.History, log)
	if err != nil {
		return nil, err
	}
	a.History = repo

	a.Notifier = notify.NewWebhook(notify.WebhookConfig{
		URL:     cfg.Webhook.URL,
		Enabled: cfg.Webhook.Enabled,
		Logger:  log.With().Str("component", "webhook").Logger(),
	})
	if a.Notifier.Enabled() {
		log.Info().Msg("failure webhook enabled")
	}

	prober := resilience.NewClient(resilience.ClientConfig{
		Name:       "probe",
		MaxRetries: cfg.Retry.MaxRetries,
		RetryDelay: cfg.RetryDelay(),
		Logger:     log.With().Str("component", "prober").Logger(),
	})

	svcCfg := monitor.ServiceConfig{
		Environments: cfg.Environments,
		Secrets:      opts.Secrets,
		Prober:       prober,
		Notifier:     a.Notifier,
		CacheTTL:     cfg.CacheTTL(),
		Concurrency:  cfg.Concurrency,
		HTTPClient:   opts.HTTPClient,
		Logger:       log.With().Str("component", "monitor").Logger(),
	}
	if repo != nil {
		svcCfg.Recorder = repo
	}
	if !opts.DisableMetrics {
		metrics, err := monitor.NewMetrics()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("creating monitor metrics: %w", err)
		}
		svcCfg.Metrics = metrics
	}

	a.Monitor = monitor.NewService(svcCfg)
	return a, nil
}

func (a *App) openHistory(ctx context.Context, hc config.HistoryConfig, log zerolog.Logger) (history.Repository, error) {
	switch hc.Backend {
	case config.HistoryNone:
		return nil, nil

	case config.HistoryPostgres:
		dbConfig := database.ConfigFromEnv()
		pool, err := database.Connect(ctx, dbConfig)
		if err != nil {
			return nil, fmt.Errorf("connecting history database: %w", err)
		}
		repo := history.NewPostgresRepository(pool)
		if err := repo.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrating history table: %w", err)
		}
		a.pool = pool
		log.Info().
			Str("host", dbConfig.Host).
			Str("database", dbConfig.Database).
			Msg("history stored in postgres")
		return repo, nil

	case config.HistoryDynamoDB:
		client, err := history.NewDynamoDBClient(ctx, hc.AWSRegion)
		if err != nil {
			return nil, fmt.Errorf("creating dynamodb client: %w", err)
		}
		log.Info().Str("table", hc.DynamoDBTable).Msg("history stored in dynamodb")
		return history.NewDynamoDBRepository(client, hc.DynamoDBTable), nil

	default:
		return history.NewInMemoryRepository(hc.Limit), nil
	}
}

// Close releases storage connections.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// JWTFromEnv returns the operator token service keyed by
// ADMIN_JWT_SIGNING_KEY, or nil when the key is unset.
func JWTFromEnv() *auth.JWTService {
	key := os.Getenv("ADMIN_JWT_SIGNING_KEY")
	if key == "" {
		return nil
	}
	return auth.NewJWTService(auth.JWTConfig{
		SigningKey: key,
		Issuer:     TokenIssuer,
		Audience:   TokenAudience,
	})
}

// Shutdown runs every shutdown function and combines their errors.
func Shutdown(ctx context.Context, fns ...func(context.Context) error) error {
	var err error
	for _, fn := range fns {
		if fn == nil {
			continue
		}
		err = multierr.Append(err, fn(ctx))
	}
	return err
}
