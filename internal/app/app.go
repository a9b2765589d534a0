// Package app wires configuration, logging, and the pipeline components.
// It is the shared core used by every backfin subcommand.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bobmcallan/backfin/internal/broker"
	"github.com/bobmcallan/backfin/internal/clients/bse"
	"github.com/bobmcallan/backfin/internal/clients/gemini"
	"github.com/bobmcallan/backfin/internal/clients/notify"
	"github.com/bobmcallan/backfin/internal/clients/nse"
	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/interfaces"
	"github.com/bobmcallan/backfin/internal/storage/checkpoint"
	"github.com/bobmcallan/backfin/internal/storage/surreal"
)

// App holds configuration plus lazily initialized shared components.
// Accessors construct each component on first use so a subcommand only
// pays for (and only needs credentials for) what it actually touches.
type App struct {
	Config      *common.Config
	Logger      *common.Logger
	StartupTime time.Time

	mu         sync.Mutex
	broker     *broker.Broker
	checkpoint *checkpoint.DB
	surreal    *surreal.Manager
	classifier *gemini.Client
	notifier   *notify.Client
	exchanges  map[string]interfaces.ExchangeClient
	cron       *cron.Cron
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp loads configuration and prepares the shared core.
// configPath may be empty, in which case the default resolution logic is
// used: BACKFIN_CONFIG, then backfin.toml beside the binary, then
// config/backfin.toml for development checkouts.
func NewApp(configPath string) (*App, error) {
	startupStart := time.Now()

	// Load version from .version file (fallback if ldflags not set)
	common.LoadVersionFromFile()

	binDir := getBinaryDir()

	if configPath == "" {
		configPath = os.Getenv("BACKFIN_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "backfin.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/backfin.toml" // fallback for development
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Resolve relative data path to binary directory
	if config.Storage.DataPath != "" && !filepath.IsAbs(config.Storage.DataPath) {
		if _, err := os.Stat(config.Storage.DataPath); os.IsNotExist(err) {
			config.Storage.DataPath = filepath.Join(binDir, config.Storage.DataPath)
		}
	}
	if err := os.MkdirAll(filepath.Join(config.Storage.DataPath, "pdfs"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data path: %w", err)
	}

	logger := common.NewLogger(config.Logging.Level)

	a := &App{
		Config:      config,
		Logger:      logger,
		StartupTime: startupStart,
	}

	logger.Info().
		Str("config", configPath).
		Str("data_path", config.Storage.DataPath).
		Dur("startup", time.Since(startupStart)).
		Msg("App initialized")

	return a, nil
}

// Broker returns the shared Redis queue broker, connecting on first use.
func (a *App) Broker(ctx context.Context) (interfaces.QueueBroker, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.broker == nil {
		b, err := broker.NewBroker(ctx, &a.Config.Redis, broker.WithLogger(a.Logger))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to queue broker: %w", err)
		}
		a.broker = b
	}
	return a.broker, nil
}

// RawBroker returns the concrete broker for callers that need pubsub or
// queue inspection beyond the QueueBroker contract.
func (a *App) RawBroker(ctx context.Context) (*broker.Broker, error) {
	if _, err := a.Broker(ctx); err != nil {
		return nil, err
	}
	return a.broker, nil
}

// Checkpoint returns the local checkpoint database, opening it on first
// use. The open acquires the badger directory lock, so only processes
// that touch the checkpoint should call this.
func (a *App) Checkpoint() (interfaces.CheckpointStore, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.checkpoint == nil {
		db, err := checkpoint.NewDB(a.Logger, a.Config.Storage.DataPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open checkpoint db: %w", err)
		}
		a.checkpoint = db
	}
	return a.checkpoint, nil
}

// Surreal returns the cloud store manager, connecting on first use.
func (a *App) Surreal(ctx context.Context) (*surreal.Manager, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.surreal == nil {
		if err := a.Config.ValidateCredentials(true, false); err != nil {
			return nil, err
		}
		m, err := surreal.NewManager(ctx, a.Logger, &a.Config.Surreal)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to cloud store: %w", err)
		}
		a.surreal = m
	}
	return a.surreal, nil
}

// FilingStore returns the cloud filing store.
func (a *App) FilingStore(ctx context.Context) (interfaces.FilingStore, error) {
	m, err := a.Surreal(ctx)
	if err != nil {
		return nil, err
	}
	return m.FilingStore(), nil
}

// VerificationStore returns the cloud verification queue store.
func (a *App) VerificationStore(ctx context.Context) (interfaces.VerificationStore, error) {
	m, err := a.Surreal(ctx)
	if err != nil {
		return nil, err
	}
	return m.VerificationStore(), nil
}

// Classifier returns the Gemini classifier, creating it on first use.
func (a *App) Classifier(ctx context.Context) (interfaces.Classifier, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.classifier == nil {
		if err := a.Config.ValidateCredentials(false, true); err != nil {
			return nil, err
		}
		cfg := &a.Config.Gemini
		c, err := gemini.NewClient(ctx, cfg.APIKey,
			gemini.WithModel(cfg.Model),
			gemini.WithRequestsPerMin(cfg.RequestsPerMin),
			gemini.WithTimeouts(cfg.GetCallTimeout(), cfg.GetUploadTimeout()),
			gemini.WithLogger(a.Logger),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create classifier: %w", err)
		}
		a.classifier = c
	}
	return a.classifier, nil
}

// ExchangeClients returns the feed clients keyed by exchange name.
func (a *App) ExchangeClients() map[string]interfaces.ExchangeClient {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.exchanges == nil {
		a.exchanges = map[string]interfaces.ExchangeClient{
			common.ExchangeBSE: bse.NewClient(&a.Config.Scrapers.BSE, bse.WithLogger(a.Logger)),
			common.ExchangeNSE: nse.NewClient(&a.Config.Scrapers.NSE, nse.WithLogger(a.Logger)),
		}
	}
	return a.exchanges
}

// Notifier returns the broadcast intake client. With no endpoint
// configured the client is a logged no-op.
func (a *App) Notifier() interfaces.Notifier {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.notifier == nil {
		a.notifier = notify.NewClient(&a.Config.Broadcast, notify.WithLogger(a.Logger))
	}
	return a.notifier
}

// Close releases every component that was initialized.
// Shutdown order: stop the scrape scheduler, then the broker, then local
// and cloud stores.
func (a *App) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cron != nil {
		<-a.cron.Stop().Done()
		a.cron = nil
	}
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Broker close failed")
		}
		a.broker = nil
	}
	if a.checkpoint != nil {
		if err := a.checkpoint.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Checkpoint close failed")
		}
		a.checkpoint = nil
	}
	if a.surreal != nil {
		if err := a.surreal.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Cloud store close failed")
		}
		a.surreal = nil
	}
}
