package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/interfaces"
	"github.com/bobmcallan/backfin/internal/scraper"
)

// cronLogger adapts the zerolog wrapper to the cron.Logger contract.
type cronLogger struct {
	logger *common.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// Scrapers builds one scraper service per enabled exchange.
func (a *App) Scrapers(ctx context.Context) ([]*scraper.Service, error) {
	cp, err := a.Checkpoint()
	if err != nil {
		return nil, err
	}
	qb, err := a.Broker(ctx)
	if err != nil {
		return nil, err
	}

	clients := a.ExchangeClients()
	configs := map[string]*common.ScraperConfig{
		common.ExchangeBSE: &a.Config.Scrapers.BSE,
		common.ExchangeNSE: &a.Config.Scrapers.NSE,
	}

	var services []*scraper.Service
	for _, name := range []string{common.ExchangeBSE, common.ExchangeNSE} {
		cfg := configs[name]
		if !cfg.Enabled {
			a.Logger.Info().Str("scraper", name).Msg("Scraper disabled")
			continue
		}
		svc, err := scraper.NewService(clients[name], cp, qb, cfg, a.Config.Storage.DataPath, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s scraper: %w", name, err)
		}
		services = append(services, svc)
	}
	return services, nil
}

// StartScrapeScheduler schedules a feed pass per enabled exchange at its
// configured poll interval. Overlapping passes for the same exchange are
// skipped rather than stacked; a panicking pass is recovered. Stopped by
// App.Close.
func (a *App) StartScrapeScheduler(ctx context.Context) error {
	services, err := a.Scrapers(ctx)
	if err != nil {
		return err
	}
	if len(services) == 0 {
		return fmt.Errorf("no scrapers enabled")
	}

	clog := cronLogger{logger: a.Logger}
	c := cron.New(cron.WithChain(
		cron.Recover(clog),
		cron.SkipIfStillRunning(clog),
	))

	configs := map[string]*common.ScraperConfig{
		common.ExchangeBSE: &a.Config.Scrapers.BSE,
		common.ExchangeNSE: &a.Config.Scrapers.NSE,
	}
	for _, svc := range services {
		svc := svc
		interval := configs[svc.Name()].GetPollInterval()
		spec := fmt.Sprintf("@every %s", interval)
		if _, err := c.AddFunc(spec, func() { a.runScrapePass(ctx, svc) }); err != nil {
			return fmt.Errorf("failed to schedule %s scraper: %w", svc.Name(), err)
		}
		a.Logger.Info().Str("scraper", svc.Name()).Dur("interval", interval).Msg("Scraper scheduled")
	}

	c.Start()

	a.mu.Lock()
	a.cron = c
	a.mu.Unlock()
	return nil
}

func (a *App) runScrapePass(ctx context.Context, svc interfaces.Scraper) {
	if ctx.Err() != nil {
		return
	}
	if _, err := svc.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Str("scraper", svc.Name()).Msg("Scraper pass failed")
	}
}
