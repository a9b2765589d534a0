package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/bobmcallan/backfin/internal/app"
	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/models"
	"github.com/bobmcallan/backfin/internal/replay"
	"github.com/bobmcallan/backfin/internal/verify"
	"github.com/bobmcallan/backfin/internal/workers"
)

// runScrape runs the exchange scrapers: a single pass with --once,
// otherwise on the configured poll cadence until interrupted.
func runScrape(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("scrape", flag.ExitOnError)
	once := fs.Bool("once", false, "run a single pass per scraper and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	common.PrintBanner(a.Config, "scraper")

	if *once {
		services, err := a.Scrapers(ctx)
		if err != nil {
			return err
		}
		for _, svc := range services {
			enqueued, err := svc.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("%s pass failed: %w", svc.Name(), err)
			}
			a.Logger.Info().Str("scraper", svc.Name()).Int("enqueued", enqueued).Msg("Scrape pass done")
		}
		return nil
	}

	if err := a.StartScrapeScheduler(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// runWorker runs one ephemeral worker session for a queue. The process
// exits after the session bound or idle timeout; the supervisor spawns
// replacements on demand.
func runWorker(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	queue := fs.String("queue", "", "queue to consume (ai_processing, supabase_upload, investor_processing)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *queue == "" {
		return fmt.Errorf("worker requires --queue")
	}

	common.PrintBanner(a.Config, "worker:"+*queue)

	b, err := a.Broker(ctx)
	if err != nil {
		return err
	}

	var session *workers.Session
	switch *queue {
	case models.QueueAIProcessing:
		cp, err := a.Checkpoint()
		if err != nil {
			return err
		}
		store, err := a.FilingStore(ctx)
		if err != nil {
			return err
		}
		classifier, err := a.Classifier(ctx)
		if err != nil {
			return err
		}
		w := workers.NewAIWorker(b, cp, store, classifier, a.ExchangeClients(),
			&a.Config.Workers, a.Config.Storage.DataPath, a.Logger)
		session = w.Session()

	case models.QueueSupabaseUpload:
		cp, err := a.Checkpoint()
		if err != nil {
			return err
		}
		w := workers.NewStoreWorker(b, cp, a.Notifier(), &a.Config.Workers, a.Logger)
		session = w.Session()

	case models.QueueInvestorProcessing:
		store, err := a.FilingStore(ctx)
		if err != nil {
			return err
		}
		w := workers.NewInvestorWorker(b, store, &a.Config.Workers, a.Logger)
		session = w.Session()

	default:
		return fmt.Errorf("unknown queue %q", *queue)
	}

	return session.Run(ctx)
}

// runSupervisor spawns worker children while their queues have depth.
func runSupervisor(ctx context.Context, a *app.App) error {
	common.PrintBanner(a.Config, "supervisor")

	b, err := a.Broker(ctx)
	if err != nil {
		return err
	}
	return workers.NewSupervisor(b, &a.Config.Supervisor, a.Logger).Run(ctx)
}

// runDelayed promotes due delayed jobs and, alongside, requeues jobs
// orphaned in processing lists.
func runDelayed(ctx context.Context, a *app.App) error {
	common.PrintBanner(a.Config, "delayed")

	b, err := a.Broker(ctx)
	if err != nil {
		return err
	}

	sweeper := workers.NewSweeper(b, &a.Config.Workers, a.Logger)
	go func() {
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			a.Logger.Error().Err(err).Msg("Sweeper exited")
		}
	}()

	return workers.NewDelayedProcessor(b, &a.Config.Delayed, a.Logger).Run(ctx)
}

// runReplay re-runs incomplete checkpoint rows: one date with --date,
// otherwise today in a continuous loop.
func runReplay(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	date := fs.String("date", "", "target date (YYYY-MM-DD); empty loops over today")
	if err := fs.Parse(args); err != nil {
		return err
	}

	common.PrintBanner(a.Config, "replay")

	cp, err := a.Checkpoint()
	if err != nil {
		return err
	}
	store, err := a.FilingStore(ctx)
	if err != nil {
		return err
	}
	classifier, err := a.Classifier(ctx)
	if err != nil {
		return err
	}

	r := replay.NewReplayer(cp, store, classifier, a.ExchangeClients(), a.Notifier(),
		&a.Config.Replay, &a.Config.Workers, a.Config.Storage.DataPath, a.Logger)

	if *date != "" {
		if _, err := time.Parse("2006-01-02", *date); err != nil {
			return fmt.Errorf("invalid --date %q: %w", *date, err)
		}
		completed, err := r.RunOnce(ctx, *date)
		if err != nil {
			return err
		}
		a.Logger.Info().Str("date", *date).Int("completed", completed).Msg("Replay done")
		return nil
	}
	return r.Run(ctx)
}

// runJanitor runs the verification queue cleanup loop. Standalone runs
// have no hub, so verifier pings are skipped.
func runJanitor(ctx context.Context, a *app.App) error {
	common.PrintBanner(a.Config, "janitor")

	store, err := a.VerificationStore(ctx)
	if err != nil {
		return err
	}
	return verify.NewJanitor(store, nil, &a.Config.Verify, a.Logger).Run(ctx)
}

// runStoreJob executes one isolated store insert with the payload on
// stdin. Spawned by the store worker; a crash here takes down only this
// process, never the worker.
func runStoreJob(ctx context.Context, a *app.App) error {
	if v := os.Getenv("JOB_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
			defer cancel()
		}
	}

	store, err := a.FilingStore(ctx)
	if err != nil {
		return err
	}

	err = workers.ExecuteStoreJob(ctx, store, a.Logger, os.Stdin)
	if errors.Is(err, workers.ErrFilingAlreadyStored) {
		// Distinct exit code so the parent worker can skip its follow-ups.
		a.Close()
		os.Exit(workers.AlreadyStoredExitCode)
	}
	return err
}
