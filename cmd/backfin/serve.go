package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bobmcallan/backfin/internal/app"
	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/server"
	"github.com/bobmcallan/backfin/internal/verify"
)

// runServe starts the broadcast frontend: HTTP intake, the WebSocket
// rooms hub, the cross-instance event relay, the scrape scheduler, and
// the verification janitor. Missing store credentials degrade to intake
// and health probes only.
func runServe(ctx context.Context, a *app.App) error {
	common.PrintBanner(a.Config, "server")

	hub := server.NewHub(a.Logger)
	go hub.Run()

	b, err := a.RawBroker(ctx)
	if err != nil {
		return err
	}

	srv := server.NewServer(a.Config, a.Logger, hub, b, b)

	// Relay intake payloads published by any serve instance to the
	// local hub.
	pubsub := b.Subscribe(ctx)
	defer pubsub.Close()
	messages := make(chan []byte, 64)
	go func() {
		defer close(messages)
		for msg := range pubsub.Channel() {
			messages <- []byte(msg.Payload)
		}
	}()
	go srv.RelayEvents(ctx, messages)

	if store, err := a.VerificationStore(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Verification janitor disabled")
	} else {
		janitor := verify.NewJanitor(store, server.NewHubTaskNotifier(hub), &a.Config.Verify, a.Logger)
		go func() {
			if err := janitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error().Err(err).Msg("Verification janitor exited")
			}
		}()
	}

	if err := a.StartScrapeScheduler(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Scrape scheduler not started")
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	a.Logger.Info().Msg("Shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	return nil
}
