// backfin ingests Indian exchange corporate filings, classifies them,
// and fans the results out to the cloud store and WebSocket subscribers.
//
// Usage:
//
//	backfin serve                     broadcast frontend + scrapers + janitor
//	backfin scrape [--once]           run the exchange scrapers
//	backfin worker --queue <name>     one ephemeral worker session
//	backfin supervisor                spawn workers on queue demand
//	backfin delayed                   delayed queue + stale job maintenance
//	backfin replay [--date DATE]      re-run incomplete checkpoint rows
//	backfin janitor                   verification queue cleanup
//	backfin store-job                 isolated store insert (stdin payload)
//	backfin version                   print version info
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bobmcallan/backfin/internal/app"
	"github.com/bobmcallan/backfin/internal/common"
)

func main() {
	flag.Usage = usage
	configPath := flag.String("config", "", "path to backfin.toml")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	cmd, cmdArgs := args[0], args[1:]

	if cmd == "version" {
		common.LoadVersionFromFile()
		fmt.Printf("backfin %s (build %s, commit %s)\n", common.GetVersion(), common.GetBuild(), common.GetGitCommit())
		return
	}

	a, err := app.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	switch cmd {
	case "serve":
		err = runServe(ctx, a)
	case "scrape":
		err = runScrape(ctx, a, cmdArgs)
	case "worker":
		err = runWorker(ctx, a, cmdArgs)
	case "supervisor":
		err = runSupervisor(ctx, a)
	case "delayed":
		err = runDelayed(ctx, a)
	case "replay":
		err = runReplay(ctx, a, cmdArgs)
	case "janitor":
		err = runJanitor(ctx, a)
	case "store-job":
		err = runStoreJob(ctx, a)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil && ctx.Err() == nil {
		a.Logger.Error().Err(err).Str("command", cmd).Msg("Command failed")
		a.Close()
		os.Exit(1)
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func usage() {
	fmt.Fprintf(os.Stderr, `backfin - exchange filing ingestion and classification

Usage:
  backfin [--config path] <command> [flags]

Commands:
  serve        broadcast frontend, scrape scheduler, verification janitor
  scrape       run the exchange scrapers (--once for a single pass)
  worker       one ephemeral worker session (--queue name)
  supervisor   spawn workers on queue demand
  delayed      promote delayed jobs and requeue stale ones
  replay       re-run incomplete checkpoint rows (--date YYYY-MM-DD)
  janitor      verification queue cleanup
  store-job    isolated store insert, payload on stdin
  version      print version info
`)
}
