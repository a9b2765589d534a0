// Package replay re-runs the classification and store stages for
// checkpoint rows an earlier run left incomplete.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/interfaces"
	"github.com/bobmcallan/backfin/internal/models"
)

// Replayer walks the checkpoint rows of a date where ai_processed=0 or
// sent_to_supabase=0 and pushes each through the remaining stages
// directly, without the queue. A newer classification overwrites the
// stored row. Negative-keyword rows persist but are never broadcast.
type Replayer struct {
	checkpoint interfaces.CheckpointStore
	store      interfaces.FilingStore
	classifier interfaces.Classifier
	clients    map[string]interfaces.ExchangeClient
	notifier   interfaces.Notifier
	config     *common.ReplayConfig
	workers    *common.WorkersConfig
	dataPath   string
	logger     *common.Logger
}

// NewReplayer wires a replayer. notifier may be nil to suppress
// broadcasting entirely.
func NewReplayer(checkpoint interfaces.CheckpointStore, store interfaces.FilingStore, classifier interfaces.Classifier, clients map[string]interfaces.ExchangeClient, notifier interfaces.Notifier, config *common.ReplayConfig, workers *common.WorkersConfig, dataPath string, logger *common.Logger) *Replayer {
	return &Replayer{
		checkpoint: checkpoint,
		store:      store,
		classifier: classifier,
		clients:    clients,
		notifier:   notifier,
		config:     config,
		workers:    workers,
		dataPath:   dataPath,
		logger:     logger,
	}
}

// RunOnce replays every incomplete row of one date (YYYY-MM-DD; empty
// means all dates). Returns the number of rows completed.
func (r *Replayer) RunOnce(ctx context.Context, date string) (int, error) {
	rows, err := r.checkpoint.RowsNeedingWork(ctx, date, r.config.GetBatchLimit())
	if err != nil {
		return 0, fmt.Errorf("failed to load incomplete rows: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	r.logger.Info().Str("date", date).Int("rows", len(rows)).Msg("Replaying incomplete rows")

	completed := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			return completed, ctx.Err()
		}
		// Rows that finished classification with a terminal error are
		// done as far as replay is concerned.
		if row.AIProcessed && row.AIError != "" {
			continue
		}
		if err := r.replayRow(ctx, row); err != nil {
			r.logger.Warn().Err(err).Str("news_id", row.NewsID).Msg("Row replay failed")
			continue
		}
		completed++
	}

	r.logger.Info().Str("date", date).Int("completed", completed).Int("failed", len(rows)-completed).Msg("Replay pass finished")
	return completed, nil
}

// Run is the continuous mode: wake on the interval, target today, back
// off after consecutive empty runs.
func (r *Replayer) Run(ctx context.Context) error {
	r.logger.Info().
		Dur("interval", r.config.GetInterval()).
		Dur("idle_backoff", r.config.GetIdleBackoff()).
		Msg("Continuous replayer started")

	idleRuns := 0
	timer := time.NewTimer(r.config.GetInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		today := time.Now().Format("2006-01-02")
		completed, err := r.RunOnce(ctx, today)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error().Err(err).Msg("Replay run failed")
		}

		if completed == 0 {
			idleRuns++
		} else {
			idleRuns = 0
		}

		next := r.config.GetInterval()
		if idleRuns >= r.config.GetMaxIdleRuns() {
			next = r.config.GetIdleBackoff()
			r.logger.Debug().Int("idle_runs", idleRuns).Dur("backoff", next).Msg("Nothing to replay, backing off")
		}
		timer.Reset(next)
	}
}

// replayRow runs the missing stages for one checkpoint row.
func (r *Replayer) replayRow(ctx context.Context, row *models.CheckpointRow) error {
	shortcut := false
	var result *models.Classification

	if keyword, hit := common.MatchNegativeKeyword(row.RawHeadline); hit {
		shortcut = true
		result = &models.Classification{
			Category:  models.CategoryProcedural,
			Headline:  row.RawHeadline,
			Summary:   common.PlaceholderSummary,
			Sentiment: models.SentimentNeutral,
		}
		r.logger.Debug().Str("news_id", row.NewsID).Str("keyword", keyword).Msg("Negative keyword hit during replay")
	} else {
		var err error
		result, err = r.classify(ctx, row)
		if err != nil {
			// Transient: row stays incomplete and the next pass retries it.
			r.markAIError(ctx, row.NewsID, err.Error(), false)
			return err
		}
		if result.Category == models.CategoryError {
			// Terminal: processed with an error, never stored.
			r.markAIError(ctx, row.NewsID, "classifier returned Error category", true)
			return fmt.Errorf("classifier returned Error category")
		}
	}

	if err := r.checkpoint.UpdateCheckpoint(ctx, row.NewsID, func(cr *models.CheckpointRow) {
		cr.AIProcessed = true
		cr.AISummary = result.Summary
		cr.AIError = ""
		cr.AIProcessedAt = time.Now()
	}); err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}

	filing := &models.ProcessedFiling{
		Classification:  *result,
		CorpID:          row.CorpID,
		NewsID:          row.NewsID,
		SecurityID:      row.SecurityID,
		ISIN:            row.ISIN,
		Symbol:          row.Symbol,
		CompanyName:     row.CompanyName,
		Date:            row.EventDatetime.Format("2006-01-02"),
		FileURL:         row.PDFURL,
		OriginalSummary: row.RawHeadline,
	}

	if err := r.storeFiling(ctx, filing); err != nil {
		return err
	}

	if err := r.checkpoint.UpdateCheckpoint(ctx, row.NewsID, func(cr *models.CheckpointRow) {
		cr.SentToSupabase = true
		cr.SentToSupabaseAt = time.Now()
	}); err != nil {
		return fmt.Errorf("failed to mark row sent: %w", err)
	}

	if !shortcut {
		r.notify(ctx, filing)
	}
	return nil
}

// classify ensures the attachment is on disk and runs the classifier
// with the in-process retry budget.
func (r *Replayer) classify(ctx context.Context, row *models.CheckpointRow) (*models.Classification, error) {
	pdfPath := row.DownloadedPDFFile
	if pdfPath != "" {
		if _, err := os.Stat(pdfPath); err != nil {
			pdfPath = ""
		}
	}
	if pdfPath == "" && row.PDFURL != "" {
		client, ok := r.clients[row.Exchange]
		if !ok {
			return nil, fmt.Errorf("no client for exchange %q", row.Exchange)
		}
		path, err := client.DownloadPDF(ctx, &row.Announcement, filepath.Join(r.dataPath, "pdfs"))
		if err != nil {
			return nil, fmt.Errorf("PDF download failed: %w", err)
		}
		pdfPath = path

		pages, err := common.PDFPageCount(path)
		if err != nil {
			r.logger.Warn().Err(err).Str("news_id", row.NewsID).Msg("Failed to count PDF pages")
		}
		if err := r.checkpoint.UpdateCheckpoint(ctx, row.NewsID, func(cr *models.CheckpointRow) {
			cr.DownloadedPDFFile = path
			cr.PDFPages = pages
			cr.PDFDownloadedAt = time.Now()
		}); err != nil {
			r.logger.Warn().Err(err).Str("news_id", row.NewsID).Msg("Checkpoint PDF update failed")
		}
	}

	var lastErr error
	for attempt := 1; attempt <= r.workers.GetSessionRetries(); attempt++ {
		var result *models.Classification
		var err error
		if pdfPath != "" {
			result, err = r.classifier.ClassifyPDF(ctx, pdfPath, row.RawHeadline)
		} else {
			result, err = r.classifier.ClassifyText(ctx, row.RawHeadline+"\n\n"+row.Body)
		}
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn().Err(err).Str("news_id", row.NewsID).Int("attempt", attempt).Msg("Replay classification attempt failed")
	}
	return nil, fmt.Errorf("classification failed after %d attempts: %w", r.workers.GetSessionRetries(), lastErr)
}

// storeFiling inserts the row, or overwrites the stored classification
// when a row already exists.
func (r *Replayer) storeFiling(ctx context.Context, filing *models.ProcessedFiling) error {
	exists, err := r.store.FilingExists(ctx, filing.CorpID)
	if err != nil {
		return fmt.Errorf("store existence check failed: %w", err)
	}

	if exists {
		if err := r.store.UpdateFiling(ctx, filing); err != nil {
			return fmt.Errorf("failed to update filing: %w", err)
		}
	} else {
		if err := r.store.InsertFiling(ctx, filing); err != nil {
			return fmt.Errorf("failed to insert filing: %w", err)
		}
		if err := r.store.IncrementCategoryCount(ctx, filing.Date, filing.Category); err != nil {
			r.logger.Warn().Err(err).Str("corp_id", filing.CorpID).Msg("Category counter update failed")
		}
	}

	if filing.FinData != "" {
		var fin models.FinData
		if err := json.Unmarshal([]byte(filing.FinData), &fin); err != nil {
			r.logger.Warn().Err(err).Str("corp_id", filing.CorpID).Msg("Unparseable findata, skipping financial results")
		} else if fin.Period != "" {
			if err := r.store.UpsertFinancialResults(ctx, filing.CorpID, filing.ISIN, fin); err != nil {
				r.logger.Warn().Err(err).Str("corp_id", filing.CorpID).Msg("Financial results upsert failed")
			}
		}
	}
	return nil
}

func (r *Replayer) notify(ctx context.Context, filing *models.ProcessedFiling) {
	if r.notifier == nil {
		return
	}
	event := models.BroadcastPayload{
		CorpID:      filing.CorpID,
		Category:    filing.Category,
		Summary:     filing.OriginalSummary,
		AISummary:   filing.Summary,
		ISIN:        filing.ISIN,
		Symbol:      filing.Symbol,
		CompanyName: filing.CompanyName,
		Date:        filing.Date,
		FileURL:     filing.FileURL,
		Headline:    filing.Headline,
		Sentiment:   filing.Sentiment,
	}
	if !event.ShouldBroadcast() {
		return
	}
	if err := r.notifier.NotifyNewAnnouncement(ctx, &event); err != nil {
		r.logger.Warn().Err(err).Str("corp_id", filing.CorpID).Msg("Broadcast notify failed")
	}
}

func (r *Replayer) markAIError(ctx context.Context, newsID, msg string, terminal bool) {
	if err := r.checkpoint.UpdateCheckpoint(ctx, newsID, func(cr *models.CheckpointRow) {
		if terminal {
			cr.AIProcessed = true
		}
		cr.AIError = msg
		cr.AIProcessedAt = time.Now()
	}); err != nil {
		r.logger.Warn().Err(err).Str("news_id", newsID).Msg("Checkpoint error update failed")
	}
}
