package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/interfaces"
	"github.com/bobmcallan/backfin/internal/models"
)

// AIWorker classifies announcements from the ai_processing queue and
// hands storable results to the supabase_upload queue. Exactly one
// worker processes a given (corp_id, job_id) at a time thanks to the NX
// processing lock; the store-existence check shields against replays of
// already-completed work.
type AIWorker struct {
	broker     interfaces.QueueBroker
	checkpoint interfaces.CheckpointStore
	store      interfaces.FilingStore
	classifier interfaces.Classifier
	clients    map[string]interfaces.ExchangeClient
	config     *common.WorkersConfig
	dataPath   string
	logger     *common.Logger
	validate   *validator.Validate
}

// NewAIWorker wires an AI worker. clients maps exchange name to its
// download client.
func NewAIWorker(broker interfaces.QueueBroker, checkpoint interfaces.CheckpointStore, store interfaces.FilingStore, classifier interfaces.Classifier, clients map[string]interfaces.ExchangeClient, config *common.WorkersConfig, dataPath string, logger *common.Logger) *AIWorker {
	return &AIWorker{
		broker:     broker,
		checkpoint: checkpoint,
		store:      store,
		classifier: classifier,
		clients:    clients,
		config:     config,
		dataPath:   dataPath,
		logger:     logger,
		validate:   validator.New(),
	}
}

// Session returns a worker session bound to the ai_processing queue.
func (w *AIWorker) Session() *Session {
	return NewSession(models.QueueAIProcessing, w.broker, w.config, w.logger, w.Handle)
}

// Handle processes one ai_processing payload.
func (w *AIWorker) Handle(ctx context.Context, payload []byte) error {
	var job models.AIProcessingJob
	if err := json.Unmarshal(payload, &job); err != nil {
		deadLetter(ctx, w.broker, w.logger, "", models.JobTypeAIProcessing, payload, fmt.Errorf("unparseable payload: %w", err))
		return nil
	}
	if err := w.validate.Struct(&job); err != nil {
		deadLetter(ctx, w.broker, w.logger, job.JobID, job.JobType, payload, fmt.Errorf("invalid job: %w", err))
		return nil
	}

	lockKey := fmt.Sprintf("worker_processing:%s:%s", job.CorpID, job.JobID)
	locked, err := w.broker.AcquireLock(ctx, lockKey, job.JobID, w.config.GetLockTTL())
	if err != nil {
		return err
	}
	if !locked {
		w.logger.Debug().Str("corp_id", job.CorpID).Str("job_id", job.JobID).Msg("Another worker holds the processing lock, dropping duplicate")
		return nil
	}
	defer func() {
		cctx, cancel := cleanupContext()
		defer cancel()
		if err := w.broker.ReleaseLock(cctx, lockKey); err != nil {
			w.logger.Warn().Err(err).Str("corp_id", job.CorpID).Msg("Failed to release processing lock")
		}
	}()

	// Shield: if the filing already reached the store, only the local
	// checkpoint needs catching up.
	exists, err := w.store.FilingExists(ctx, job.CorpID)
	if err != nil {
		w.logger.Warn().Err(err).Str("corp_id", job.CorpID).Msg("Store existence check failed, continuing")
	} else if exists {
		w.logger.Info().Str("corp_id", job.CorpID).Msg("Filing already stored, marking checkpoint")
		w.markSent(ctx, job.Announcement.NewsID)
		return nil
	}

	ann := job.Announcement

	// Negative-keyword shortcut: routine filings skip the classifier
	// entirely and persist with the placeholder summary. The procedural
	// category keeps them out of the broadcast path.
	if keyword, hit := common.MatchNegativeKeyword(ann.RawHeadline); hit {
		w.logger.Info().Str("corp_id", job.CorpID).Str("keyword", keyword).Msg("Negative keyword hit, skipping classification")
		result := &models.Classification{
			Category:  models.CategoryProcedural,
			Headline:  ann.RawHeadline,
			Summary:   common.PlaceholderSummary,
			Sentiment: models.SentimentNeutral,
		}
		return w.finish(ctx, &job, result)
	}

	result, err := w.classify(ctx, &job)
	if err != nil {
		return w.deferRetry(ctx, &job, payload, err)
	}

	if result.Category == models.CategoryError {
		w.logger.Warn().Str("corp_id", job.CorpID).Msg("Classifier returned Error category, retrying later")
		return w.deferRetry(ctx, &job, payload, fmt.Errorf("classifier returned Error category"))
	}

	return w.finish(ctx, &job, result)
}

// classify downloads the attachment when there is one and runs the
// classifier, retrying in-process before giving up.
func (w *AIWorker) classify(ctx context.Context, job *models.AIProcessingJob) (*models.Classification, error) {
	ann := &job.Announcement

	var pdfPath string
	if job.PDFURL != "" {
		client, ok := w.clients[ann.Exchange]
		if !ok {
			return nil, fmt.Errorf("no client for exchange %q", ann.Exchange)
		}
		path, err := client.DownloadPDF(ctx, ann, filepath.Join(w.dataPath, "pdfs"))
		if err != nil {
			return nil, fmt.Errorf("PDF download failed: %w", err)
		}
		pdfPath = path

		pages, err := common.PDFPageCount(path)
		if err != nil {
			w.logger.Warn().Err(err).Str("corp_id", job.CorpID).Msg("Failed to count PDF pages")
		}
		w.updateCheckpoint(ctx, ann.NewsID, func(r *models.CheckpointRow) {
			r.DownloadedPDFFile = path
			r.PDFPages = pages
			r.PDFDownloadedAt = time.Now()
		})
	}

	var lastErr error
	for attempt := 1; attempt <= w.config.GetSessionRetries(); attempt++ {
		var result *models.Classification
		var err error
		if pdfPath != "" {
			result, err = w.classifier.ClassifyPDF(ctx, pdfPath, ann.RawHeadline)
		} else {
			result, err = w.classifier.ClassifyText(ctx, ann.RawHeadline+"\n\n"+ann.Body)
		}
		if err == nil {
			return result, nil
		}
		lastErr = err
		w.logger.Warn().Err(err).Str("corp_id", job.CorpID).Int("attempt", attempt).Msg("Classification attempt failed")

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("classification failed after %d attempts: %w", w.config.GetSessionRetries(), lastErr)
}

// deferRetry reschedules a failed job on the delayed set with the
// doubling backoff, or dead-letters it once the persistent retry count
// is spent.
func (w *AIWorker) deferRetry(ctx context.Context, job *models.AIProcessingJob, payload []byte, cause error) error {
	retries, err := w.broker.IncrRetryCount(ctx, job.JobID)
	if err != nil {
		return err
	}

	if retries > int64(job.MaxRetries)*3 {
		w.recordAIError(ctx, job.Announcement.NewsID, cause.Error())
		deadLetter(ctx, w.broker, w.logger, job.JobID, job.JobType, payload, cause)
		if err := w.broker.ResetRetryCount(ctx, job.JobID); err != nil {
			w.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to reset retry count")
		}
		return nil
	}

	delay := backoffDelay(w.config.GetBackoffBase(), w.config.GetBackoffCap(), retries)
	due := time.Now().Add(delay)
	w.logger.Info().
		Str("corp_id", job.CorpID).
		Int64("retry", retries).
		Dur("delay", delay).
		Msg("Deferring failed job")
	return w.broker.Defer(ctx, models.QueueAIProcessing, payload, due)
}

// finish records the classification locally and enqueues the store
// upload.
func (w *AIWorker) finish(ctx context.Context, job *models.AIProcessingJob, result *models.Classification) error {
	ann := &job.Announcement

	w.updateCheckpoint(ctx, ann.NewsID, func(r *models.CheckpointRow) {
		r.AIProcessed = true
		r.AISummary = result.Summary
		r.AIError = ""
		r.AIProcessedAt = time.Now()
	})

	upload := models.SupabaseUploadJob{
		Envelope: models.NewEnvelope(models.JobTypeSupabaseUpload),
		CorpID:   job.CorpID,
		ProcessedData: models.ProcessedFiling{
			Classification:  *result,
			CorpID:          job.CorpID,
			NewsID:          ann.NewsID,
			SecurityID:      ann.SecurityID,
			ISIN:            ann.ISIN,
			Symbol:          ann.Symbol,
			CompanyName:     ann.CompanyName,
			Date:            ann.EventDatetime.Format("2006-01-02"),
			FileURL:         ann.PDFURL,
			OriginalSummary: ann.RawHeadline,
		},
	}
	payload, err := json.Marshal(upload)
	if err != nil {
		return fmt.Errorf("failed to marshal upload job: %w", err)
	}
	if err := w.broker.Push(ctx, models.QueueSupabaseUpload, payload); err != nil {
		return err
	}

	if err := w.broker.ResetRetryCount(ctx, job.JobID); err != nil {
		w.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to reset retry count")
	}

	w.logger.Info().
		Str("corp_id", job.CorpID).
		Str("category", result.Category).
		Str("sentiment", result.Sentiment).
		Msg("Announcement classified")
	return nil
}

func (w *AIWorker) markSent(ctx context.Context, newsID string) {
	w.updateCheckpoint(ctx, newsID, func(r *models.CheckpointRow) {
		r.AIProcessed = true
		r.SentToSupabase = true
		r.SentToSupabaseAt = time.Now()
	})
}

func (w *AIWorker) recordAIError(ctx context.Context, newsID, msg string) {
	w.updateCheckpoint(ctx, newsID, func(r *models.CheckpointRow) {
		r.AIProcessed = true
		r.AIError = msg
		r.AIProcessedAt = time.Now()
	})
}

// updateCheckpoint tolerates missing rows: jobs may originate from the
// intake endpoint rather than a local scrape.
func (w *AIWorker) updateCheckpoint(ctx context.Context, newsID string, mutate func(*models.CheckpointRow)) {
	if newsID == "" {
		return
	}
	if err := w.checkpoint.UpdateCheckpoint(ctx, newsID, mutate); err != nil {
		w.logger.Debug().Err(err).Str("news_id", newsID).Msg("Checkpoint update skipped")
	}
}
