package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/interfaces"
	"github.com/bobmcallan/backfin/internal/models"
)

// StoreWorker drains the supabase_upload queue. The store insert itself
// runs in a short-lived child process (the store-job subcommand) so a
// wedged or crashing store driver can never take the worker down; the
// parent owns the checkpoint update, the broadcast, and the investor
// follow-up job.
type StoreWorker struct {
	broker     interfaces.QueueBroker
	checkpoint interfaces.CheckpointStore
	notifier   interfaces.Notifier
	config     *common.WorkersConfig
	logger     *common.Logger
	validate   *validator.Validate

	// runChild executes the isolated store insert; replaced in tests.
	runChild func(ctx context.Context, payload []byte) error
}

// NewStoreWorker wires a store worker.
func NewStoreWorker(broker interfaces.QueueBroker, checkpoint interfaces.CheckpointStore, notifier interfaces.Notifier, config *common.WorkersConfig, logger *common.Logger) *StoreWorker {
	w := &StoreWorker{
		broker:     broker,
		checkpoint: checkpoint,
		notifier:   notifier,
		config:     config,
		logger:     logger,
		validate:   validator.New(),
	}
	w.runChild = w.execStoreJob
	return w
}

// Session returns a worker session bound to the supabase_upload queue.
func (w *StoreWorker) Session() *Session {
	return NewSession(models.QueueSupabaseUpload, w.broker, w.config, w.logger, w.Handle)
}

// Handle processes one supabase_upload payload.
func (w *StoreWorker) Handle(ctx context.Context, payload []byte) error {
	var job models.SupabaseUploadJob
	if err := json.Unmarshal(payload, &job); err != nil {
		deadLetter(ctx, w.broker, w.logger, "", models.JobTypeSupabaseUpload, payload, fmt.Errorf("unparseable payload: %w", err))
		return nil
	}
	if err := w.validate.Struct(&job); err != nil {
		deadLetter(ctx, w.broker, w.logger, job.JobID, job.JobType, payload, fmt.Errorf("invalid job: %w", err))
		return nil
	}

	filing := &job.ProcessedData
	if !filing.Valid() {
		deadLetter(ctx, w.broker, w.logger, job.JobID, job.JobType, payload, fmt.Errorf("category %q is not storable", filing.Category))
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= w.config.GetMaxRetries(); attempt++ {
		lastErr = w.runChild(ctx, payload)
		if lastErr == nil || errors.Is(lastErr, ErrFilingAlreadyStored) {
			break
		}
		w.logger.Warn().Err(lastErr).Str("corp_id", job.CorpID).Int("attempt", attempt).Msg("Store insert attempt failed")
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	switch {
	case errors.Is(lastErr, ErrFilingAlreadyStored):
		// A previous delivery already ran the follow-ups; repeating them
		// would double the broadcast and the investor job.
		w.logger.Info().Str("corp_id", job.CorpID).Msg("Filing already stored, skipping follow-ups")
		w.markStored(ctx, &job)
	case lastErr != nil:
		return w.deferRetry(ctx, &job, payload, lastErr)
	default:
		w.afterStore(ctx, &job)
	}
	if err := w.broker.ResetRetryCount(ctx, job.JobID); err != nil {
		w.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to reset retry count")
	}
	return nil
}

// execStoreJob re-invokes this binary's store-job subcommand with the
// payload on stdin and a hard timeout.
func (w *StoreWorker) execStoreJob(ctx context.Context, payload []byte) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve executable: %w", err)
	}

	childCtx, cancel := context.WithTimeout(ctx, w.config.GetJobTimeout())
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(childCtx, exe, "store-job")
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), fmt.Sprintf("JOB_TIMEOUT=%d", int(w.config.GetJobTimeout().Seconds())))

	if err := cmd.Run(); err != nil {
		if childCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("store job timed out after %s", w.config.GetJobTimeout())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == AlreadyStoredExitCode {
			return ErrFilingAlreadyStored
		}
		return fmt.Errorf("store job failed: %w (stderr: %s)", err, stderr.String())
	}
	return nil
}

// markStored advances the checkpoint for a filing another delivery
// already stored.
func (w *StoreWorker) markStored(ctx context.Context, job *models.SupabaseUploadJob) {
	newsID := job.ProcessedData.NewsID
	if newsID == "" {
		return
	}
	if err := w.checkpoint.UpdateCheckpoint(ctx, newsID, func(r *models.CheckpointRow) {
		r.SentToSupabase = true
		r.SentToSupabaseAt = time.Now()
	}); err != nil {
		w.logger.Debug().Err(err).Str("news_id", newsID).Msg("Checkpoint update skipped")
	}
}

// afterStore runs the post-insert bookkeeping: checkpoint, broadcast,
// investor follow-up. None of these failures undo the stored filing.
func (w *StoreWorker) afterStore(ctx context.Context, job *models.SupabaseUploadJob) {
	filing := &job.ProcessedData
	w.markStored(ctx, job)

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
	if event.ShouldBroadcast() {
		if w.notifier != nil {
			if err := w.notifier.NotifyNewAnnouncement(ctx, &event); err != nil {
				w.logger.Warn().Err(err).Str("corp_id", filing.CorpID).Msg("Broadcast notify failed")
			}
		}
	} else {
		w.logger.Debug().Str("corp_id", filing.CorpID).Str("category", filing.Category).Msg("Filing not broadcast-worthy")
	}

	if len(filing.IndividualInvestorList) > 0 || len(filing.CompanyInvestorList) > 0 {
		investorJob := models.InvestorAnalysisJob{
			Envelope:            models.NewEnvelope(models.JobTypeInvestorAnalysis),
			CorpID:              filing.CorpID,
			Category:            filing.Category,
			IndividualInvestors: filing.IndividualInvestorList,
			CompanyInvestors:    filing.CompanyInvestorList,
		}
		payload, err := json.Marshal(investorJob)
		if err != nil {
			w.logger.Error().Err(err).Str("corp_id", filing.CorpID).Msg("Failed to marshal investor job")
			return
		}
		if err := w.broker.Push(ctx, models.QueueInvestorProcessing, payload); err != nil {
			w.logger.Error().Err(err).Str("corp_id", filing.CorpID).Msg("Failed to enqueue investor job")
			return
		}
		w.logger.Debug().Str("corp_id", filing.CorpID).Msg("Investor analysis enqueued")
	}

	w.logger.Info().Str("corp_id", filing.CorpID).Str("category", filing.Category).Msg("Filing stored")
}

// deferRetry reschedules on the delayed set, or dead-letters when the
// retry budget is spent.
func (w *StoreWorker) deferRetry(ctx context.Context, job *models.SupabaseUploadJob, payload []byte, cause error) error {
	retries, err := w.broker.IncrRetryCount(ctx, job.JobID)
	if err != nil {
		return err
	}

	if retries > int64(job.MaxRetries)*3 {
		deadLetter(ctx, w.broker, w.logger, job.JobID, job.JobType, payload, cause)
		if err := w.broker.ResetRetryCount(ctx, job.JobID); err != nil {
			w.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to reset retry count")
		}
		return nil
	}

	delay := backoffDelay(w.config.GetBackoffBase(), w.config.GetBackoffCap(), retries)
	w.logger.Info().Str("corp_id", job.CorpID).Int64("retry", retries).Dur("delay", delay).Msg("Deferring failed store job")
	return w.broker.Defer(ctx, models.QueueSupabaseUpload, payload, time.Now().Add(delay))
}
