package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/interfaces"
	"github.com/bobmcallan/backfin/internal/models"
)

// InvestorWorker resolves investor names mentioned in stored filings
// against the smart_investors table (direct name, then alias) and links
// them to the filing. Unknown names become unverified investor rows for
// the human review queue.
type InvestorWorker struct {
	broker   interfaces.QueueBroker
	store    interfaces.FilingStore
	config   *common.WorkersConfig
	logger   *common.Logger
	validate *validator.Validate
}

// NewInvestorWorker wires an investor worker.
func NewInvestorWorker(broker interfaces.QueueBroker, store interfaces.FilingStore, config *common.WorkersConfig, logger *common.Logger) *InvestorWorker {
	return &InvestorWorker{
		broker:   broker,
		store:    store,
		config:   config,
		logger:   logger,
		validate: validator.New(),
	}
}

// Session returns a worker session bound to the investor_processing queue.
func (w *InvestorWorker) Session() *Session {
	return NewSession(models.QueueInvestorProcessing, w.broker, w.config, w.logger, w.Handle)
}

// Handle processes one investor_processing payload.
func (w *InvestorWorker) Handle(ctx context.Context, payload []byte) error {
	var job models.InvestorAnalysisJob
	if err := json.Unmarshal(payload, &job); err != nil {
		deadLetter(ctx, w.broker, w.logger, "", models.JobTypeInvestorAnalysis, payload, fmt.Errorf("unparseable payload: %w", err))
		return nil
	}
	if err := w.validate.Struct(&job); err != nil {
		deadLetter(ctx, w.broker, w.logger, job.JobID, job.JobType, payload, fmt.Errorf("invalid job: %w", err))
		return nil
	}

	links, err := w.collectLinks(ctx, &job)
	if err != nil {
		return w.deferRetry(ctx, &job, payload, err)
	}
	if len(links) == 0 {
		return nil
	}

	// Link rows upsert on (corp_id, investor_id), so in-process retries
	// never duplicate.
	var lastErr error
	for attempt := 1; attempt <= w.config.GetMaxRetries(); attempt++ {
		lastErr = w.store.BulkInsertInvestorLinks(ctx, links)
		if lastErr == nil {
			break
		}
		w.logger.Warn().Err(lastErr).Str("corp_id", job.CorpID).Int("attempt", attempt).Msg("Investor link insert attempt failed")
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if lastErr != nil {
		return w.deferRetry(ctx, &job, payload, lastErr)
	}

	if err := w.broker.ResetRetryCount(ctx, job.JobID); err != nil {
		w.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to reset retry count")
	}
	w.logger.Info().Str("corp_id", job.CorpID).Int("links", len(links)).Msg("Investor links stored")
	return nil
}

// collectLinks resolves every name in the job to a link row.
func (w *InvestorWorker) collectLinks(ctx context.Context, job *models.InvestorAnalysisJob) ([]models.InvestorLink, error) {
	var links []models.InvestorLink
	for _, name := range job.IndividualInvestors {
		link, err := w.resolve(ctx, job.CorpID, name, models.InvestorKindIndividual)
		if err != nil {
			return nil, err
		}
		if link != nil {
			links = append(links, *link)
		}
	}
	for _, name := range job.CompanyInvestors {
		link, err := w.resolve(ctx, job.CorpID, name, models.InvestorKindCompany)
		if err != nil {
			return nil, err
		}
		if link != nil {
			links = append(links, *link)
		}
	}
	return links, nil
}

// deferRetry reschedules on the delayed set, or dead-letters when the
// retry budget is spent.
func (w *InvestorWorker) deferRetry(ctx context.Context, job *models.InvestorAnalysisJob, payload []byte, cause error) error {
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
	w.logger.Info().Str("corp_id", job.CorpID).Int64("retry", retries).Dur("delay", delay).Msg("Deferring failed investor job")
	return w.broker.Defer(ctx, models.QueueInvestorProcessing, payload, time.Now().Add(delay))
}

// resolve maps one name to an investor id: direct match first, then
// alias, then a fresh unverified row.
func (w *InvestorWorker) resolve(ctx context.Context, corpID, name, kind string) (*models.InvestorLink, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}

	verified := true
	id, found, err := w.store.LookupInvestor(ctx, name)
	if err != nil {
		return nil, err
	}
	if !found {
		id, found, err = w.store.LookupAlias(ctx, name)
		if err != nil {
			return nil, err
		}
	}
	if !found {
		verified = false
		id, err = w.store.CreateUnverifiedInvestor(ctx, name)
		if err != nil {
			return nil, err
		}
	}

	return &models.InvestorLink{
		CorpID:     corpID,
		InvestorID: id,
		Name:       name,
		Kind:       kind,
		Verified:   verified,
		CreatedAt:  time.Now(),
	}, nil
}
