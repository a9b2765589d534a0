package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/interfaces"
	"github.com/bobmcallan/backfin/internal/models"
)

// ErrFilingAlreadyStored reports that the filing was in the store before
// this job ran. The parent worker must skip the broadcast and investor
// follow-ups on this path or redelivered jobs would repeat them.
var ErrFilingAlreadyStored = errors.New("filing already stored")

// AlreadyStoredExitCode is the store-job process exit code carrying
// ErrFilingAlreadyStored back to the parent.
const AlreadyStoredExitCode = 3

// ExecuteStoreJob is the child-process side of the store pipeline: read
// one supabase_upload payload, write the filing and its satellite rows,
// exit. All writes are idempotent so a retried child never duplicates.
func ExecuteStoreJob(ctx context.Context, store interfaces.FilingStore, logger *common.Logger, input io.Reader) error {
	payload, err := io.ReadAll(input)
	if err != nil {
		return fmt.Errorf("failed to read job payload: %w", err)
	}

	var job models.SupabaseUploadJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("failed to parse job payload: %w", err)
	}

	filing := &job.ProcessedData
	if filing.CorpID == "" {
		return fmt.Errorf("job %s has no corp_id", job.JobID)
	}
	if !filing.Valid() {
		return fmt.Errorf("category %q is not storable", filing.Category)
	}

	exists, err := store.FilingExists(ctx, filing.CorpID)
	if err != nil {
		return err
	}
	if exists {
		logger.Info().Str("corp_id", filing.CorpID).Msg("Filing already stored, nothing to do")
		return ErrFilingAlreadyStored
	}

	if err := store.InsertFiling(ctx, filing); err != nil {
		return err
	}

	if err := store.IncrementCategoryCount(ctx, filing.Date, filing.Category); err != nil {
		// The counter is advisory; a stored filing beats an exact count.
		logger.Warn().Err(err).Str("corp_id", filing.CorpID).Msg("Category counter update failed")
	}

	if filing.FinData != "" {
		var fin models.FinData
		if err := json.Unmarshal([]byte(filing.FinData), &fin); err != nil {
			logger.Warn().Err(err).Str("corp_id", filing.CorpID).Msg("Unparseable findata, skipping financial results")
		} else if fin.Period != "" {
			if err := store.UpsertFinancialResults(ctx, filing.CorpID, filing.ISIN, fin); err != nil {
				logger.Warn().Err(err).Str("corp_id", filing.CorpID).Msg("Financial results upsert failed")
			}
		}
	}

	logger.Info().Str("corp_id", filing.CorpID).Str("category", filing.Category).Msg("Store job complete")
	return nil
}
