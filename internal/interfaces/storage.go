// Package interfaces defines service contracts for Backfin
package interfaces

import (
	"context"
	"time"

	"github.com/bobmcallan/backfin/internal/models"
)

// CheckpointStore is the local crash-safe log of every fetched
// announcement and its per-stage progress. Writes are guarded by an
// OS-level file lock; duplicate news_id inserts are no-ops.
type CheckpointStore interface {
	// SaveRawFetch persists one raw feed response plus one row per
	// announcement. Best-effort: duplicate rows are logged and skipped
	// without aborting the batch.
	SaveRawFetch(ctx context.Context, anns []models.Announcement, url, params, rawJSON string) error

	// Get returns the checkpoint row for a news id.
	Get(ctx context.Context, newsID string) (*models.CheckpointRow, error)

	// UpdateCheckpoint applies a partial update to a row. Checkpoint
	// columns only advance; mutate must never regress them.
	UpdateCheckpoint(ctx context.Context, newsID string, mutate func(*models.CheckpointRow)) error

	// RowsNeedingWork returns rows on the given date (YYYY-MM-DD) where
	// ai_processed=0 or sent_to_supabase=0.
	RowsNeedingWork(ctx context.Context, date string, limit int) ([]*models.CheckpointRow, error)

	Close() error
}

// FilingStore is the cloud store adapter. All writes honor the
// idempotency contracts: filings insert is idempotent on corp_id,
// financial upserts fill only blank fields, investor link duplicates are
// tolerated.
type FilingStore interface {
	// FilingExists checks for an existing corporatefilings row.
	FilingExists(ctx context.Context, corpID string) (bool, error)

	// InsertFiling inserts a filing row. A duplicate-key error is
	// treated as success.
	InsertFiling(ctx context.Context, filing *models.ProcessedFiling) error

	// UpdateFiling overwrites the classification fields of an existing
	// row (replayer path, newer classification wins).
	UpdateFiling(ctx context.Context, filing *models.ProcessedFiling) error

	// IncrementCategoryCount bumps the per-day counter for a category,
	// creating the row with value 1 when missing. Read-modify-write;
	// approximate under concurrency.
	IncrementCategoryCount(ctx context.Context, date, category string) error

	// UpsertFinancialResults applies the fill-only-blank rule keyed on
	// (isin, period). Refuses to insert unless the parent filing exists.
	UpsertFinancialResults(ctx context.Context, corpID, isin string, fin models.FinData) error

	// LookupInvestor resolves a name against smart_investors.
	LookupInvestor(ctx context.Context, name string) (string, bool, error)

	// LookupAlias resolves a name against investor_aliases.
	LookupAlias(ctx context.Context, name string) (string, bool, error)

	// CreateUnverifiedInvestor records an unknown name and returns its
	// new id.
	CreateUnverifiedInvestor(ctx context.Context, name string) (string, error)

	// BulkInsertInvestorLinks writes link rows in one batch.
	BulkInsertInvestorLinks(ctx context.Context, links []models.InvestorLink) error

	Close() error
}

// VerificationStore backs the human-review queue janitor.
type VerificationStore interface {
	// ExpireSessions deletes sessions past expiry and marks their
	// verifiers inactive. Returns the number expired.
	ExpireSessions(ctx context.Context, now time.Time) (int, error)

	// ActiveSessionIDs lists live session ids.
	ActiveSessionIDs(ctx context.Context) ([]string, error)

	// ReleaseOrphanTasks requeues in-progress tasks whose session is not
	// in the active set. Returns the number released.
	ReleaseOrphanTasks(ctx context.Context, activeSessions []string) (int, error)

	// StaleInProgressTasks lists in-progress tasks assigned before the cutoff.
	StaleInProgressTasks(ctx context.Context, cutoff time.Time) ([]*models.VerificationTask, error)

	// ReleaseTask puts a task back to queued, bumping retry/timeout counts.
	ReleaseTask(ctx context.Context, taskID string) error

	// FailTask marks a task verified with is_verified=false and a note.
	FailTask(ctx context.Context, taskID, note string) error

	// CountQueued returns the number of queued tasks.
	CountQueued(ctx context.Context) (int, error)

	// OnlineVerifiers lists verifiers currently online, up to limit.
	OnlineVerifiers(ctx context.Context, limit int) ([]*models.Verifier, error)
}
