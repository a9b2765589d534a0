package surreal

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/interfaces"
	"github.com/bobmcallan/backfin/internal/models"
)

// taskSelectFields aliases task_id to id for struct mapping.
const taskSelectFields = "task_id AS id, corp_id, status, assigned_to_session, assigned_at, retry_count, timeout_count, max_retry_count, is_verified, note, created_at, updated_at"

// VerificationStore implements interfaces.VerificationStore using SurrealDB.
// The janitor is its only consumer.
type VerificationStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewVerificationStore creates a new VerificationStore.
func NewVerificationStore(db *surrealdb.DB, logger *common.Logger) *VerificationStore {
	return &VerificationStore{db: db, logger: logger}
}

// Compile-time check
var _ interfaces.VerificationStore = (*VerificationStore)(nil)

// ExpireSessions deletes sessions past expiry and marks their verifiers
// inactive. Returns the number of sessions expired.
func (s *VerificationStore) ExpireSessions(ctx context.Context, now time.Time) (int, error) {
	type sessionRow struct {
		ID         string `json:"id"`
		VerifierID string `json:"verifier_id"`
	}

	selectSQL := "SELECT session_id AS id, verifier_id FROM admin_sessions WHERE expires_at < $now"
	results, err := surrealdb.Query[[]sessionRow](ctx, s.db, selectSQL, map[string]any{"now": now})
	if err != nil {
		return 0, fmt.Errorf("failed to select expired sessions: %w", err)
	}

	var expired []sessionRow
	if results != nil && len(*results) > 0 {
		expired = (*results)[0].Result
	}

	for _, sess := range expired {
		if _, err := surrealdb.Query[any](ctx, s.db,
			"UPDATE verifiers SET online = false WHERE verifier_id = $verifier_id",
			map[string]any{"verifier_id": sess.VerifierID}); err != nil {
			return 0, fmt.Errorf("failed to mark verifier offline: %w", err)
		}
		if _, err := surrealdb.Query[any](ctx, s.db, "DELETE $rid",
			map[string]any{"rid": surrealmodels.NewRecordID("admin_sessions", sess.ID)}); err != nil {
			return 0, fmt.Errorf("failed to delete expired session: %w", err)
		}
	}

	if len(expired) > 0 {
		s.logger.Debug().Int("count", len(expired)).Msg("Expired verifier sessions")
	}
	return len(expired), nil
}

// ActiveSessionIDs lists live session ids.
func (s *VerificationStore) ActiveSessionIDs(ctx context.Context) ([]string, error) {
	type sessionRow struct {
		ID string `json:"id"`
	}

	sql := "SELECT session_id AS id FROM admin_sessions WHERE active = true"
	results, err := surrealdb.Query[[]sessionRow](ctx, s.db, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}

	var ids []string
	if results != nil && len(*results) > 0 {
		for _, row := range (*results)[0].Result {
			ids = append(ids, row.ID)
		}
	}
	return ids, nil
}

// ReleaseOrphanTasks requeues in-progress tasks whose session is no
// longer active. Returns the number released.
func (s *VerificationStore) ReleaseOrphanTasks(ctx context.Context, activeSessions []string) (int, error) {
	if activeSessions == nil {
		activeSessions = []string{}
	}

	countSQL := "SELECT count() AS cnt FROM verification_tasks WHERE status = $in_progress AND assigned_to_session NOT IN $active GROUP ALL"
	vars := map[string]any{
		"in_progress": models.TaskStatusInProgress,
		"active":      activeSessions,
	}

	type countResult struct {
		Cnt int `json:"cnt"`
	}
	results, err := surrealdb.Query[[]countResult](ctx, s.db, countSQL, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to count orphan tasks: %w", err)
	}
	orphans := 0
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		orphans = (*results)[0].Result[0].Cnt
	}
	if orphans == 0 {
		return 0, nil
	}

	updateSQL := `UPDATE verification_tasks SET
		status = $queued, assigned_to_session = NONE, assigned_at = NONE,
		retry_count = retry_count + 1, updated_at = $now
		WHERE status = $in_progress AND assigned_to_session NOT IN $active`
	vars["queued"] = models.TaskStatusQueued
	vars["now"] = time.Now()
	if _, err := surrealdb.Query[any](ctx, s.db, updateSQL, vars); err != nil {
		return 0, fmt.Errorf("failed to release orphan tasks: %w", err)
	}
	return orphans, nil
}

// StaleInProgressTasks lists in-progress tasks assigned before the cutoff.
func (s *VerificationStore) StaleInProgressTasks(ctx context.Context, cutoff time.Time) ([]*models.VerificationTask, error) {
	sql := "SELECT " + taskSelectFields + " FROM verification_tasks WHERE status = $in_progress AND assigned_at < $cutoff"
	vars := map[string]any{
		"in_progress": models.TaskStatusInProgress,
		"cutoff":      cutoff,
	}

	results, err := surrealdb.Query[[]models.VerificationTask](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale tasks: %w", err)
	}

	var tasks []*models.VerificationTask
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			tasks = append(tasks, &(*results)[0].Result[i])
		}
	}
	return tasks, nil
}

// ReleaseTask puts a task back to queued, bumping retry and timeout counts.
func (s *VerificationStore) ReleaseTask(ctx context.Context, taskID string) error {
	sql := `UPDATE $rid SET
		status = $queued, assigned_to_session = NONE, assigned_at = NONE,
		retry_count = retry_count + 1, timeout_count = timeout_count + 1,
		updated_at = $now`
	vars := map[string]any{
		"rid":    surrealmodels.NewRecordID("verification_tasks", taskID),
		"queued": models.TaskStatusQueued,
		"now":    time.Now(),
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to release task %s: %w", taskID, err)
	}
	return nil
}

// FailTask marks a task verified with is_verified=false and a note.
func (s *VerificationStore) FailTask(ctx context.Context, taskID, note string) error {
	sql := `UPDATE $rid SET
		status = $verified, is_verified = false, note = $note, updated_at = $now`
	vars := map[string]any{
		"rid":      surrealmodels.NewRecordID("verification_tasks", taskID),
		"verified": models.TaskStatusVerified,
		"note":     note,
		"now":      time.Now(),
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to fail task %s: %w", taskID, err)
	}
	return nil
}

// CountQueued returns the number of queued tasks.
func (s *VerificationStore) CountQueued(ctx context.Context) (int, error) {
	sql := "SELECT count() AS cnt FROM verification_tasks WHERE status = $queued GROUP ALL"
	vars := map[string]any{"queued": models.TaskStatusQueued}

	type countResult struct {
		Cnt int `json:"cnt"`
	}
	results, err := surrealdb.Query[[]countResult](ctx, s.db, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to count queued tasks: %w", err)
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return (*results)[0].Result[0].Cnt, nil
	}
	return 0, nil
}

// OnlineVerifiers lists verifiers currently online, up to limit.
func (s *VerificationStore) OnlineVerifiers(ctx context.Context, limit int) ([]*models.Verifier, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := "SELECT verifier_id AS id, name, online FROM verifiers WHERE online = true LIMIT $limit"
	results, err := surrealdb.Query[[]models.Verifier](ctx, s.db, sql, map[string]any{"limit": limit})
	if err != nil {
		return nil, fmt.Errorf("failed to list online verifiers: %w", err)
	}

	var verifiers []*models.Verifier
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			verifiers = append(verifiers, &(*results)[0].Result[i])
		}
	}
	return verifiers, nil
}
