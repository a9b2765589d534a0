package verify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/models"
)

type mockVerificationStore struct {
	expired      int
	active       []string
	orphans      int
	stale        []*models.VerificationTask
	queued       int
	verifiers    []*models.Verifier
	released     []string
	failed       map[string]string
	orphanActive []string
}

func newMockVerificationStore() *mockVerificationStore {
	return &mockVerificationStore{failed: make(map[string]string)}
}

func (m *mockVerificationStore) ExpireSessions(ctx context.Context, now time.Time) (int, error) {
	return m.expired, nil
}

func (m *mockVerificationStore) ActiveSessionIDs(ctx context.Context) ([]string, error) {
	return m.active, nil
}

func (m *mockVerificationStore) ReleaseOrphanTasks(ctx context.Context, activeSessions []string) (int, error) {
	m.orphanActive = activeSessions
	return m.orphans, nil
}

func (m *mockVerificationStore) StaleInProgressTasks(ctx context.Context, cutoff time.Time) ([]*models.VerificationTask, error) {
	return m.stale, nil
}

func (m *mockVerificationStore) ReleaseTask(ctx context.Context, taskID string) error {
	m.released = append(m.released, taskID)
	return nil
}

func (m *mockVerificationStore) FailTask(ctx context.Context, taskID, note string) error {
	m.failed[taskID] = note
	return nil
}

func (m *mockVerificationStore) CountQueued(ctx context.Context) (int, error) {
	return m.queued, nil
}

func (m *mockVerificationStore) OnlineVerifiers(ctx context.Context, limit int) ([]*models.Verifier, error) {
	if len(m.verifiers) > limit {
		return m.verifiers[:limit], nil
	}
	return m.verifiers, nil
}

type mockTaskNotifier struct {
	calls  int
	queued int
}

func (m *mockTaskNotifier) NotifyTasksQueued(ctx context.Context, queued int) error {
	m.calls++
	m.queued = queued
	return nil
}

func testVerifyConfig() *common.VerifyConfig {
	return &common.VerifyConfig{
		CleanupInterval: "60s",
		TaskTimeout:     "1800s",
		MaxRetryCount:   3,
		NotifyLimit:     3,
	}
}

func TestJanitorReleasesStaleTasksWithRetriesLeft(t *testing.T) {
	store := newMockVerificationStore()
	store.active = []string{"sess-1"}
	store.stale = []*models.VerificationTask{
		{ID: "task-1", RetryCount: 1, MaxRetryCount: 3},
		{ID: "task-2", RetryCount: 0, MaxRetryCount: 3},
	}

	j := NewJanitor(store, nil, testVerifyConfig(), common.NewSilentLogger())
	require.NoError(t, j.CleanupOnce(context.Background()))

	assert.Equal(t, []string{"task-1", "task-2"}, store.released)
	assert.Empty(t, store.failed)
	assert.Equal(t, []string{"sess-1"}, store.orphanActive)
}

func TestJanitorFailsExhaustedTasks(t *testing.T) {
	store := newMockVerificationStore()
	store.stale = []*models.VerificationTask{
		{ID: "task-3", RetryCount: 3, MaxRetryCount: 3},
	}

	j := NewJanitor(store, nil, testVerifyConfig(), common.NewSilentLogger())
	require.NoError(t, j.CleanupOnce(context.Background()))

	assert.Empty(t, store.released)
	assert.Equal(t, models.NoteMaxRetriesExceeded, store.failed["task-3"])
}

func TestJanitorFallsBackToConfiguredRetryBudget(t *testing.T) {
	store := newMockVerificationStore()
	store.stale = []*models.VerificationTask{
		{ID: "task-4", RetryCount: 2}, // no per-task budget
		{ID: "task-5", RetryCount: 3},
	}

	j := NewJanitor(store, nil, testVerifyConfig(), common.NewSilentLogger())
	require.NoError(t, j.CleanupOnce(context.Background()))

	assert.Equal(t, []string{"task-4"}, store.released)
	assert.Contains(t, store.failed, "task-5")
}

func TestJanitorNotifiesWhenTasksQueued(t *testing.T) {
	store := newMockVerificationStore()
	store.queued = 7
	store.verifiers = []*models.Verifier{{ID: "v1", Online: true}}
	notifier := &mockTaskNotifier{}

	j := NewJanitor(store, notifier, testVerifyConfig(), common.NewSilentLogger())
	require.NoError(t, j.CleanupOnce(context.Background()))

	assert.Equal(t, 1, notifier.calls)
	assert.Equal(t, 7, notifier.queued)
}

func TestJanitorSilentWithoutQueuedTasksOrVerifiers(t *testing.T) {
	notifier := &mockTaskNotifier{}

	store := newMockVerificationStore()
	j := NewJanitor(store, notifier, testVerifyConfig(), common.NewSilentLogger())
	require.NoError(t, j.CleanupOnce(context.Background()))
	assert.Zero(t, notifier.calls)

	store = newMockVerificationStore()
	store.queued = 2 // nobody online
	j = NewJanitor(store, notifier, testVerifyConfig(), common.NewSilentLogger())
	require.NoError(t, j.CleanupOnce(context.Background()))
	assert.Zero(t, notifier.calls)
}
