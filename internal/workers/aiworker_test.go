package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/backfin/internal/broker"
	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/models"
	"github.com/bobmcallan/backfin/internal/storage/checkpoint"
)

type aiFixture struct {
	worker     *AIWorker
	broker     *broker.Broker
	checkpoint *checkpoint.DB
	store      *mockFilingStore
	classifier *mockClassifier
}

func newAIFixture(t *testing.T) *aiFixture {
	t.Helper()
	b, _ := newTestBroker(t)
	cp := newTestCheckpoint(t)
	store := newMockFilingStore()
	classifier := &mockClassifier{
		result: &models.Classification{
			Category:  "Dividend",
			Headline:  "Interim dividend declared",
			Summary:   "The board declared an interim dividend of Rs 9 per share.",
			Sentiment: models.SentimentPositive,
		},
	}

	worker := NewAIWorker(b, cp, store, classifier, nil, testWorkersConfig(), t.TempDir(), common.NewSilentLogger())
	return &aiFixture{worker: worker, broker: b, checkpoint: cp, store: store, classifier: classifier}
}

func (f *aiFixture) enqueueCheckpoint(t *testing.T, ann models.Announcement) models.AIProcessingJob {
	t.Helper()
	require.NoError(t, f.checkpoint.SaveRawFetch(context.Background(), []models.Announcement{ann}, "http://test/feed", "", "[]"))
	return models.AIProcessingJob{
		Envelope:     models.NewEnvelope(models.JobTypeAIProcessing),
		CorpID:       ann.CorpID,
		Announcement: ann,
		PDFURL:       ann.PDFURL,
	}
}

func (f *aiFixture) handle(t *testing.T, job models.AIProcessingJob) {
	t.Helper()
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, f.worker.Handle(context.Background(), payload))
}

func popUploadJob(t *testing.T, b *broker.Broker) *models.SupabaseUploadJob {
	t.Helper()
	payload, err := b.PopToProcessing(context.Background(), models.QueueSupabaseUpload, "test", 100*time.Millisecond)
	require.NoError(t, err)
	if payload == nil {
		return nil
	}
	var job models.SupabaseUploadJob
	require.NoError(t, json.Unmarshal(payload, &job))
	return &job
}

func TestAIWorkerClassifiesAndEnqueuesUpload(t *testing.T) {
	f := newAIFixture(t)
	ann := testAnnouncement("n1")
	ann.EventDatetime = time.Date(2026, 8, 20, 14, 30, 0, 0, time.UTC)
	job := f.enqueueCheckpoint(t, ann)

	f.handle(t, job)

	upload := popUploadJob(t, f.broker)
	require.NotNil(t, upload)
	assert.Equal(t, ann.CorpID, upload.CorpID)
	assert.Equal(t, "Dividend", upload.ProcessedData.Category)
	assert.Equal(t, "2026-08-20", upload.ProcessedData.Date)
	assert.Equal(t, ann.RawHeadline, upload.ProcessedData.OriginalSummary)
	assert.Equal(t, 1, f.classifier.calls)

	row, err := f.checkpoint.Get(context.Background(), "n1")
	require.NoError(t, err)
	assert.True(t, row.AIProcessed)
	assert.NotEmpty(t, row.AISummary)
	assert.False(t, row.SentToSupabase)
}

func TestAIWorkerNegativeKeywordSkipsClassifier(t *testing.T) {
	f := newAIFixture(t)
	ann := testAnnouncement("n2")
	ann.RawHeadline = "Intimation of closure of Trading Window"
	ann.EventDatetime = time.Now()
	job := f.enqueueCheckpoint(t, ann)

	f.handle(t, job)

	assert.Zero(t, f.classifier.calls)
	upload := popUploadJob(t, f.broker)
	require.NotNil(t, upload)
	assert.Equal(t, models.CategoryProcedural, upload.ProcessedData.Category)
	assert.Equal(t, common.PlaceholderSummary, upload.ProcessedData.Summary)
	assert.Equal(t, models.SentimentNeutral, upload.ProcessedData.Sentiment)
}

func TestAIWorkerStoreExistenceShield(t *testing.T) {
	f := newAIFixture(t)
	ann := testAnnouncement("n3")
	job := f.enqueueCheckpoint(t, ann)
	f.store.filings[ann.CorpID] = &models.ProcessedFiling{CorpID: ann.CorpID}

	f.handle(t, job)

	assert.Zero(t, f.classifier.calls)
	assert.Nil(t, popUploadJob(t, f.broker))

	row, err := f.checkpoint.Get(context.Background(), "n3")
	require.NoError(t, err)
	assert.True(t, row.AIProcessed)
	assert.True(t, row.SentToSupabase)
}

func TestAIWorkerErrorCategoryDeferred(t *testing.T) {
	f := newAIFixture(t)
	f.classifier.result = &models.Classification{Category: models.CategoryError, Sentiment: models.SentimentNeutral}
	ann := testAnnouncement("n4")
	job := f.enqueueCheckpoint(t, ann)

	f.handle(t, job)

	// An Error verdict is a retryable failure, never a silent drop.
	assert.Nil(t, popUploadJob(t, f.broker))
	delayed, err := f.broker.DelayedLen(context.Background(), models.QueueAIProcessing)
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)

	row, err := f.checkpoint.Get(context.Background(), "n4")
	require.NoError(t, err)
	assert.Empty(t, row.AIError)
	assert.False(t, row.SentToSupabase)
}

func TestAIWorkerErrorCategoryDeadLettersAfterBudget(t *testing.T) {
	f := newAIFixture(t)
	f.classifier.result = &models.Classification{Category: models.CategoryError, Sentiment: models.SentimentNeutral}
	ann := testAnnouncement("n4b")
	job := f.enqueueCheckpoint(t, ann)

	ctx := context.Background()
	for i := 0; i < job.MaxRetries*3; i++ {
		_, err := f.broker.IncrRetryCount(ctx, job.JobID)
		require.NoError(t, err)
	}

	f.handle(t, job)

	delayed, err := f.broker.DelayedLen(ctx, models.QueueAIProcessing)
	require.NoError(t, err)
	assert.Zero(t, delayed)

	failed, err := f.broker.QueueLen(ctx, models.QueueFailedJobs)
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)

	row, err := f.checkpoint.Get(ctx, "n4b")
	require.NoError(t, err)
	assert.NotEmpty(t, row.AIError)
}

func TestAIWorkerDefersFailedClassification(t *testing.T) {
	f := newAIFixture(t)
	f.classifier.err = assert.AnError
	ann := testAnnouncement("n5")
	job := f.enqueueCheckpoint(t, ann)

	f.handle(t, job)

	delayed, err := f.broker.DelayedLen(context.Background(), models.QueueAIProcessing)
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)
	// In-process retries ran before the job was deferred.
	assert.Equal(t, testWorkersConfig().SessionRetries, f.classifier.calls)
}

func TestAIWorkerDeadLettersAfterRetryBudget(t *testing.T) {
	f := newAIFixture(t)
	f.classifier.err = assert.AnError
	ann := testAnnouncement("n6")
	job := f.enqueueCheckpoint(t, ann)

	ctx := context.Background()
	for i := 0; i < job.MaxRetries*3; i++ {
		_, err := f.broker.IncrRetryCount(ctx, job.JobID)
		require.NoError(t, err)
	}

	f.handle(t, job)

	delayed, err := f.broker.DelayedLen(ctx, models.QueueAIProcessing)
	require.NoError(t, err)
	assert.Zero(t, delayed)

	failed, err := f.broker.QueueLen(ctx, models.QueueFailedJobs)
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)

	row, err := f.checkpoint.Get(ctx, "n6")
	require.NoError(t, err)
	assert.NotEmpty(t, row.AIError)
}

func TestAIWorkerDropsWhenLockHeld(t *testing.T) {
	f := newAIFixture(t)
	ann := testAnnouncement("n7")
	job := f.enqueueCheckpoint(t, ann)

	ctx := context.Background()
	lockKey := fmt.Sprintf("worker_processing:%s:%s", job.CorpID, job.JobID)
	locked, err := f.broker.AcquireLock(ctx, lockKey, "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, locked)

	f.handle(t, job)

	assert.Zero(t, f.classifier.calls)
	assert.Nil(t, popUploadJob(t, f.broker))
}

func TestAIWorkerReleasesLockWhenContextCancelled(t *testing.T) {
	f := newAIFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.classifier.err = assert.AnError
	f.classifier.onCall = cancel

	ann := testAnnouncement("n8")
	job := f.enqueueCheckpoint(t, ann)
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	_ = f.worker.Handle(ctx, payload)

	// The lock was released despite the cancelled job context; a fresh
	// worker can take it immediately instead of waiting out the TTL.
	lockKey := fmt.Sprintf("worker_processing:%s:%s", job.CorpID, job.JobID)
	locked, err := f.broker.AcquireLock(context.Background(), lockKey, "next-worker", time.Minute)
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestAIWorkerDeadLettersGarbagePayload(t *testing.T) {
	f := newAIFixture(t)
	require.NoError(t, f.worker.Handle(context.Background(), []byte("not json")))

	failed, err := f.broker.QueueLen(context.Background(), models.QueueFailedJobs)
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)
}
