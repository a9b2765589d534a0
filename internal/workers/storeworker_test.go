package workers

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/models"
)

func testUploadJob(corpID, newsID, category string) models.SupabaseUploadJob {
	return models.SupabaseUploadJob{
		Envelope: models.NewEnvelope(models.JobTypeSupabaseUpload),
		CorpID:   corpID,
		ProcessedData: models.ProcessedFiling{
			Classification: models.Classification{
				Category:  category,
				Headline:  "Interim dividend declared",
				Summary:   "The board declared an interim dividend.",
				Sentiment: models.SentimentPositive,
			},
			CorpID:          corpID,
			NewsID:          newsID,
			ISIN:            "INE002A01018",
			CompanyName:     "Reliance Industries Ltd",
			Date:            "2026-08-20",
			OriginalSummary: "Declaration of interim dividend",
		},
	}
}

func TestStoreWorkerSuccessRunsFollowUps(t *testing.T) {
	b, _ := newTestBroker(t)
	cp := newTestCheckpoint(t)
	notifier := &mockNotifier{}
	ctx := context.Background()

	ann := testAnnouncement("s1")
	require.NoError(t, cp.SaveRawFetch(ctx, []models.Announcement{ann}, "http://test/feed", "", "[]"))

	w := NewStoreWorker(b, cp, notifier, testWorkersConfig(), common.NewSilentLogger())
	var childCalls atomic.Int32
	w.runChild = func(ctx context.Context, payload []byte) error {
		childCalls.Add(1)
		return nil
	}

	job := testUploadJob(ann.CorpID, "s1", "Dividend")
	job.ProcessedData.IndividualInvestorList = []string{"Rakesh Kumar"}
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, w.Handle(ctx, payload))

	assert.Equal(t, int32(1), childCalls.Load())
	assert.Equal(t, 1, notifier.count())

	row, err := cp.Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, row.SentToSupabase)

	depth, err := b.QueueLen(ctx, models.QueueInvestorProcessing)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestStoreWorkerProceduralIsStoredNotBroadcast(t *testing.T) {
	b, _ := newTestBroker(t)
	cp := newTestCheckpoint(t)
	notifier := &mockNotifier{}
	ctx := context.Background()

	w := NewStoreWorker(b, cp, notifier, testWorkersConfig(), common.NewSilentLogger())
	var childCalls atomic.Int32
	w.runChild = func(ctx context.Context, payload []byte) error {
		childCalls.Add(1)
		return nil
	}

	job := testUploadJob("corp-proc", "s2", models.CategoryProcedural)
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, w.Handle(ctx, payload))

	assert.Equal(t, int32(1), childCalls.Load())
	assert.Zero(t, notifier.count())
}

func TestStoreWorkerDuplicateDeliveryBroadcastsOnce(t *testing.T) {
	b, _ := newTestBroker(t)
	cp := newTestCheckpoint(t)
	notifier := &mockNotifier{}
	ctx := context.Background()

	ann := testAnnouncement("s5")
	require.NoError(t, cp.SaveRawFetch(ctx, []models.Announcement{ann}, "http://test/feed", "", "[]"))

	w := NewStoreWorker(b, cp, notifier, testWorkersConfig(), common.NewSilentLogger())
	stored := false
	w.runChild = func(ctx context.Context, payload []byte) error {
		if stored {
			return ErrFilingAlreadyStored
		}
		stored = true
		return nil
	}

	job := testUploadJob(ann.CorpID, "s5", "Dividend")
	job.ProcessedData.IndividualInvestorList = []string{"Rakesh Kumar"}
	payload, err := json.Marshal(job)
	require.NoError(t, err)

	require.NoError(t, w.Handle(ctx, payload))
	require.NoError(t, w.Handle(ctx, payload))

	// The second delivery found the filing stored and skipped every
	// follow-up: one broadcast, one investor job.
	assert.Equal(t, 1, notifier.count())
	depth, err := b.QueueLen(ctx, models.QueueInvestorProcessing)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	row, err := cp.Get(ctx, "s5")
	require.NoError(t, err)
	assert.True(t, row.SentToSupabase)
}

func TestStoreWorkerDefersOnChildFailure(t *testing.T) {
	b, _ := newTestBroker(t)
	cp := newTestCheckpoint(t)
	notifier := &mockNotifier{}
	ctx := context.Background()

	w := NewStoreWorker(b, cp, notifier, testWorkersConfig(), common.NewSilentLogger())
	var childCalls atomic.Int32
	w.runChild = func(ctx context.Context, payload []byte) error {
		childCalls.Add(1)
		return assert.AnError
	}

	job := testUploadJob("corp-fail", "s3", "Dividend")
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, w.Handle(ctx, payload))

	// Every in-process attempt ran before the job was deferred.
	assert.Equal(t, int32(testWorkersConfig().MaxRetries), childCalls.Load())
	assert.Zero(t, notifier.count())

	delayed, err := b.DelayedLen(ctx, models.QueueSupabaseUpload)
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)
}

func TestStoreWorkerDeadLettersUnstorableCategory(t *testing.T) {
	b, _ := newTestBroker(t)
	cp := newTestCheckpoint(t)
	ctx := context.Background()

	w := NewStoreWorker(b, cp, &mockNotifier{}, testWorkersConfig(), common.NewSilentLogger())
	var childCalls atomic.Int32
	w.runChild = func(ctx context.Context, payload []byte) error {
		childCalls.Add(1)
		return nil
	}

	job := testUploadJob("corp-err", "s4", models.CategoryError)
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, w.Handle(ctx, payload))

	assert.Zero(t, childCalls.Load())
	failed, err := b.QueueLen(ctx, models.QueueFailedJobs)
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)
}
