package workers

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/models"
)

func TestBackoffDelay(t *testing.T) {
	base := 5 * time.Minute
	ceiling := time.Hour

	assert.Equal(t, base, backoffDelay(base, ceiling, 0))
	assert.Equal(t, base, backoffDelay(base, ceiling, 2))
	assert.Equal(t, 2*base, backoffDelay(base, ceiling, 3))
	assert.Equal(t, 2*base, backoffDelay(base, ceiling, 5))
	assert.Equal(t, 4*base, backoffDelay(base, ceiling, 6))
	assert.Equal(t, ceiling, backoffDelay(base, ceiling, 30))
	assert.Equal(t, base, backoffDelay(base, ceiling, -1))
}

func TestSessionDrainsQueueThenIdles(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		payload, err := json.Marshal(map[string]string{"job_id": id})
		require.NoError(t, err)
		require.NoError(t, b.Push(ctx, models.QueueAIProcessing, payload))
	}

	var handled atomic.Int32
	session := NewSession(models.QueueAIProcessing, b, testWorkersConfig(), common.NewSilentLogger(), func(ctx context.Context, payload []byte) error {
		handled.Add(1)
		return nil
	})

	require.NoError(t, session.Run(ctx))
	assert.Equal(t, int32(3), handled.Load())

	depth, err := b.QueueLen(ctx, models.QueueAIProcessing)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestSessionStopsAtJobCap(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	cfg := testWorkersConfig()
	cfg.MaxJobsPerSession = 2
	for _, id := range []string{"a", "b", "c"} {
		payload, err := json.Marshal(map[string]string{"job_id": id})
		require.NoError(t, err)
		require.NoError(t, b.Push(ctx, models.QueueAIProcessing, payload))
	}

	var handled atomic.Int32
	session := NewSession(models.QueueAIProcessing, b, cfg, common.NewSilentLogger(), func(ctx context.Context, payload []byte) error {
		handled.Add(1)
		return nil
	})

	require.NoError(t, session.Run(ctx))
	assert.Equal(t, int32(2), handled.Load())

	depth, err := b.QueueLen(ctx, models.QueueAIProcessing)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestSessionRecoversFromHandlerPanic(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	for _, id := range []string{"boom", "ok"} {
		payload, err := json.Marshal(map[string]string{"job_id": id})
		require.NoError(t, err)
		require.NoError(t, b.Push(ctx, models.QueueAIProcessing, payload))
	}

	var handled atomic.Int32
	session := NewSession(models.QueueAIProcessing, b, testWorkersConfig(), common.NewSilentLogger(), func(ctx context.Context, payload []byte) error {
		if handled.Add(1) == 1 {
			panic("handler exploded")
		}
		return nil
	})

	require.NoError(t, session.Run(ctx))
	assert.Equal(t, int32(2), handled.Load())
}

func TestSessionClearsProcessingMeta(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	payload, err := json.Marshal(map[string]string{"job_id": "job-1"})
	require.NoError(t, err)
	require.NoError(t, b.Push(ctx, models.QueueAIProcessing, payload))

	session := NewSession(models.QueueAIProcessing, b, testWorkersConfig(), common.NewSilentLogger(), func(ctx context.Context, payload []byte) error {
		return nil
	})
	require.NoError(t, session.Run(ctx))

	stale, err := b.StaleProcessing(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestSessionAcksJobAfterContextCancel(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payload, err := json.Marshal(map[string]string{"job_id": "job-sig"})
	require.NoError(t, err)
	require.NoError(t, b.Push(ctx, models.QueueAIProcessing, payload))

	session := NewSession(models.QueueAIProcessing, b, testWorkersConfig(), common.NewSilentLogger(), func(ctx context.Context, payload []byte) error {
		cancel()
		return ctx.Err()
	})
	require.NoError(t, session.Run(ctx))

	// The job was acked and its sweeper meta cleared even though the
	// session context died mid-job.
	stale, err := b.StaleProcessing(context.Background(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestDeadLetterRecordsOriginalPayload(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	deadLetter(ctx, b, common.NewSilentLogger(), "job-9", models.JobTypeAIProcessing, []byte(`{"job_id":"job-9"}`), assert.AnError)

	payload, err := b.PopToProcessing(ctx, models.QueueFailedJobs, "test", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, payload)

	var failed models.FailedJob
	require.NoError(t, json.Unmarshal(payload, &failed))
	assert.Equal(t, "job-9", failed.JobID)
	assert.Equal(t, models.JobTypeAIProcessing, failed.OriginalType)
	assert.Equal(t, `{"job_id":"job-9"}`, failed.OriginalPayload)
	assert.Contains(t, failed.Error, assert.AnError.Error())
	assert.False(t, failed.FailedAt.IsZero())
}
