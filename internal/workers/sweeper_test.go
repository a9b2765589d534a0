package workers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/models"
)

func TestSweeperRequeuesOrphanedJobs(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	// One orphan per job type, all older than the processing TTL.
	stale := time.Now().Add(-time.Hour)
	require.NoError(t, b.SetProcessingMeta(ctx, "j-ai", []byte(`{"job_id":"j-ai","job_type":"ai_processing"}`), stale))
	require.NoError(t, b.SetProcessingMeta(ctx, "j-up", []byte(`{"job_id":"j-up","job_type":"supabase_upload"}`), stale))

	s := NewSweeper(b, testWorkersConfig(), common.NewSilentLogger())
	requeued, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, requeued)

	aiDepth, err := b.QueueLen(ctx, models.QueueAIProcessing)
	require.NoError(t, err)
	assert.Equal(t, int64(1), aiDepth)

	upDepth, err := b.QueueLen(ctx, models.QueueSupabaseUpload)
	require.NoError(t, err)
	assert.Equal(t, int64(1), upDepth)

	// Cleared meta means a second sweep finds nothing.
	requeued, err = s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, requeued)
}

func TestSweeperLeavesFreshJobsAlone(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.SetProcessingMeta(ctx, "j-live", []byte(`{"job_id":"j-live","job_type":"ai_processing"}`), time.Now()))

	s := NewSweeper(b, testWorkersConfig(), common.NewSilentLogger())
	requeued, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, requeued)

	depth, err := b.QueueLen(ctx, models.QueueAIProcessing)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestSweeperDefaultsUnknownJobType(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	stale := time.Now().Add(-time.Hour)
	require.NoError(t, b.SetProcessingMeta(ctx, "j-odd", []byte(`{"job_id":"j-odd","job_type":"mystery"}`), stale))

	s := NewSweeper(b, testWorkersConfig(), common.NewSilentLogger())
	requeued, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	depth, err := b.QueueLen(ctx, models.QueueAIProcessing)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}
