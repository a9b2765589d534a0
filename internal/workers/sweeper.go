package workers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/interfaces"
	"github.com/bobmcallan/backfin/internal/models"
)

// queueForJobType routes a swept payload back to its queue.
var queueForJobType = map[string]string{
	models.JobTypeAIProcessing:     models.QueueAIProcessing,
	models.JobTypeSupabaseUpload:   models.QueueSupabaseUpload,
	models.JobTypeInvestorAnalysis: models.QueueInvestorProcessing,
}

// Sweeper requeues jobs whose worker died mid-processing: any job whose
// processing meta is older than the processing TTL goes back to the head
// of its queue. Sessions clear the meta on every normal completion, so
// only orphans are ever swept.
type Sweeper struct {
	broker interfaces.QueueBroker
	config *common.WorkersConfig
	logger *common.Logger
}

// NewSweeper creates a sweeper.
func NewSweeper(broker interfaces.QueueBroker, config *common.WorkersConfig, logger *common.Logger) *Sweeper {
	return &Sweeper{broker: broker, config: config, logger: logger}
}

// Run sweeps until the context ends.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.config.GetProcessingTTL() / 3
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}

	s.logger.Info().Dur("interval", interval).Dur("ttl", s.config.GetProcessingTTL()).Msg("Requeue sweeper started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Sweep pass failed")
			} else if n > 0 {
				s.logger.Info().Int("requeued", n).Msg("Orphaned jobs requeued")
			}
		}
	}
}

// SweepOnce requeues every stale processing job and returns the count.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.config.GetProcessingTTL())
	stale, err := s.broker.StaleProcessing(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for jobID, payload := range stale {
		var env struct {
			JobType string `json:"job_type"`
		}
		queue := models.QueueAIProcessing
		if err := json.Unmarshal(payload, &env); err == nil {
			if q, ok := queueForJobType[env.JobType]; ok {
				queue = q
			}
		}

		if err := s.broker.Push(ctx, queue, payload); err != nil {
			s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to requeue orphaned job")
			continue
		}
		if err := s.broker.ClearProcessingMeta(ctx, jobID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to clear swept meta")
		}
		s.logger.Warn().Str("job_id", jobID).Str("queue", queue).Msg("Orphaned job requeued")
		requeued++
	}
	return requeued, nil
}
