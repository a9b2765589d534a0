package workers

import (
	"context"
	"time"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/interfaces"
	"github.com/bobmcallan/backfin/internal/models"
)

// delayedQueues are the queues with a paired delayed set.
var delayedQueues = []string{
	models.QueueAIProcessing,
	models.QueueSupabaseUpload,
	models.QueueInvestorProcessing,
}

// DelayedProcessor promotes due members of the delayed sets back onto
// their immediate queues. Promotion is paced: one job per queue per
// release gap, with the rest of the due batch re-staggered into the
// future so retries trickle instead of flooding the queue. When the
// immediate queue is empty the rapid profile shortens the gap and the
// stagger.
type DelayedProcessor struct {
	broker interfaces.QueueBroker
	config *common.DelayedConfig
	logger *common.Logger

	lastRelease map[string]time.Time
}

// NewDelayedProcessor creates a delayed queue processor.
func NewDelayedProcessor(broker interfaces.QueueBroker, config *common.DelayedConfig, logger *common.Logger) *DelayedProcessor {
	return &DelayedProcessor{
		broker:      broker,
		config:      config,
		logger:      logger,
		lastRelease: make(map[string]time.Time),
	}
}

// Run ticks until the context ends.
func (p *DelayedProcessor) Run(ctx context.Context) error {
	p.logger.Info().Dur("interval", p.config.GetCheckInterval()).Msg("Delayed queue processor started")

	ticker := time.NewTicker(p.config.GetCheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, queue := range delayedQueues {
				if _, err := p.ProcessQueue(ctx, queue); err != nil {
					p.logger.Error().Err(err).Str("queue", queue).Msg("Delayed promotion failed")
				}
			}
		}
	}
}

// profile returns (gap, maxJobs, stagger) for a queue based on its
// immediate depth.
func (p *DelayedProcessor) profile(ctx context.Context, queue string) (time.Duration, int, time.Duration) {
	depth, err := p.broker.QueueLen(ctx, queue)
	if err != nil {
		p.logger.Warn().Err(err).Str("queue", queue).Msg("Queue depth check failed, using normal profile")
		depth = 1
	}

	if depth == 0 {
		return p.config.GetRapidGap(), p.config.GetRapidMaxJobs(), p.config.GetRapidStagger()
	}
	return p.config.GetNormalGap(), p.config.GetNormalMaxJobs(), p.config.GetNormalStagger()
}

// ProcessQueue releases the next due member for a queue and re-staggers
// the rest of the due batch. Returns the number promoted (0 or 1).
func (p *DelayedProcessor) ProcessQueue(ctx context.Context, queue string) (int, error) {
	now := time.Now()
	gap, maxJobs, stagger := p.profile(ctx, queue)

	if last, ok := p.lastRelease[queue]; ok && now.Sub(last) < gap {
		return 0, nil
	}

	due, err := p.broker.DueDelayed(ctx, queue, now, maxJobs)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	// One release per gap: the head of the batch goes live, the rest
	// move forward in staggered steps so later passes drain them one at
	// a time.
	if err := p.broker.Push(ctx, queue, []byte(due[0])); err != nil {
		return 0, err
	}
	if err := p.broker.RemoveDelayed(ctx, queue, due[0]); err != nil {
		return 0, err
	}
	for i, member := range due[1:] {
		newDue := now.Add(time.Duration(i+1) * stagger)
		if err := p.broker.RescoreDelayed(ctx, queue, member, newDue); err != nil {
			return 1, err
		}
	}

	p.lastRelease[queue] = now
	p.logger.Info().
		Str("queue", queue).
		Int("staggered", len(due)-1).
		Msg("Delayed job promoted")
	return 1, nil
}
