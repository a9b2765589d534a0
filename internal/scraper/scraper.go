// Package scraper polls exchange feeds and enqueues new announcements
package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/interfaces"
	"github.com/bobmcallan/backfin/internal/models"
)

// Service polls one exchange feed, checkpoints every announcement, and
// pushes the unseen ones onto the ai_processing queue. A file lock keeps
// two instances for the same exchange from racing; the loser aborts
// silently.
type Service struct {
	client     interfaces.ExchangeClient
	checkpoint interfaces.CheckpointStore
	broker     interfaces.QueueBroker
	config     *common.ScraperConfig
	dataPath   string
	logger     *common.Logger
	lock       *common.FileLock
}

// NewService creates a scraper for the given exchange client.
func NewService(client interfaces.ExchangeClient, checkpoint interfaces.CheckpointStore, broker interfaces.QueueBroker, config *common.ScraperConfig, dataPath string, logger *common.Logger) (*Service, error) {
	lock, err := common.NewFileLock(fmt.Sprintf("%s/scraper_%s.lock", dataPath, client.Name()))
	if err != nil {
		return nil, err
	}
	return &Service{
		client:     client,
		checkpoint: checkpoint,
		broker:     broker,
		config:     config,
		dataPath:   dataPath,
		logger:     logger,
		lock:       lock,
	}, nil
}

// Compile-time interface check
var _ interfaces.Scraper = (*Service)(nil)

func (s *Service) Name() string {
	return s.client.Name()
}

// cursor is the persisted high-water mark: the newest announcement seen
// on the previous pass.
type cursor struct {
	NewsID    string    `json:"news_id"`
	EventTime time.Time `json:"event_time"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Service) cursorPath() string {
	return fmt.Sprintf("%s/latest_announcement_%s.json", s.dataPath, s.Name())
}

func (s *Service) firstRunFlagPath() string {
	return fmt.Sprintf("%s/first_run_flag_%s.txt", s.dataPath, s.Name())
}

func (s *Service) loadCursor() (*cursor, error) {
	data, err := os.ReadFile(s.cursorPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cursor: %w", err)
	}
	var c cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse cursor: %w", err)
	}
	return &c, nil
}

func (s *Service) saveCursor(c *cursor) error {
	c.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.cursorPath(), data, 0o644); err != nil {
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	return nil
}

// RunOnce performs a single fetch-diff-enqueue pass. Returns the number
// of newly enqueued announcements.
func (s *Service) RunOnce(ctx context.Context) (int, error) {
	locked, err := s.lock.TryLock()
	if err != nil {
		return 0, err
	}
	if !locked {
		s.logger.Debug().Str("scraper", s.Name()).Msg("Another instance holds the scraper lock, skipping pass")
		return 0, nil
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn().Err(err).Str("scraper", s.Name()).Msg("Failed to release scraper lock")
		}
	}()

	feed, err := s.fetchWithRetries(ctx)
	if err != nil {
		return 0, err
	}
	if len(feed.Announcements) == 0 {
		s.logger.Debug().Str("scraper", s.Name()).Msg("Feed empty")
		return 0, nil
	}

	// Everything fetched is checkpointed, even rows we never enqueue. A
	// checkpoint outage costs replay coverage, not the live pass.
	if err := s.checkpoint.SaveRawFetch(ctx, feed.Announcements, feed.URL, feed.Params, feed.RawJSON); err != nil {
		s.logger.Warn().Err(err).Str("scraper", s.Name()).Msg("Failed to checkpoint fetch, continuing")
	}

	cur, err := s.loadCursor()
	if err != nil {
		return 0, err
	}

	newest := feed.Announcements[0]

	if cur == nil {
		// Very first pass: record where the feed stands without flooding
		// the queue with the whole backlog.
		if _, statErr := os.Stat(s.firstRunFlagPath()); errors.Is(statErr, os.ErrNotExist) {
			if err := os.WriteFile(s.firstRunFlagPath(), []byte(time.Now().Format(time.RFC3339)+"\n"), 0o644); err != nil {
				return 0, fmt.Errorf("failed to write first-run flag: %w", err)
			}
			if err := s.saveCursor(&cursor{NewsID: newest.NewsID, EventTime: newest.EventDatetime}); err != nil {
				return 0, err
			}
			s.logger.Info().Str("scraper", s.Name()).Int("backlog", len(feed.Announcements)).Msg("First run: cursor initialized, backlog not enqueued")
			return 0, nil
		}
	}

	// The feed is newest first; collect until the previous high-water
	// mark, then enqueue oldest first to preserve feed order.
	var fresh []models.Announcement
	for _, ann := range feed.Announcements {
		if cur != nil && ann.NewsID == cur.NewsID {
			break
		}
		fresh = append(fresh, ann)
	}

	enqueued := 0
	for i := len(fresh) - 1; i >= 0; i-- {
		ok, err := s.enqueue(ctx, fresh[i])
		if err != nil {
			return enqueued, err
		}
		if ok {
			enqueued++
		}
	}

	if err := s.saveCursor(&cursor{NewsID: newest.NewsID, EventTime: newest.EventDatetime}); err != nil {
		return enqueued, err
	}

	s.logger.Info().
		Str("scraper", s.Name()).
		Int("fetched", len(feed.Announcements)).
		Int("new", len(fresh)).
		Int("enqueued", enqueued).
		Msg("Scraper pass complete")
	return enqueued, nil
}

// enqueue pushes one announcement to ai_processing unless its queued
// marker already exists.
func (s *Service) enqueue(ctx context.Context, ann models.Announcement) (bool, error) {
	ok, err := s.broker.MarkQueued(ctx, ann.CorpID, s.config.GetMarkerTTL())
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Debug().Str("corp_id", ann.CorpID).Msg("Announcement already queued, skipping")
		return false, nil
	}

	job := models.AIProcessingJob{
		Envelope:     models.NewEnvelope(models.JobTypeAIProcessing),
		CorpID:       ann.CorpID,
		Announcement: ann,
		PDFURL:       ann.PDFURL,
		CompanyName:  ann.CompanyName,
		SecurityID:   ann.SecurityID,
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := s.broker.Push(ctx, models.QueueAIProcessing, payload); err != nil {
		return false, err
	}
	return true, nil
}

// fetchWithRetries retries the feed with a fixed delay between attempts.
func (s *Service) fetchWithRetries(ctx context.Context) (*models.FeedResult, error) {
	var lastErr error
	for attempt := 1; attempt <= s.config.GetMaxRetries(); attempt++ {
		feed, err := s.client.FetchAnnouncements(ctx)
		if err == nil {
			return feed, nil
		}
		lastErr = err
		s.logger.Warn().Err(err).Str("scraper", s.Name()).Int("attempt", attempt).Msg("Feed fetch failed")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.config.GetRetryDelay()):
		}
	}
	return nil, fmt.Errorf("feed fetch failed after %d attempts: %w", s.config.GetMaxRetries(), lastErr)
}
