// Package checkpoint provides the BadgerDB-backed local checkpoint store
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/interfaces"
	"github.com/bobmcallan/backfin/internal/models"
)

const gcInterval = 10 * time.Minute

// DB wraps badgerhold for the per-announcement checkpoint rows and the
// raw fetch log. Cross-process writes are serialized through an OS-level
// file lock next to the database directory.
type DB struct {
	store  *badgerhold.Store
	lock   *common.FileLock
	logger *common.Logger
	stopGC chan struct{}
}

// NewDB opens (or creates) the checkpoint database under dataPath.
func NewDB(logger *common.Logger, dataPath string) (*DB, error) {
	dir := filepath.Join(dataPath, "checkpoint")
	opts := badgerhold.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	opts.Logger = nil // Disable badger's internal logging

	store, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	lock, err := common.NewFileLock(filepath.Join(dataPath, "checkpoint.lock"))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create checkpoint write lock: %w", err)
	}

	logger.Debug().Str("path", dir).Msg("Checkpoint store opened")

	db := &DB{
		store:  store,
		lock:   lock,
		logger: logger,
		stopGC: make(chan struct{}),
	}
	go db.runGC()

	return db, nil
}

// Compile-time interface check
var _ interfaces.CheckpointStore = (*DB)(nil)

// runGC reclaims badger value-log space periodically.
func (db *DB) runGC() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-db.stopGC:
			return
		case <-ticker.C:
			// Repeat until a GC cycle finds nothing to rewrite.
			for {
				err := db.store.Badger().RunValueLogGC(0.5)
				if err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						db.logger.Warn().Err(err).Msg("Checkpoint value log GC failed")
					}
					break
				}
			}
		}
	}
}

// withWriteLock runs fn while holding the cross-process write lock.
// Contention backs off briefly rather than blocking indefinitely.
func (db *DB) withWriteLock(ctx context.Context, fn func() error) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		locked, err := db.lock.TryLock()
		if err != nil {
			return fmt.Errorf("failed to acquire checkpoint write lock: %w", err)
		}
		if locked {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for checkpoint write lock at %s", db.lock.Path())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	defer func() {
		if err := db.lock.Unlock(); err != nil {
			db.logger.Warn().Err(err).Msg("Failed to release checkpoint write lock")
		}
	}()
	return fn()
}

// SaveRawFetch persists one raw feed response plus one checkpoint row per
// announcement. Rows whose news_id already exists are skipped without
// aborting the batch.
func (db *DB) SaveRawFetch(ctx context.Context, anns []models.Announcement, url, params, rawJSON string) error {
	return db.withWriteLock(ctx, func() error {
		raw := models.RawFetch{
			FetchedAt: time.Now(),
			URL:       url,
			Params:    params,
			RawJSON:   rawJSON,
			Count:     len(anns),
		}
		if err := db.store.Insert(badgerhold.NextSequence(), &raw); err != nil {
			return fmt.Errorf("failed to save raw fetch: %w", err)
		}

		inserted := 0
		for i := range anns {
			ann := anns[i]
			if ann.FetchedAt.IsZero() {
				ann.FetchedAt = raw.FetchedAt
			}
			row := models.CheckpointRow{Announcement: ann}
			err := db.store.Insert(ann.NewsID, &row)
			if err != nil {
				if errors.Is(err, badgerhold.ErrKeyExists) || errors.Is(err, badgerhold.ErrUniqueExists) {
					db.logger.Debug().Str("news_id", ann.NewsID).Msg("Checkpoint row exists, skipping")
					continue
				}
				db.logger.Warn().Err(err).Str("news_id", ann.NewsID).Msg("Failed to insert checkpoint row")
				continue
			}
			inserted++
		}
		db.logger.Debug().Int("fetched", len(anns)).Int("inserted", inserted).Msg("Raw fetch saved")
		return nil
	})
}

// Get returns the checkpoint row for a news id.
func (db *DB) Get(ctx context.Context, newsID string) (*models.CheckpointRow, error) {
	var row models.CheckpointRow
	err := db.store.Get(newsID, &row)
	if err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("checkpoint row '%s' not found", newsID)
		}
		return nil, fmt.Errorf("failed to get checkpoint row: %w", err)
	}
	return &row, nil
}

// UpdateCheckpoint applies a partial update to a row under the write
// lock. mutate sees the current row and must only advance checkpoint
// fields, never regress them.
func (db *DB) UpdateCheckpoint(ctx context.Context, newsID string, mutate func(*models.CheckpointRow)) error {
	return db.withWriteLock(ctx, func() error {
		var row models.CheckpointRow
		if err := db.store.Get(newsID, &row); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("checkpoint row '%s' not found", newsID)
			}
			return fmt.Errorf("failed to get checkpoint row: %w", err)
		}

		mutate(&row)

		if err := db.store.Update(newsID, &row); err != nil {
			return fmt.Errorf("failed to update checkpoint row: %w", err)
		}
		return nil
	})
}

// RowsNeedingWork returns rows on the given date (YYYY-MM-DD) with
// ai_processed or sent_to_supabase still unset, oldest first.
func (db *DB) RowsNeedingWork(ctx context.Context, date string, limit int) ([]*models.CheckpointRow, error) {
	var rows []models.CheckpointRow
	query := badgerhold.Where("AIProcessed").Eq(false).Or(badgerhold.Where("SentToSupabase").Eq(false))
	if err := db.store.Find(&rows, query); err != nil {
		return nil, fmt.Errorf("failed to query checkpoint rows: %w", err)
	}

	result := make([]*models.CheckpointRow, 0, len(rows))
	for i := range rows {
		if date != "" && !strings.HasPrefix(rows[i].EventDatetime.Format("2006-01-02"), date) {
			continue
		}
		result = append(result, &rows[i])
	}

	// Oldest first so the replayer drains in feed order.
	sort.Slice(result, func(i, j int) bool {
		return result[i].EventDatetime.Before(result[j].EventDatetime)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Close stops the GC loop and closes the store.
func (db *DB) Close() error {
	close(db.stopGC)
	if db.store != nil {
		return db.store.Close()
	}
	return nil
}
