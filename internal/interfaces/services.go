// Package interfaces defines service contracts for Backfin
package interfaces

import "context"

// Scraper pulls one exchange's feed and enqueues processing jobs.
type Scraper interface {
	// Name returns the scraper identifier ("bse" or "nse").
	Name() string

	// RunOnce performs a single fetch-diff-enqueue pass and returns the
	// number of newly enqueued announcements. A held file lock aborts
	// silently with (0, nil).
	RunOnce(ctx context.Context) (int, error)
}

// Worker is an ephemeral queue consumer: it processes a bounded batch of
// jobs then returns. The supervisor spawns fresh instances on demand.
type Worker interface {
	// Queue returns the immediate queue this worker consumes.
	Queue() string

	// Run processes jobs until the session bound, idle timeout, or
	// context cancellation.
	Run(ctx context.Context) error
}
