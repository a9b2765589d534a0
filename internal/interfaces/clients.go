// Package interfaces defines service contracts for Backfin
package interfaces

import (
	"context"

	"github.com/bobmcallan/backfin/internal/models"
)

// ExchangeClient fetches an exchange's announcement feed and attachments.
// Implementations carry the bit-exact browser headers the exchanges
// demand and rate-limit their own requests.
type ExchangeClient interface {
	// Name returns the exchange identifier ("bse" or "nse").
	Name() string

	// FetchAnnouncements pulls the current feed, newest first. The raw
	// response body and request description are returned for the raw
	// fetch log.
	FetchAnnouncements(ctx context.Context) (*models.FeedResult, error)

	// DownloadPDF fetches an announcement's attachment into destDir and
	// returns the local file path.
	DownloadPDF(ctx context.Context, ann *models.Announcement, destDir string) (string, error)
}

// Classifier wraps the LLM. Both methods enforce the hard per-call
// timeout and the per-process request-rate limit, and reject responses
// whose category falls outside the closed enum.
type Classifier interface {
	// ClassifyPDF uploads a filing PDF and returns the structured result.
	ClassifyPDF(ctx context.Context, pdfPath, headline string) (*models.Classification, error)

	// ClassifyText classifies the combined headline + body as plain text.
	ClassifyText(ctx context.Context, text string) (*models.Classification, error)
}

// Notifier posts accepted filings to the broadcast frontend's intake
// endpoint. Fire-and-forget from the worker's perspective: failures are
// logged, never retried past their bound, and never fail the job.
type Notifier interface {
	NotifyNewAnnouncement(ctx context.Context, payload *models.BroadcastPayload) error
}
