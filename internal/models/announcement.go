// Package models defines the data types shared across the Backfin pipeline.
package models

import "time"

// Announcement is one exchange-published corporate filing as fetched from
// the feed. corp_id is always derived from news_id via common.CorpID and
// is the correlation key for every downstream stage.
type Announcement struct {
	NewsID         string    `json:"news_id" badgerhold:"unique"`
	CorpID         string    `json:"corp_id"`
	Exchange       string    `json:"exchange"` // "bse" or "nse"
	SecurityID     string    `json:"security_id"`
	ISIN           string    `json:"isin"`
	Symbol         string    `json:"symbol"`
	CompanyName    string    `json:"company_name"`
	EventDatetime  time.Time `json:"event_datetime"`
	RawHeadline    string    `json:"raw_headline"`
	Body           string    `json:"body,omitempty"`
	AttachmentName string    `json:"attachment_name,omitempty"`
	PDFURL         string    `json:"pdf_url,omitempty"`
	FetchedAt      time.Time `json:"fetched_at"`
}

// RawFetch records one raw feed response, kept for replay and audit.
type RawFetch struct {
	ID        uint64    `json:"id" badgerhold:"key"`
	FetchedAt time.Time `json:"fetched_at"`
	URL       string    `json:"url"`
	Params    string    `json:"params"`
	RawJSON   string    `json:"raw_json"`
	Count     int       `json:"count"`
}

// CheckpointRow is the local per-announcement mutable state. Checkpoint
// columns only ever advance; sent_to_supabase=1 requires ai_processed=1
// or the negative-keyword shortcut.
type CheckpointRow struct {
	Announcement

	DownloadedPDFFile string    `json:"downloaded_pdf_file,omitempty"`
	PDFPages          int       `json:"pdf_pages,omitempty"`
	PDFDownloadedAt   time.Time `json:"pdf_downloaded_at,omitempty"`
	AIProcessed       bool      `json:"ai_processed"`
	AISummary         string    `json:"ai_summary,omitempty"`
	AIError           string    `json:"ai_error,omitempty"`
	AIProcessedAt     time.Time `json:"ai_processed_at,omitempty"`
	SentToSupabase    bool      `json:"sent_to_supabase"`
	SentToSupabaseAt  time.Time `json:"sent_to_supabase_at,omitempty"`
}

// NeedsWork reports whether any pipeline stage is still outstanding.
func (r *CheckpointRow) NeedsWork() bool {
	return !r.AIProcessed || !r.SentToSupabase
}
