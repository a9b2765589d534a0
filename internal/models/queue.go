package models

import (
	"time"

	"github.com/google/uuid"
)

// Queue name suffixes. Full broker keys are built by the broker package
// under the "backfin:queue:" prefix; each immediate queue has a paired
// "<name>:delayed" sorted set.
const (
	QueueNewAnnouncements   = "new_announcements"
	QueueAIProcessing       = "ai_processing"
	QueueSupabaseUpload     = "supabase_upload"
	QueueInvestorProcessing = "investor_processing"
	QueueFailedJobs         = "failed_jobs"
	QueueHighPriority       = "high_priority"
	QueueRetry              = "retry"
)

// Job type discriminators carried in the envelope.
const (
	JobTypeAIProcessing     = "ai_processing"
	JobTypeSupabaseUpload   = "supabase_upload"
	JobTypeInvestorAnalysis = "investor_analysis"
	JobTypeFailed           = "failed"
)

// Envelope carries the fields common to every queued job.
type Envelope struct {
	JobID          string    `json:"job_id" validate:"required"`
	JobType        string    `json:"job_type" validate:"required"`
	CreatedAt      time.Time `json:"created_at"`
	Priority       int       `json:"priority"`
	RetryCount     int       `json:"retry_count"`
	MaxRetries     int       `json:"max_retries"`
	TimeoutSeconds int       `json:"timeout_seconds"`
}

// NewEnvelope initializes an envelope for the given job type.
func NewEnvelope(jobType string) Envelope {
	return Envelope{
		JobID:      uuid.New().String(),
		JobType:    jobType,
		CreatedAt:  time.Now(),
		MaxRetries: 3,
	}
}

// AIProcessingJob asks an AIWorker to classify one announcement.
type AIProcessingJob struct {
	Envelope

	CorpID       string       `json:"corp_id" validate:"required"`
	Announcement Announcement `json:"announcement"`
	PDFURL       string       `json:"pdf_url,omitempty"`
	CompanyName  string       `json:"company_name,omitempty"`
	SecurityID   string       `json:"security_id,omitempty"`
}

// ProcessedFiling is the classification result joined with the identifiers
// a StoreWorker needs to write the corporatefilings row.
type ProcessedFiling struct {
	Classification

	CorpID          string `json:"corp_id" validate:"required"`
	NewsID          string `json:"newsid" validate:"required"`
	SecurityID      string `json:"securityid,omitempty"`
	ISIN            string `json:"isin,omitempty"`
	Symbol          string `json:"symbol,omitempty"`
	CompanyName     string `json:"company_name,omitempty"`
	Date            string `json:"date"` // YYYY-MM-DD of the filing
	FileURL         string `json:"fileurl,omitempty"`
	OriginalSummary string `json:"original_summary,omitempty"` // raw headline
}

// SupabaseUploadJob asks a StoreWorker to persist a processed filing.
type SupabaseUploadJob struct {
	Envelope

	CorpID        string          `json:"corp_id" validate:"required"`
	ProcessedData ProcessedFiling `json:"processed_data"`
}

// InvestorAnalysisJob asks an InvestorWorker to resolve investor names
// mentioned in a filing and write link rows.
type InvestorAnalysisJob struct {
	Envelope

	CorpID              string   `json:"corp_id" validate:"required"`
	Category            string   `json:"category"`
	IndividualInvestors []string `json:"individual_investors,omitempty"`
	CompanyInvestors    []string `json:"company_investors,omitempty"`
}

// FailedJob is the dead-letter record: the original payload plus the
// failure reason.
type FailedJob struct {
	JobID           string    `json:"job_id"`
	OriginalType    string    `json:"original_type"`
	OriginalPayload string    `json:"original_payload"`
	Error           string    `json:"error"`
	FailedAt        time.Time `json:"failed_at"`
}
