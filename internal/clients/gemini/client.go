// Package gemini provides the Gemini-backed filing classifier
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/interfaces"
	"github.com/bobmcallan/backfin/internal/models"
)

const (
	DefaultModel = "gemini-3-flash-preview"
	DefaultRPM   = 10
)

// Client implements the Classifier interface against the Gemini API.
// Schema-constrained output keeps responses inside the category enum;
// the sliding-window limiter keeps the process under its request quota.
type Client struct {
	client        *genai.Client
	model         string
	limiter       *RPMLimiter
	callTimeout   time.Duration
	uploadTimeout time.Duration
	logger        *common.Logger
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithModel sets the model to use
func WithModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithRequestsPerMin sets the request-rate ceiling
func WithRequestsPerMin(rpm int) ClientOption {
	return func(c *Client) {
		c.limiter = NewRPMLimiter(rpm)
	}
}

// WithTimeouts sets the per-call and per-upload timeouts
func WithTimeouts(call, upload time.Duration) ClientOption {
	return func(c *Client) {
		c.callTimeout = call
		c.uploadTimeout = upload
	}
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new classifier client
func NewClient(ctx context.Context, apiKey string, opts ...ClientOption) (*Client, error) {
	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	c := &Client{
		client:        genaiClient,
		model:         DefaultModel,
		limiter:       NewRPMLimiter(DefaultRPM),
		callTimeout:   5 * time.Minute,
		uploadTimeout: 2 * time.Minute,
		logger:        common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Compile-time interface check
var _ interfaces.Classifier = (*Client)(nil)

// classificationSchema constrains the response shape. The category enum
// is enforced server-side so off-list values cannot come back.
func classificationSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"category": {Type: genai.TypeString, Enum: models.Categories},
			"headline": {Type: genai.TypeString, Description: "Clean one-line headline for the filing"},
			"summary":  {Type: genai.TypeString, Description: "Concise markdown summary of the filing"},
			"findata": {
				Type:        genai.TypeObject,
				Description: "Only for Financial Results filings; omit otherwise",
				Properties: map[string]*genai.Schema{
					"period":              {Type: genai.TypeString, Description: "Reporting period, e.g. Q1FY27"},
					"sales_current":       {Type: genai.TypeString},
					"sales_previous_year": {Type: genai.TypeString},
					"pat_current":         {Type: genai.TypeString},
					"pat_previous_year":   {Type: genai.TypeString},
				},
			},
			"individual_investor_list": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
			"company_investor_list":    {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
			"sentiment": {Type: genai.TypeString, Enum: []string{
				models.SentimentPositive, models.SentimentNegative, models.SentimentNeutral,
			}},
		},
		Required: []string{"category", "headline", "summary", "sentiment"},
	}
}

func classificationPrompt(headline string) string {
	var sb strings.Builder
	sb.WriteString("You are an analyst covering Indian stock exchange corporate filings (BSE/NSE).\n")
	sb.WriteString("Classify the attached filing and summarize it for retail investors.\n\n")
	if headline != "" {
		sb.WriteString("Exchange headline: ")
		sb.WriteString(headline)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Rules:\n")
	sb.WriteString("- Pick exactly one category from the allowed list.\n")
	sb.WriteString("- Use \"Procedural/Administrative\" for routine compliance filings with no investor-relevant content.\n")
	sb.WriteString("- Use \"Error\" only if the document is unreadable or not a corporate filing.\n")
	sb.WriteString("- For Financial Results filings, extract the findata figures exactly as published; leave fields blank if not stated.\n")
	sb.WriteString("- List any well-known individual or institutional investors named in the filing.\n")
	sb.WriteString("- Sentiment reflects the likely share-price reading of the news.\n")
	return sb.String()
}

// ClassifyPDF uploads a filing PDF and returns the structured result.
func (c *Client) ClassifyPDF(ctx context.Context, pdfPath, headline string) (*models.Classification, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	uploadCtx, cancelUpload := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancelUpload()

	file, err := c.client.Files.UploadFromPath(uploadCtx, pdfPath, &genai.UploadFileConfig{
		MIMEType: "application/pdf",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload PDF: %w", err)
	}

	c.logger.Debug().Str("model", c.model).Str("file", pdfPath).Msg("Classifying filing PDF")

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromURI(file.URI, file.MIMEType),
			genai.NewPartFromText(classificationPrompt(headline)),
		}, genai.RoleUser),
	}
	return c.generate(ctx, contents)
}

// ClassifyText classifies the combined headline and body as plain text.
// Used when a filing has no attachment.
func (c *Client) ClassifyText(ctx context.Context, text string) (*models.Classification, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	c.logger.Debug().Str("model", c.model).Msg("Classifying filing text")

	prompt := classificationPrompt("") + "\nFiling text:\n" + text
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	return c.generate(ctx, contents)
}

func (c *Client) generate(ctx context.Context, contents []*genai.Content) (*models.Classification, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	config := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(0.2)),
		ResponseMIMEType: "application/json",
		ResponseSchema:   classificationSchema(),
	}

	resp, err := c.client.Models.GenerateContent(callCtx, c.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("Gemini API call failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("no response from Gemini API")
	}

	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("empty response from Gemini API")
	}
	return ParseClassification(text)
}

// rawClassification matches the schema shape; findata arrives as a
// nested object and is re-encoded to the flat JSON string the pipeline
// carries.
type rawClassification struct {
	Category               string          `json:"category"`
	Headline               string          `json:"headline"`
	Summary                string          `json:"summary"`
	FinData                *models.FinData `json:"findata,omitempty"`
	IndividualInvestorList []string        `json:"individual_investor_list,omitempty"`
	CompanyInvestorList    []string        `json:"company_investor_list,omitempty"`
	Sentiment              string          `json:"sentiment"`
}

// ParseClassification decodes a schema-constrained response and rejects
// categories outside the enum.
func ParseClassification(text string) (*models.Classification, error) {
	var raw rawClassification
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse classification response: %w", err)
	}

	if !models.IsKnownCategory(raw.Category) {
		return nil, fmt.Errorf("classifier returned unknown category %q", raw.Category)
	}

	result := &models.Classification{
		Category:               raw.Category,
		Headline:               strings.TrimSpace(raw.Headline),
		Summary:                strings.TrimSpace(raw.Summary),
		IndividualInvestorList: raw.IndividualInvestorList,
		CompanyInvestorList:    raw.CompanyInvestorList,
		Sentiment:              raw.Sentiment,
	}
	if raw.FinData != nil && raw.FinData.Period != "" {
		encoded, err := json.Marshal(raw.FinData)
		if err != nil {
			return nil, fmt.Errorf("failed to encode findata: %w", err)
		}
		result.FinData = string(encoded)
	}
	return result, nil
}

// Close closes the client
func (c *Client) Close() error {
	// The genai client doesn't have a Close method
	return nil
}
