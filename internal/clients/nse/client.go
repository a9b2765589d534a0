// Package nse fetches corporate announcements from the NSE public API
package nse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/interfaces"
	"github.com/bobmcallan/backfin/internal/models"
)

const (
	defaultBase = "https://www.nseindia.com"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Client scrapes the NSE announcement feed. NSE rejects API calls
// without the session cookies its homepage sets, so the client keeps a
// cookie jar and warms it up before the first call and again whenever
// the API answers 401/403.
type Client struct {
	httpClient *http.Client
	logger     *common.Logger
	limiter    *rate.Limiter
	base       string
	warmedUp   bool
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets the HTTP client. A cookie jar is attached if the
// client has none.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithBaseURL overrides the site base URL (tests).
func WithBaseURL(base string) ClientOption {
	return func(c *Client) {
		c.base = strings.TrimRight(base, "/")
	}
}

// NewClient creates an NSE client rate-limited per the scraper config.
func NewClient(config *common.ScraperConfig, opts ...ClientOption) *Client {
	rps := config.RateLimit
	if rps <= 0 {
		rps = 2
	}

	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     common.NewSilentLogger(),
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		base:       defaultBase,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient.Jar == nil {
		jar, _ := cookiejar.New(nil)
		c.httpClient.Jar = jar
	}
	return c
}

// Compile-time interface check
var _ interfaces.ExchangeClient = (*Client)(nil)

func (c *Client) Name() string {
	return common.ExchangeNSE
}

// warmUp visits the homepage so the jar picks up the session cookies.
func (c *Client) warmUp(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.base+"/", nil)
	if err != nil {
		return fmt.Errorf("failed to create warm-up request: %w", err)
	}
	c.setBrowserHeaders(req, "text/html,application/xhtml+xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to warm up NSE session: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("NSE warm-up returned status %d", resp.StatusCode)
	}

	c.warmedUp = true
	c.logger.Debug().Msg("NSE session warmed up")
	return nil
}

// feedRow is one row of the corporate-announcements response.
type feedRow struct {
	SeqID       string `json:"seq_id"`
	Symbol      string `json:"symbol"`
	ISIN        string `json:"sm_isin"`
	CompanyName string `json:"sm_name"`
	Desc        string `json:"desc"`
	Details     string `json:"attchmntText"`
	Attachment  string `json:"attchmntFile"`
	AnDT        string `json:"an_dt"`
}

// FetchAnnouncements pulls the equities announcement feed, newest first.
func (c *Client) FetchAnnouncements(ctx context.Context) (*models.FeedResult, error) {
	if !c.warmedUp {
		if err := c.warmUp(ctx); err != nil {
			return nil, err
		}
	}

	feedURL := c.base + "/api/corporate-announcements?index=equities"
	body, status, err := c.get(ctx, feedURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch NSE feed: %w", err)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		// Session cookies went stale; warm up once and retry.
		if err := c.warmUp(ctx); err != nil {
			return nil, err
		}
		body, status, err = c.get(ctx, feedURL)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch NSE feed after warm-up: %w", err)
		}
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("NSE feed returned status %d", status)
	}

	var rows []feedRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse NSE feed: %w", err)
	}

	anns := make([]models.Announcement, 0, len(rows))
	for _, row := range rows {
		ann, ok := c.rowToAnnouncement(row)
		if !ok {
			continue
		}
		anns = append(anns, ann)
	}

	c.logger.Debug().Int("rows", len(rows)).Int("parsed", len(anns)).Msg("Fetched NSE feed")

	return &models.FeedResult{
		Announcements: anns,
		RawJSON:       string(body),
		URL:           c.base + "/api/corporate-announcements",
		Params:        "index=equities",
	}, nil
}

func (c *Client) rowToAnnouncement(row feedRow) (models.Announcement, bool) {
	newsID := row.SeqID
	if newsID == "" {
		// Older feed entries omit seq_id; the attachment file name is the
		// only stable identifier left.
		if row.Attachment == "" {
			return models.Announcement{}, false
		}
		newsID = filepath.Base(row.Attachment)
	}

	eventTime, err := time.Parse("02-Jan-2006 15:04:05", row.AnDT)
	if err != nil {
		c.logger.Warn().Str("seq_id", row.SeqID).Str("an_dt", row.AnDT).Msg("Unparseable NSE timestamp, skipping row")
		return models.Announcement{}, false
	}

	companyName := strings.TrimSpace(row.CompanyName)
	if companyName == "" {
		companyName = strings.TrimSpace(row.Symbol)
	}

	return models.Announcement{
		NewsID:         newsID,
		CorpID:         common.CorpID(common.ExchangeNSE, newsID),
		Exchange:       common.ExchangeNSE,
		ISIN:           strings.TrimSpace(row.ISIN),
		Symbol:         strings.TrimSpace(row.Symbol),
		CompanyName:    companyName,
		EventDatetime:  eventTime,
		RawHeadline:    strings.TrimSpace(row.Desc),
		Body:           strings.TrimSpace(row.Details),
		AttachmentName: filepath.Base(row.Attachment),
		PDFURL:         row.Attachment,
		FetchedAt:      time.Now(),
	}, true
}

// DownloadPDF fetches an announcement's attachment into destDir.
func (c *Client) DownloadPDF(ctx context.Context, ann *models.Announcement, destDir string) (string, error) {
	if ann.PDFURL == "" {
		return "", fmt.Errorf("announcement %s has no attachment", ann.NewsID)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download dir: %w", err)
	}

	body, status, err := c.get(ctx, ann.PDFURL)
	if err != nil {
		return "", fmt.Errorf("failed to download PDF for %s: %w", ann.NewsID, err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("PDF download for %s returned status %d", ann.NewsID, status)
	}

	dest := filepath.Join(destDir, ann.NewsID+".pdf")
	if err := os.WriteFile(dest, body, 0o644); err != nil {
		return "", fmt.Errorf("failed to write PDF: %w", err)
	}

	c.logger.Debug().Str("news_id", ann.NewsID).Int("bytes", len(body)).Msg("Downloaded NSE PDF")
	return dest, nil
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	c.setBrowserHeaders(req, "application/json, text/plain, */*")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func (c *Client) setBrowserHeaders(req *http.Request, accept string) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", c.base+"/")
}
