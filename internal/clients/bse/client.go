// Package bse fetches corporate announcements from the BSE public API
package bse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
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
	defaultAPIBase  = "https://api.bseindia.com"
	defaultSiteBase = "https://www.bseindia.com"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Client scrapes the BSE announcement feed. The API refuses requests
// without browser headers and a bseindia.com referer, so every request
// carries them.
type Client struct {
	httpClient *http.Client
	logger     *common.Logger
	limiter    *rate.Limiter
	apiBase    string
	siteBase   string

	// scrip code -> ISIN, filled lazily from the company header API
	isinCache map[string]string
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets the HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithBaseURLs overrides the API and site base URLs (tests).
func WithBaseURLs(apiBase, siteBase string) ClientOption {
	return func(c *Client) {
		c.apiBase = strings.TrimRight(apiBase, "/")
		c.siteBase = strings.TrimRight(siteBase, "/")
	}
}

// NewClient creates a BSE client rate-limited per the scraper config.
func NewClient(config *common.ScraperConfig, opts ...ClientOption) *Client {
	rps := config.RateLimit
	if rps <= 0 {
		rps = 2
	}

	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     common.NewSilentLogger(),
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		apiBase:    defaultAPIBase,
		siteBase:   defaultSiteBase,
		isinCache:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile-time interface check
var _ interfaces.ExchangeClient = (*Client)(nil)

func (c *Client) Name() string {
	return common.ExchangeBSE
}

// feedRow is one row of the AnnSubCategoryGetData response.
type feedRow struct {
	NewsID         string      `json:"NEWSID"`
	ScripCD        json.Number `json:"SCRIP_CD"`
	CompanyName    string      `json:"SLONGNAME"`
	Headline       string      `json:"HEADLINE"`
	NewsSub        string      `json:"NEWSSUB"`
	More           string      `json:"MORE"`
	NewsDT         string      `json:"NEWS_DT"`
	AttachmentName string      `json:"ATTACHMENTNAME"`
	NSURL          string      `json:"NSURL"`
}

type feedResponse struct {
	Table []feedRow `json:"Table"`
}

// FetchAnnouncements pulls today's feed page, newest first.
func (c *Client) FetchAnnouncements(ctx context.Context) (*models.FeedResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	today := time.Now().Format("20060102")
	params := url.Values{
		"pageno":      {"1"},
		"strCat":      {"-1"},
		"strPrevDate": {today},
		"strToDate":   {today},
		"strScrip":    {""},
		"strSearch":   {"P"},
		"strType":     {"C"},
		"subcategory": {"-1"},
	}
	feedURL := c.apiBase + "/BseIndiaAPI/api/AnnSubCategoryGetData/w?" + params.Encode()

	body, err := c.get(ctx, feedURL, "application/json, text/plain, */*")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch BSE feed: %w", err)
	}

	var feed feedResponse
	if err := json.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("failed to parse BSE feed: %w", err)
	}

	anns := make([]models.Announcement, 0, len(feed.Table))
	for _, row := range feed.Table {
		ann, ok := c.rowToAnnouncement(ctx, row)
		if !ok {
			continue
		}
		anns = append(anns, ann)
	}

	c.logger.Debug().Int("rows", len(feed.Table)).Int("parsed", len(anns)).Msg("Fetched BSE feed")

	return &models.FeedResult{
		Announcements: anns,
		RawJSON:       string(body),
		URL:           c.apiBase + "/BseIndiaAPI/api/AnnSubCategoryGetData/w",
		Params:        params.Encode(),
	}, nil
}

func (c *Client) rowToAnnouncement(ctx context.Context, row feedRow) (models.Announcement, bool) {
	if row.NewsID == "" {
		return models.Announcement{}, false
	}

	eventTime, err := time.Parse("2006-01-02T15:04:05", row.NewsDT)
	if err != nil {
		// Some rows carry fractional seconds.
		eventTime, err = time.Parse("2006-01-02T15:04:05.999", row.NewsDT)
		if err != nil {
			c.logger.Warn().Str("news_id", row.NewsID).Str("news_dt", row.NewsDT).Msg("Unparseable BSE timestamp, skipping row")
			return models.Announcement{}, false
		}
	}

	headline := strings.TrimSpace(row.NewsSub)
	if headline == "" {
		headline = strings.TrimSpace(row.Headline)
	}

	pdfURL := ""
	if row.AttachmentName != "" {
		pdfURL = c.siteBase + "/xml-data/corpfiling/AttachLive/" + row.AttachmentName
	}

	scrip := row.ScripCD.String()
	ann := models.Announcement{
		NewsID:         row.NewsID,
		CorpID:         common.CorpID(common.ExchangeBSE, row.NewsID),
		Exchange:       common.ExchangeBSE,
		SecurityID:     scrip,
		ISIN:           c.lookupISIN(ctx, scrip),
		CompanyName:    strings.TrimSpace(row.CompanyName),
		EventDatetime:  eventTime,
		RawHeadline:    headline,
		Body:           strings.TrimSpace(row.More),
		AttachmentName: row.AttachmentName,
		PDFURL:         pdfURL,
		FetchedAt:      time.Now(),
	}
	return ann, true
}

// lookupISIN resolves a scrip code via the company header API. Failures
// leave the ISIN blank rather than failing the feed.
func (c *Client) lookupISIN(ctx context.Context, scripCode string) string {
	if scripCode == "" {
		return ""
	}
	if isin, ok := c.isinCache[scripCode]; ok {
		return isin
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return ""
	}

	headerURL := c.apiBase + "/BseIndiaAPI/api/ComHeadernew/w?quotetype=EQ&scripcode=" + url.QueryEscape(scripCode) + "&seriesid="
	body, err := c.get(ctx, headerURL, "application/json, text/plain, */*")
	if err != nil {
		c.logger.Warn().Err(err).Str("scrip", scripCode).Msg("ISIN lookup failed")
		return ""
	}

	var header struct {
		ISIN string `json:"ISIN"`
	}
	if err := json.Unmarshal(body, &header); err != nil {
		c.logger.Warn().Err(err).Str("scrip", scripCode).Msg("ISIN response unparseable")
		return ""
	}

	c.isinCache[scripCode] = header.ISIN
	return header.ISIN
}

// DownloadPDF fetches an announcement's attachment into destDir.
func (c *Client) DownloadPDF(ctx context.Context, ann *models.Announcement, destDir string) (string, error) {
	if ann.PDFURL == "" {
		return "", fmt.Errorf("announcement %s has no attachment", ann.NewsID)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download dir: %w", err)
	}

	body, err := c.get(ctx, ann.PDFURL, "application/pdf,*/*")
	if err != nil {
		return "", fmt.Errorf("failed to download PDF for %s: %w", ann.NewsID, err)
	}

	dest := filepath.Join(destDir, ann.NewsID+".pdf")
	if err := os.WriteFile(dest, body, 0o644); err != nil {
		return "", fmt.Errorf("failed to write PDF: %w", err)
	}

	c.logger.Debug().Str("news_id", ann.NewsID).Int("bytes", len(body)).Msg("Downloaded BSE PDF")
	return dest, nil
}

func (c *Client) get(ctx context.Context, rawURL, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", c.siteBase+"/")
	req.Header.Set("Origin", c.siteBase)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
