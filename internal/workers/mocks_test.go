package workers

import (
	"context"
	"fmt"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/backfin/internal/broker"
	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/models"
	"github.com/bobmcallan/backfin/internal/storage/checkpoint"
)

func newTestBroker(t *testing.T) (*broker.Broker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	b, err := broker.NewBroker(context.Background(), &common.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func newTestCheckpoint(t *testing.T) *checkpoint.DB {
	t.Helper()
	db, err := checkpoint.NewDB(common.NewSilentLogger(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testWorkersConfig() *common.WorkersConfig {
	return &common.WorkersConfig{
		MaxJobsPerSession: 10,
		IdleTimeout:       "100ms",
		SessionRetries:    2,
		LockTTL:           "10m",
		JobTimeout:        "5s",
		MaxRetries:        2,
		ProcessingTTL:     "90s",
		BackoffBase:       "5m",
		BackoffCap:        "1h",
	}
}

// mockFilingStore is a configurable in-memory FilingStore.
type mockFilingStore struct {
	mu        sync.Mutex
	filings   map[string]*models.ProcessedFiling
	counters  map[string]int
	investors map[string]string // lowercase name -> id
	aliases   map[string]string
	created   []string
	links     []models.InvestorLink
	finCalls  []models.FinData

	existsErr error
	insertErr error
	lookupErr error
	linksErr  error
}

func newMockFilingStore() *mockFilingStore {
	return &mockFilingStore{
		filings:   make(map[string]*models.ProcessedFiling),
		counters:  make(map[string]int),
		investors: make(map[string]string),
		aliases:   make(map[string]string),
	}
}

func (m *mockFilingStore) FilingExists(ctx context.Context, corpID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsErr != nil {
		return false, m.existsErr
	}
	_, ok := m.filings[corpID]
	return ok, nil
}

func (m *mockFilingStore) InsertFiling(ctx context.Context, filing *models.ProcessedFiling) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.filings[filing.CorpID] = filing
	return nil
}

func (m *mockFilingStore) UpdateFiling(ctx context.Context, filing *models.ProcessedFiling) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filings[filing.CorpID] = filing
	return nil
}

func (m *mockFilingStore) IncrementCategoryCount(ctx context.Context, date, category string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[date+":"+category]++
	return nil
}

func (m *mockFilingStore) UpsertFinancialResults(ctx context.Context, corpID, isin string, fin models.FinData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.filings[corpID]; !ok {
		return fmt.Errorf("filing %s not found", corpID)
	}
	m.finCalls = append(m.finCalls, fin)
	return nil
}

func (m *mockFilingStore) LookupInvestor(ctx context.Context, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return "", false, m.lookupErr
	}
	id, ok := m.investors[name]
	return id, ok, nil
}

func (m *mockFilingStore) LookupAlias(ctx context.Context, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.aliases[name]
	return id, ok, nil
}

func (m *mockFilingStore) CreateUnverifiedInvestor(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := fmt.Sprintf("unverified-%d", len(m.created)+1)
	m.created = append(m.created, name)
	return id, nil
}

func (m *mockFilingStore) BulkInsertInvestorLinks(ctx context.Context, links []models.InvestorLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.linksErr != nil {
		return m.linksErr
	}
	m.links = append(m.links, links...)
	return nil
}

func (m *mockFilingStore) Close() error { return nil }

// mockClassifier returns canned classifications or errors.
type mockClassifier struct {
	mu     sync.Mutex
	result *models.Classification
	err    error
	calls  int
	onCall func()
}

func (m *mockClassifier) ClassifyPDF(ctx context.Context, pdfPath, headline string) (*models.Classification, error) {
	return m.classify()
}

func (m *mockClassifier) ClassifyText(ctx context.Context, text string) (*models.Classification, error) {
	return m.classify()
}

func (m *mockClassifier) classify() (*models.Classification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.onCall != nil {
		m.onCall()
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

// mockNotifier records broadcast payloads.
type mockNotifier struct {
	mu       sync.Mutex
	payloads []*models.BroadcastPayload
	err      error
}

func (m *mockNotifier) NotifyNewAnnouncement(ctx context.Context, payload *models.BroadcastPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.payloads = append(m.payloads, payload)
	return nil
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payloads)
}

func testAnnouncement(newsID string) models.Announcement {
	return models.Announcement{
		NewsID:      newsID,
		CorpID:      common.CorpID(common.ExchangeBSE, newsID),
		Exchange:    common.ExchangeBSE,
		SecurityID:  "500325",
		ISIN:        "INE002A01018",
		CompanyName: "Reliance Industries Ltd",
		RawHeadline: "Acquisition of stake in renewables subsidiary",
	}
}
