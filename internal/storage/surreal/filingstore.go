package surreal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/interfaces"
	"github.com/bobmcallan/backfin/internal/models"
)

// FilingStore implements interfaces.FilingStore using SurrealDB. Filings
// key on corp_id so retries and competing workers converge on one row.
type FilingStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewFilingStore creates a new FilingStore.
func NewFilingStore(db *surrealdb.DB, logger *common.Logger) *FilingStore {
	return &FilingStore{db: db, logger: logger}
}

// Compile-time check
var _ interfaces.FilingStore = (*FilingStore)(nil)

type countResult struct {
	Cnt int `json:"cnt"`
}

func (s *FilingStore) count(ctx context.Context, sql string, vars map[string]any) (int, error) {
	results, err := surrealdb.Query[[]countResult](ctx, s.db, sql, vars)
	if err != nil {
		return 0, err
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return (*results)[0].Result[0].Cnt, nil
	}
	return 0, nil
}

func (s *FilingStore) FilingExists(ctx context.Context, corpID string) (bool, error) {
	sql := "SELECT count() AS cnt FROM corporatefilings WHERE corp_id = $corp_id GROUP ALL"
	cnt, err := s.count(ctx, sql, map[string]any{"corp_id": corpID})
	if err != nil {
		return false, fmt.Errorf("failed to check filing existence: %w", err)
	}
	return cnt > 0, nil
}

// InsertFiling creates the corporatefilings row keyed on corp_id. A
// duplicate-record error means another worker already stored this filing
// and is treated as success.
func (s *FilingStore) InsertFiling(ctx context.Context, filing *models.ProcessedFiling) error {
	sql := `CREATE $rid SET
		corp_id = $corp_id, newsid = $newsid, securityid = $securityid,
		isin = $isin, symbol = $symbol, company_name = $company_name,
		date = $date, category = $category, headline = $headline,
		summary = $summary, ai_summary = $ai_summary, fileurl = $fileurl,
		findata = $findata, sentiment = $sentiment, created_at = $created_at`
	vars := map[string]any{
		"rid":          surrealmodels.NewRecordID("corporatefilings", filing.CorpID),
		"corp_id":      filing.CorpID,
		"newsid":       filing.NewsID,
		"securityid":   filing.SecurityID,
		"isin":         filing.ISIN,
		"symbol":       filing.Symbol,
		"company_name": filing.CompanyName,
		"date":         filing.Date,
		"category":     filing.Category,
		"headline":     filing.Headline,
		"summary":      filing.OriginalSummary,
		"ai_summary":   filing.Summary,
		"fileurl":      filing.FileURL,
		"findata":      filing.FinData,
		"sentiment":    filing.Sentiment,
		"created_at":   time.Now(),
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		if isDuplicateErr(err) {
			s.logger.Debug().Str("corp_id", filing.CorpID).Msg("Filing already stored, treating insert as success")
			return nil
		}
		return fmt.Errorf("failed to insert filing: %w", err)
	}
	return nil
}

// UpdateFiling overwrites the classification fields of an existing row.
// Replayer path: the newer classification wins.
func (s *FilingStore) UpdateFiling(ctx context.Context, filing *models.ProcessedFiling) error {
	sql := `UPDATE $rid SET
		category = $category, headline = $headline, ai_summary = $ai_summary,
		findata = $findata, sentiment = $sentiment, updated_at = $updated_at`
	vars := map[string]any{
		"rid":        surrealmodels.NewRecordID("corporatefilings", filing.CorpID),
		"category":   filing.Category,
		"headline":   filing.Headline,
		"ai_summary": filing.Summary,
		"findata":    filing.FinData,
		"sentiment":  filing.Sentiment,
		"updated_at": time.Now(),
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to update filing: %w", err)
	}
	return nil
}

// IncrementCategoryCount bumps the per-day counter for a category,
// creating the row with value 1 when missing. Read-modify-write; the
// count is approximate under concurrent workers.
func (s *FilingStore) IncrementCategoryCount(ctx context.Context, date, category string) error {
	rid := surrealmodels.NewRecordID("corporatefilings_categories", date+":"+category)

	type counterRow struct {
		Count int `json:"count"`
	}
	selectSQL := "SELECT count FROM $rid"
	results, err := surrealdb.Query[[]counterRow](ctx, s.db, selectSQL, map[string]any{"rid": rid})
	if err != nil {
		return fmt.Errorf("failed to read category counter: %w", err)
	}

	current := 0
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		current = (*results)[0].Result[0].Count
	}

	upsertSQL := "UPSERT $rid SET date = $date, category = $category, count = $count"
	vars := map[string]any{
		"rid":      rid,
		"date":     date,
		"category": category,
		"count":    current + 1,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, upsertSQL, vars); err != nil {
		return fmt.Errorf("failed to increment category counter: %w", err)
	}
	return nil
}

// financialRow mirrors the stored financial_results fields touched by the
// fill-only-blank rule.
type financialRow struct {
	ID            string `json:"fin_id"`
	SalesCurrent  string `json:"sales_current"`
	SalesPrevYear string `json:"sales_previous_year"`
	PATCurrent    string `json:"pat_current"`
	PATPrevYear   string `json:"pat_previous_year"`
}

// UpsertFinancialResults applies the fill-only-blank rule keyed on
// (isin, period): existing non-blank values are never overwritten.
// Refuses to write unless the parent filing row exists.
func (s *FilingStore) UpsertFinancialResults(ctx context.Context, corpID, isin string, fin models.FinData) error {
	if fin.Period == "" {
		return fmt.Errorf("financial results for %s missing period", corpID)
	}

	exists, err := s.FilingExists(ctx, corpID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("refusing to store financial results: filing %s not found", corpID)
	}

	selectSQL := "SELECT fin_id, sales_current, sales_previous_year, pat_current, pat_previous_year FROM financial_results WHERE isin = $isin AND period = $period LIMIT 1"
	results, err := surrealdb.Query[[]financialRow](ctx, s.db, selectSQL, map[string]any{
		"isin":   isin,
		"period": fin.Period,
	})
	if err != nil {
		return fmt.Errorf("failed to read financial results: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		createSQL := `CREATE financial_results SET
			fin_id = $fin_id, corp_id = $corp_id, isin = $isin, period = $period,
			sales_current = $sales_current, sales_previous_year = $sales_previous_year,
			pat_current = $pat_current, pat_previous_year = $pat_previous_year,
			created_at = $created_at`
		vars := map[string]any{
			"fin_id":              uuid.New().String(),
			"corp_id":             corpID,
			"isin":                isin,
			"period":              fin.Period,
			"sales_current":       fin.SalesCurrent,
			"sales_previous_year": fin.SalesPrevYear,
			"pat_current":         fin.PATCurrent,
			"pat_previous_year":   fin.PATPrevYear,
			"created_at":          time.Now(),
		}
		if _, err := surrealdb.Query[any](ctx, s.db, createSQL, vars); err != nil {
			return fmt.Errorf("failed to create financial results: %w", err)
		}
		return nil
	}

	existing := (*results)[0].Result[0]

	// Fill only fields the stored row left blank.
	sets := make([]string, 0, 4)
	vars := map[string]any{"fin_id": existing.ID}
	if existing.SalesCurrent == "" && fin.SalesCurrent != "" {
		sets = append(sets, "sales_current = $sales_current")
		vars["sales_current"] = fin.SalesCurrent
	}
	if existing.SalesPrevYear == "" && fin.SalesPrevYear != "" {
		sets = append(sets, "sales_previous_year = $sales_previous_year")
		vars["sales_previous_year"] = fin.SalesPrevYear
	}
	if existing.PATCurrent == "" && fin.PATCurrent != "" {
		sets = append(sets, "pat_current = $pat_current")
		vars["pat_current"] = fin.PATCurrent
	}
	if existing.PATPrevYear == "" && fin.PATPrevYear != "" {
		sets = append(sets, "pat_previous_year = $pat_previous_year")
		vars["pat_previous_year"] = fin.PATPrevYear
	}
	if len(sets) == 0 {
		return nil
	}

	updateSQL := "UPDATE financial_results SET " + strings.Join(sets, ", ") + " WHERE fin_id = $fin_id"
	if _, err := surrealdb.Query[any](ctx, s.db, updateSQL, vars); err != nil {
		return fmt.Errorf("failed to update financial results: %w", err)
	}
	return nil
}

type investorRow struct {
	InvestorID string `json:"investor_id"`
}

// LookupInvestor resolves a name against smart_investors, case-insensitive.
func (s *FilingStore) LookupInvestor(ctx context.Context, name string) (string, bool, error) {
	sql := "SELECT investor_id FROM smart_investors WHERE string::lowercase(name) = $name LIMIT 1"
	results, err := surrealdb.Query[[]investorRow](ctx, s.db, sql, map[string]any{
		"name": strings.ToLower(strings.TrimSpace(name)),
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to look up investor: %w", err)
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return (*results)[0].Result[0].InvestorID, true, nil
	}
	return "", false, nil
}

// LookupAlias resolves a name against investor_aliases, case-insensitive.
func (s *FilingStore) LookupAlias(ctx context.Context, name string) (string, bool, error) {
	sql := "SELECT investor_id FROM investor_aliases WHERE string::lowercase(alias) = $alias LIMIT 1"
	results, err := surrealdb.Query[[]investorRow](ctx, s.db, sql, map[string]any{
		"alias": strings.ToLower(strings.TrimSpace(name)),
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to look up investor alias: %w", err)
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return (*results)[0].Result[0].InvestorID, true, nil
	}
	return "", false, nil
}

// CreateUnverifiedInvestor records an unknown name in
// unverified_investors for later human review and returns its new id.
// The row stays out of smart_investors until a reviewer promotes it.
func (s *FilingStore) CreateUnverifiedInvestor(ctx context.Context, name string) (string, error) {
	id := uuid.New().String()
	sql := `CREATE $rid SET
		investor_id = $investor_id, name = $name, verified = false, created_at = $created_at`
	vars := map[string]any{
		"rid":         surrealmodels.NewRecordID("unverified_investors", id),
		"investor_id": id,
		"name":        strings.TrimSpace(name),
		"created_at":  time.Now(),
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return "", fmt.Errorf("failed to create unverified investor: %w", err)
	}
	s.logger.Debug().Str("investor_id", id).Str("name", name).Msg("Unverified investor created")
	return id, nil
}

// BulkInsertInvestorLinks writes investorCorp rows one by one, keyed on
// (corp_id, investor_id) so duplicate links collapse instead of erroring.
func (s *FilingStore) BulkInsertInvestorLinks(ctx context.Context, links []models.InvestorLink) error {
	for _, link := range links {
		sql := `UPSERT $rid SET
			corp_id = $corp_id, investor_id = $investor_id, name = $name,
			kind = $kind, verified = $verified, created_at = $created_at`
		vars := map[string]any{
			"rid":         surrealmodels.NewRecordID("investorCorp", link.CorpID+":"+link.InvestorID),
			"corp_id":     link.CorpID,
			"investor_id": link.InvestorID,
			"name":        link.Name,
			"kind":        link.Kind,
			"verified":    link.Verified,
			"created_at":  link.CreatedAt,
		}
		if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
			return fmt.Errorf("failed to insert investor link %s: %w", link.InvestorID, err)
		}
	}
	return nil
}

func (s *FilingStore) Close() error {
	return nil
}

// isDuplicateErr matches SurrealDB's duplicate-record error for CREATE on
// an existing record id.
func isDuplicateErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "already contains")
}
