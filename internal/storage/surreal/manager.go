// Package surreal provides the SurrealDB cloud store adapters
package surreal

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealdb.go"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/interfaces"
)

// Manager owns the SurrealDB connection and hands out the typed stores.
type Manager struct {
	db     *surrealdb.DB
	logger *common.Logger

	filingStore       *FilingStore
	verificationStore *VerificationStore
}

// NewManager connects to SurrealDB, signs in, and ensures the tables exist.
func NewManager(ctx context.Context, logger *common.Logger, config *common.SurrealConfig) (*Manager, error) {
	db, err := surrealdb.New(config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if _, err := db.SignIn(ctx, map[string]interface{}{
		"user": config.Username,
		"pass": config.Password,
	}); err != nil {
		return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
	}

	if err := db.Use(ctx, config.Namespace, config.Database); err != nil {
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}

	// SurrealDB v3 errors on querying non-existent tables.
	tables := []string{
		"corporatefilings",
		"corporatefilings_categories",
		"financial_results",
		"smart_investors",
		"investor_aliases",
		"unverified_investors",
		"investorCorp",
		"verification_tasks",
		"admin_sessions",
		"verifiers",
	}
	for _, table := range tables {
		sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", table)
		if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
			return nil, fmt.Errorf("failed to define table %s: %w", table, err)
		}
	}

	m := &Manager{
		db:     db,
		logger: logger,
	}
	m.filingStore = NewFilingStore(db, logger)
	m.verificationStore = NewVerificationStore(db, logger)

	logger.Info().
		Str("address", config.Address).
		Str("namespace", config.Namespace).
		Str("database", config.Database).
		Msg("SurrealDB store initialized")

	return m, nil
}

func (m *Manager) FilingStore() interfaces.FilingStore {
	return m.filingStore
}

func (m *Manager) VerificationStore() interfaces.VerificationStore {
	return m.verificationStore
}

func (m *Manager) Close() error {
	m.db.Close(context.Background())
	return nil
}
