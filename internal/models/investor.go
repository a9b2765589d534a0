package models

import "time"

// InvestorLink ties a resolved (or unverified) investor to a filing.
// Duplicate (corp_id, investor_id) pairs are tolerated by the Store.
type InvestorLink struct {
	CorpID     string    `json:"corp_id"`
	InvestorID string    `json:"investor_id"`
	Name       string    `json:"name"`
	Kind       string    `json:"kind"` // "individual" or "company"
	Verified   bool      `json:"verified"`
	CreatedAt  time.Time `json:"created_at"`
}

// Investor kinds.
const (
	InvestorKindIndividual = "individual"
	InvestorKindCompany    = "company"
)
