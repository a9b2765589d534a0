package models

// Sentiment values the classifier may return.
const (
	SentimentPositive = "Positive"
	SentimentNegative = "Negative"
	SentimentNeutral  = "Neutral"
)

// Special categories.
const (
	CategoryProcedural = "Procedural/Administrative"
	CategoryError      = "Error"
)

// Categories is the closed 48-value enum. A classification whose category
// is outside this list, or is the literal "Error", never reaches the Store.
var Categories = []string{
	"Financial Results",
	"Dividend",
	"Board Meeting",
	"AGM/EGM",
	"Bonus Issue",
	"Stock Split",
	"Buyback",
	"Rights Issue",
	"Preferential Issue",
	"QIP",
	"IPO/FPO",
	"Delisting",
	"Mergers & Acquisitions",
	"Demerger",
	"Amalgamation",
	"Joint Venture",
	"Strategic Partnership",
	"Stake Acquisition",
	"Divestment/Asset Sale",
	"New Order/Contract Win",
	"Capacity Expansion",
	"Capex Announcement",
	"New Product Launch",
	"Business Update",
	"Credit Rating Update",
	"Debt Restructuring",
	"Fund Raising",
	"Debenture Issue",
	"Open Offer",
	"Promoter Pledge",
	"Insider Trading Disclosure",
	"Shareholding Pattern",
	"Management Change",
	"Director Appointment",
	"Director Resignation",
	"Auditor Change",
	"Regulatory Approval",
	"Regulatory Action/Penalty",
	"Litigation Update",
	"Clarification on News",
	"Price Movement Clarification",
	"Investor Presentation",
	"Earnings Call Transcript",
	"Corporate Insolvency",
	"One Time Settlement",
	"Name Change",
	CategoryProcedural,
	CategoryError,
}

var categorySet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(Categories))
	for _, c := range Categories {
		m[c] = struct{}{}
	}
	return m
}()

// IsKnownCategory reports enum membership (including "Error").
func IsKnownCategory(category string) bool {
	_, ok := categorySet[category]
	return ok
}

// IsStorableCategory reports whether a category may be written to the
// Store: in the enum and not the literal "Error".
func IsStorableCategory(category string) bool {
	return category != CategoryError && IsKnownCategory(category)
}

// FinData is the per-period financial summary the classifier extracts
// from results filings. Values are strings as published; blank means the
// filing did not state them.
type FinData struct {
	Period        string `json:"period,omitempty"`
	SalesCurrent  string `json:"sales_current,omitempty"`
	SalesPrevYear string `json:"sales_previous_year,omitempty"`
	PATCurrent    string `json:"pat_current,omitempty"`
	PATPrevYear   string `json:"pat_previous_year,omitempty"`
}

// Classification is the structured classifier output.
type Classification struct {
	Category               string   `json:"category"`
	Headline               string   `json:"headline"`
	Summary                string   `json:"summary"` // markdown
	FinData                string   `json:"findata,omitempty"` // JSON-encoded FinData
	IndividualInvestorList []string `json:"individual_investor_list,omitempty"`
	CompanyInvestorList    []string `json:"company_investor_list,omitempty"`
	Sentiment              string   `json:"sentiment"`
}

// Valid reports whether the classification may proceed to the Store.
func (c *Classification) Valid() bool {
	return IsStorableCategory(c.Category)
}
