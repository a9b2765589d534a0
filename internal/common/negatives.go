package common

import "strings"

// negativeKeywords are headline substrings for routine filings that never
// need classification. Matching announcements are persisted with category
// "Procedural/Administrative" and a placeholder summary, and are not
// broadcast.
var negativeKeywords = []string{
	"trading window",
	"xbrl",
	"record date",
	"code of conduct",
	"newspaper publication",
	"book closure",
	"loss of share certificate",
	"duplicate share certificate",
	"investor grievance",
	"share transfer agent",
	"registrar and share transfer",
	"certificate under regulation 74",
	"compliance certificate",
	"reconciliation of share capital",
	"change in company secretary",
	"esop allotment",
	"postal ballot",
	"disclosure under regulation 30",
	"sub-division of equity",
	"scrutinizer report",
}

// PlaceholderSummary is the summary recorded for negative-keyword filings.
const PlaceholderSummary = "Please refer to the original document provided."

// MatchNegativeKeyword returns the matched keyword and true when the
// headline contains any block-listed substring, case-insensitively.
func MatchNegativeKeyword(headline string) (string, bool) {
	h := strings.ToLower(headline)
	for _, kw := range negativeKeywords {
		if strings.Contains(h, kw) {
			return kw, true
		}
	}
	return "", false
}
