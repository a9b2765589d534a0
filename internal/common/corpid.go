package common

import (
	"github.com/google/uuid"
)

// Exchange source identifiers used in corp_id derivation and job payloads.
const (
	ExchangeBSE = "bse"
	ExchangeNSE = "nse"
)

// CorpID derives the pipeline-wide identity of an announcement from its
// exchange-native news id. It is a UUIDv5 over the URL namespace with the
// name "bse:<newsID>" or "nse:<newsID>". Every stage that needs the id
// recomputes it; the result is always identical for the same input.
func CorpID(exchange, newsID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(exchange+":"+newsID)).String()
}
