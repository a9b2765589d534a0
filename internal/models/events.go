package models

import "strings"

// RoomAll is the only joinable broadcast room.
const RoomAll = "all"

// BroadcastPayload is the filing notification accepted by the frontend's
// intake endpoint and pushed to room subscribers.
type BroadcastPayload struct {
	CorpID      string `json:"corp_id"`
	Category    string `json:"category"`
	Summary     string `json:"summary"`
	AISummary   string `json:"ai_summary"`
	ISIN        string `json:"isin"`
	Symbol      string `json:"symbol"`
	CompanyName string `json:"company_name"`
	Date        string `json:"date"`
	FileURL     string `json:"file_url"`
	Headline    string `json:"headline"`
	Sentiment   string `json:"sentiment,omitempty"`
}

// ShouldBroadcast applies the intake filter: procedural and error filings,
// and filings with no usable summary, are persisted but never pushed.
func (p *BroadcastPayload) ShouldBroadcast() bool {
	if p.CorpID == "" {
		return false
	}
	if p.Category == CategoryProcedural || p.Category == CategoryError {
		return false
	}
	if strings.TrimSpace(p.Summary) == "" && strings.TrimSpace(p.AISummary) == "" {
		return false
	}
	return true
}

// RoomEvent is the frame pushed to WebSocket subscribers of a room.
type RoomEvent struct {
	Type    string           `json:"type"` // "new_announcement", "new_task"
	Room    string           `json:"room"`
	Payload BroadcastPayload `json:"payload,omitempty"`
	Message string           `json:"message,omitempty"`
}
