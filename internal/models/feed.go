package models

// FeedResult is one exchange feed fetch: parsed announcements newest
// first, plus the raw response for the checkpoint log.
type FeedResult struct {
	Announcements []Announcement
	RawJSON       string
	URL           string
	Params        string
}
