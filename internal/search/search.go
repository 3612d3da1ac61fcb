package search

// Result is a single transcript search hit.
type Result struct {
	ID          string `json:"id"`
	SessionID   string `json:"sessionId"`
	UserID      int64  `json:"userId"`
	DisplayName string `json:"displayName"`
	Snippet     string `json:"snippet"`
	SentAt      int64  `json:"sentAt"`
}

// Query describes a transcript search request.
type Query struct {
	Text            string
	FilterSessionID string // empty = all sessions
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over chat transcripts.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// MessageRecord is the data we index per chat message.
type MessageRecord struct {
	ID          string `json:"id"`
	SessionID   string `json:"sessionId"`
	UserID      int64  `json:"userId"`
	DisplayName string `json:"displayName"`
	Body        string `json:"body"`
	SentAt      int64  `json:"sentAt"`
}
