package search

// Result is a single entry hit returned to the caller.
type Result struct {
	EntryID string `json:"entry_id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Query describes a search over one user's active entries.
type Query struct {
	UserID string
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over entries.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// EntryRecord is the data we index for a diary entry.
type EntryRecord struct {
	EntryID string `json:"entry_id"`
	UserID  string `json:"user_id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}
