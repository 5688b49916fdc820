// Package search provides Meilisearch indexing and querying for sections.
// Indexing is best-effort: the editing flow never fails because the search
// backend is down.
package search

// SectionRecord is the indexed shape of a section. Content payloads are
// opaque to the platform and are not indexed.
type SectionRecord struct {
	ID       string `json:"id"`
	IssueID  string `json:"issueId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	Subtitle string `json:"subtitle"`
}

// Query is a section search request.
type Query struct {
	Text    string
	IssueID string
	Limit   int
	Offset  int
}

// Result is one search hit.
type Result struct {
	ID      string `json:"id"`
	IssueID string `json:"issueId"`
	Type    string `json:"type"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}
