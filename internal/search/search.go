package search

import (
	"crypto/sha256"
	"encoding/hex"
)

// Result is a single summary search hit returned to the caller.
type Result struct {
	DocumentNumber string `json:"documentNumber"`
	Approver       string `json:"approver"`
	Application    string `json:"application"`
	Title          string `json:"title"`
	Snippet        string `json:"snippet"`
	DocTypeID      string `json:"docTypeId"`
}

// Query describes a summary search request.
type Query struct {
	Text            string
	FilterDocTypeID string // empty = all tenants
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over summary rows.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// SummaryRecord is the data we index for one approval summary row.
type SummaryRecord struct {
	ID             string `json:"id"` // recordID(approver, row key)
	DocumentNumber string `json:"documentNumber"`
	Approver       string `json:"approver"`
	Application    string `json:"application"`
	Title          string `json:"title"`
	DocTypeID      string `json:"docTypeId"`
}

// recordID derives the index document id for one (approver, row key) pair.
// Meilisearch only accepts alphanumerics, '-' and '_' in document ids, and
// the raw fields carry '@' and '|', so the pair is hashed instead of
// concatenated.
func recordID(approver, rowKey string) string {
	sum := sha256.Sum256([]byte(approver + "|" + rowKey))
	return hex.EncodeToString(sum[:16])
}
