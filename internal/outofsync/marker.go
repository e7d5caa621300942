// Package outofsync flags approval summary rows whose state no longer
// matches the tenant's line-of-business system.
package outofsync

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"approvals/api/internal/store"

	"github.com/rs/zerolog"
)

// Reason classifies the outcome for one document in a marking run.
type Reason string

const (
	ReasonInvalidTenantSelection Reason = "invalidTenantSelection"
	ReasonFailedToMark           Reason = "failedToMarkOutOfSync"
	ReasonApproverMissing        Reason = "currentApproverMissingForDocument"
	ReasonSummaryNotFound        Reason = "summaryNotFoundForDocument"
	ReasonMarked                 Reason = "markedOutOfSync"
)

const maxBatchSize = 10

// Store is the subset of storage the marker needs.
type Store interface {
	GetTenant(ctx context.Context, tenantID int) (*store.TenantInfo, error)
	GetSummaryRow(ctx context.Context, approver, documentNumber string) (*store.SummaryRow, error)
	ListSummaryByDocument(ctx context.Context, documentNumber string) ([]store.SummaryRow, error)
	CurrentApprovers(ctx context.Context, docTypeID, documentNumber string) ([]string, error)
	SaveSummaryRow(ctx context.Context, row store.SummaryRow) error
}

// Result collects per-reason document buckets for one run.
type Result struct {
	mu      sync.Mutex
	buckets map[Reason][]string
}

func newResult() *Result {
	return &Result{buckets: map[Reason][]string{}}
}

// ResultFromBuckets wraps pre-built buckets, mainly for callers that fake a
// marking run.
func ResultFromBuckets(buckets map[Reason][]string) *Result {
	return &Result{buckets: buckets}
}

func (r *Result) add(reason Reason, doc string) {
	r.mu.Lock()
	r.buckets[reason] = append(r.buckets[reason], doc)
	r.mu.Unlock()
}

// Buckets returns the raw per-reason document lists.
func (r *Result) Buckets() map[Reason][]string {
	return r.buckets
}

// Joined renders each bucket as a comma-joined string for the HTTP body.
func (r *Result) Joined() map[string]string {
	out := make(map[string]string, len(r.buckets))
	for reason, docs := range r.buckets {
		out[string(reason)] = strings.Join(docs, ",")
	}
	return out
}

// Marker marks documents out of sync in fixed-size concurrent batches.
type Marker struct {
	store Store
	log   zerolog.Logger
}

func NewMarker(s Store, log zerolog.Logger) *Marker {
	return &Marker{store: s, log: log}
}

// Mark processes the documents in batches of at most ten. Within a batch
// every document is handled on its own goroutine; the next batch starts only
// after the whole batch has finished. Every input document lands in exactly
// one reason bucket.
func (m *Marker) Mark(ctx context.Context, docs []string, approver string, tenantID int) (*Result, error) {
	tenant, err := m.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant %d: %w", tenantID, err)
	}
	if tenant == nil {
		return nil, fmt.Errorf("tenant %d: %w", tenantID, store.ErrTenantNotFound)
	}

	result := newResult()

	batchSize := maxBatchSize
	if len(docs) < batchSize {
		batchSize = len(docs)
	}

	for start := 0; start < len(docs); start += batchSize {
		end := start + batchSize
		if end > len(docs) {
			end = len(docs)
		}

		var wg sync.WaitGroup
		for _, doc := range docs[start:end] {
			wg.Add(1)
			go func(doc string) {
				defer wg.Done()
				m.markOne(ctx, doc, approver, tenant, result)
			}(doc)
		}
		wg.Wait()
	}

	m.log.Info().
		Int("tenant_id", tenantID).
		Int("documents", len(docs)).
		Int("marked", len(result.buckets[ReasonMarked])).
		Msg("outofsync: marking run complete")
	return result, nil
}

func (m *Marker) markOne(ctx context.Context, doc, approver string, tenant *store.TenantInfo, result *Result) {
	rows, reason := m.resolveRows(ctx, doc, approver, tenant.DocTypeID)
	if reason != "" {
		result.add(reason, doc)
		return
	}

	for _, row := range rows {
		if tenantPrefix(row.RowKey) != tenant.DocTypeID {
			result.add(ReasonInvalidTenantSelection, doc)
			return
		}
	}

	for _, row := range rows {
		row.IsOutOfSyncChallenged = true
		if err := m.store.SaveSummaryRow(ctx, row); err != nil {
			m.log.Warn().Err(err).
				Str("document", doc).
				Str("approver", row.Approver).
				Msg("outofsync: failed to persist challenge flag")
			result.add(ReasonFailedToMark, doc)
			return
		}
	}
	result.add(ReasonMarked, doc)
}

// resolveRows finds the summary rows to flag for one document. A non-empty
// reason means resolution failed and the document goes straight to that
// bucket.
func (m *Marker) resolveRows(ctx context.Context, doc, approver, docTypeID string) ([]store.SummaryRow, Reason) {
	if approver != "" {
		row, err := m.store.GetSummaryRow(ctx, approver, doc)
		if err != nil || row == nil {
			return nil, ReasonSummaryNotFound
		}
		return []store.SummaryRow{*row}, ""
	}

	approvers, err := m.store.CurrentApprovers(ctx, docTypeID, doc)
	if err == nil && len(approvers) > 0 {
		rows := make([]store.SummaryRow, 0, len(approvers))
		for _, alias := range approvers {
			row, err := m.store.GetSummaryRow(ctx, alias, doc)
			if err != nil || row == nil {
				continue
			}
			rows = append(rows, *row)
		}
		if len(rows) == 0 {
			return nil, ReasonSummaryNotFound
		}
		return rows, ""
	}

	rows, err := m.store.ListSummaryByDocument(ctx, doc)
	if err != nil {
		return nil, ReasonSummaryNotFound
	}
	if len(rows) == 0 {
		return nil, ReasonApproverMissing
	}
	return rows, ""
}

// tenantPrefix is the first segment of the composite row key,
// "docTypeId|documentNumber".
func tenantPrefix(rowKey string) string {
	if i := strings.Index(rowKey, "|"); i >= 0 {
		return rowKey[:i]
	}
	return rowKey
}
