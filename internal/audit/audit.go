// Package audit retrieves historical document status records for support
// investigations.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"approvals/api/internal/store"
)

// Store is the subset of storage the retriever needs.
type Store interface {
	GetTenant(ctx context.Context, tenantID int) (*store.TenantInfo, error)
	ListDocumentStatus(ctx context.Context, documentNumber, docTypeID string, from, to sql.NullTime) ([]store.AuditRecord, error)
}

// Retriever answers document status queries against the audit trail.
type Retriever struct {
	store Store
}

func NewRetriever(s Store) *Retriever {
	return &Retriever{store: s}
}

// Retrieve returns the raw audit records for one document within an optional
// time window. Zero time bounds are open-ended. An unknown tenant is an
// error; a document with no history returns an empty slice.
func (r *Retriever) Retrieve(ctx context.Context, documentNumber string, tenantID int, from, to time.Time) ([]store.AuditRecord, error) {
	if documentNumber == "" {
		return nil, fmt.Errorf("documentNumber is required")
	}

	tenant, err := r.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant %d: %w", tenantID, err)
	}
	if tenant == nil {
		return nil, fmt.Errorf("tenant %d: %w", tenantID, store.ErrTenantNotFound)
	}

	records, err := r.store.ListDocumentStatus(ctx, documentNumber, tenant.DocTypeID, nullTime(from), nullTime(to))
	if err != nil {
		return nil, fmt.Errorf("list document status: %w", err)
	}
	if records == nil {
		records = []store.AuditRecord{}
	}
	return records, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
