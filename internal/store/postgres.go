package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── approval summary ──────────────────────────────────────────────────────────

func (s *PostgresStore) GetSummaryRow(ctx context.Context, approver, documentNumber string) (*SummaryRow, error) {
	var row SummaryRow
	err := s.db.QueryRowContext(ctx, `
		SELECT approver, row_key, application, document_number, summary_json,
		       is_out_of_sync_challenged, lob_pending, operation_at, request_version
		FROM approval_summary
		WHERE approver=$1 AND document_number=$2
	`, approver, documentNumber).Scan(
		&row.Approver,
		&row.RowKey,
		&row.Application,
		&row.DocumentNumber,
		&row.SummaryJSON,
		&row.IsOutOfSyncChallenged,
		&row.LobPending,
		&row.OperationAt,
		&row.RequestVersion,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get summary row: %w", err)
	}
	return &row, nil
}

func (s *PostgresStore) ListSummaryByDocument(ctx context.Context, documentNumber string) ([]SummaryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT approver, row_key, application, document_number, summary_json,
		       is_out_of_sync_challenged, lob_pending, operation_at, request_version
		FROM approval_summary
		WHERE document_number=$1
		ORDER BY approver ASC
	`, documentNumber)
	if err != nil {
		return nil, fmt.Errorf("list summary by document: %w", err)
	}
	defer rows.Close()
	return scanSummaryRows(rows)
}

func (s *PostgresStore) ListSummaryByApprover(ctx context.Context, approver string, tenantID int) ([]SummaryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sr.approver, sr.row_key, sr.application, sr.document_number, sr.summary_json,
		       sr.is_out_of_sync_challenged, sr.lob_pending, sr.operation_at, sr.request_version
		FROM approval_summary sr
		WHERE sr.approver=$1
		  AND ($2=0 OR split_part(sr.row_key, '|', 1) = (SELECT doc_type_id::text FROM tenant_info WHERE tenant_id=$2))
		ORDER BY sr.operation_at DESC
	`, approver, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list summary by approver: %w", err)
	}
	defer rows.Close()
	return scanSummaryRows(rows)
}

// SaveSummaryRow upserts on (approver, row_key). The operation timestamp is
// clamped to MinOperationDate before persisting.
func (s *PostgresStore) SaveSummaryRow(ctx context.Context, row SummaryRow) error {
	operationAt := row.OperationAt
	if operationAt.Before(MinOperationDate) {
		operationAt = MinOperationDate
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_summary
			(approver, row_key, application, document_number, summary_json,
			 is_out_of_sync_challenged, lob_pending, operation_at, request_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (approver, row_key) DO UPDATE SET
			application=EXCLUDED.application,
			summary_json=EXCLUDED.summary_json,
			is_out_of_sync_challenged=EXCLUDED.is_out_of_sync_challenged,
			lob_pending=EXCLUDED.lob_pending,
			operation_at=EXCLUDED.operation_at,
			request_version=EXCLUDED.request_version
	`, row.Approver, row.RowKey, row.Application, row.DocumentNumber, row.SummaryJSON,
		row.IsOutOfSyncChallenged, row.LobPending, operationAt, row.RequestVersion)
	if err != nil {
		return fmt.Errorf("save summary row: %w", err)
	}
	return nil
}

func scanSummaryRows(rows *sql.Rows) ([]SummaryRow, error) {
	items := make([]SummaryRow, 0)
	for rows.Next() {
		var row SummaryRow
		if err := rows.Scan(
			&row.Approver,
			&row.RowKey,
			&row.Application,
			&row.DocumentNumber,
			&row.SummaryJSON,
			&row.IsOutOfSyncChallenged,
			&row.LobPending,
			&row.OperationAt,
			&row.RequestVersion,
		); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary rows: %w", err)
	}
	return items, nil
}

// ── approval details (current approvers) ─────────────────────────────────────

func (s *PostgresStore) CurrentApprovers(ctx context.Context, docTypeID, documentNumber string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT approver
		FROM approval_details
		WHERE doc_type_id=$1 AND document_number=$2
		ORDER BY approver ASC
	`, docTypeID, documentNumber)
	if err != nil {
		return nil, fmt.Errorf("current approvers: %w", err)
	}
	defer rows.Close()

	approvers := make([]string, 0)
	for rows.Next() {
		var approver string
		if err := rows.Scan(&approver); err != nil {
			return nil, fmt.Errorf("scan approver: %w", err)
		}
		approvers = append(approvers, approver)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvers: %w", err)
	}
	return approvers, nil
}

// ── document audit records ───────────────────────────────────────────────────

func (s *PostgresStore) ListAuditRecords(ctx context.Context, documentNumber, docTypeID, collection string) ([]AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_number, doc_type_id, collection, payload, COALESCE(properties::text, '{}'), created_at
		FROM document_audit
		WHERE document_number=$1 AND doc_type_id=$2 AND ($3='' OR collection=$3)
		ORDER BY created_at ASC
	`, documentNumber, docTypeID, collection)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()
	return scanAuditRecords(rows)
}

func (s *PostgresStore) ListDocumentStatus(ctx context.Context, documentNumber, docTypeID string, from, to sql.NullTime) ([]AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_number, doc_type_id, collection, payload, COALESCE(properties::text, '{}'), created_at
		FROM document_audit
		WHERE document_number=$1 AND doc_type_id=$2
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		  AND ($4::timestamptz IS NULL OR created_at <= $4)
		ORDER BY created_at DESC
	`, documentNumber, docTypeID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list document status: %w", err)
	}
	defer rows.Close()
	return scanAuditRecords(rows)
}

func (s *PostgresStore) InsertAuditRecord(ctx context.Context, record AuditRecord) error {
	properties := record.Properties
	if properties == nil {
		properties = map[string]string{}
	}
	encoded, err := json.Marshal(properties)
	if err != nil {
		return fmt.Errorf("marshal audit properties: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO document_audit (document_number, doc_type_id, collection, payload, properties)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, record.DocumentNumber, record.DocTypeID, record.Collection, record.Payload, string(encoded))
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func scanAuditRecords(rows *sql.Rows) ([]AuditRecord, error) {
	items := make([]AuditRecord, 0)
	for rows.Next() {
		var record AuditRecord
		var propertiesRaw string
		if err := rows.Scan(
			&record.ID,
			&record.DocumentNumber,
			&record.DocTypeID,
			&record.Collection,
			&record.Payload,
			&propertiesRaw,
			&record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		_ = json.Unmarshal([]byte(propertiesRaw), &record.Properties)
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return items, nil
}
