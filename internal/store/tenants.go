package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

func (s *PostgresStore) GetTenant(ctx context.Context, tenantID int) (*TenantInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, name, doc_type_id, app_id, action_submission_type, is_test,
		       COALESCE(tenant_operation_details::text, '[]'),
		       COALESCE(service_parameters::text, '{}'),
		       icon_name, is_pending_approval, created_at, updated_at
		FROM tenant_info
		WHERE tenant_id=$1
	`, tenantID)
	return scanTenant(row)
}

func (s *PostgresStore) GetTenantByName(ctx context.Context, name string) (*TenantInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, name, doc_type_id, app_id, action_submission_type, is_test,
		       COALESCE(tenant_operation_details::text, '[]'),
		       COALESCE(service_parameters::text, '{}'),
		       icon_name, is_pending_approval, created_at, updated_at
		FROM tenant_info
		WHERE LOWER(name)=LOWER($1)
	`, name)
	return scanTenant(row)
}

func (s *PostgresStore) ListTenants(ctx context.Context) ([]TenantInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, name, doc_type_id, app_id, action_submission_type, is_test,
		       COALESCE(tenant_operation_details::text, '[]'),
		       COALESCE(service_parameters::text, '{}'),
		       icon_name, is_pending_approval, created_at, updated_at
		FROM tenant_info
		ORDER BY tenant_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	items := make([]TenantInfo, 0)
	for rows.Next() {
		tenant, err := scanTenantFromRows(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, tenant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenants: %w", err)
	}
	return items, nil
}

// IdentifierInUse reports whether a doc-type or app id is already assigned.
func (s *PostgresStore) IdentifierInUse(ctx context.Context, id string) (bool, error) {
	var inUse bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM tenant_info WHERE doc_type_id=$1 OR app_id=$1)
	`, id).Scan(&inUse)
	if err != nil {
		return false, fmt.Errorf("check identifier: %w", err)
	}
	return inUse, nil
}

// uniqueViolation is the Postgres SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

const insertTenantAttempts = 3

// InsertTenant stores the tenant under the next sequential id and returns it.
// The id is computed inside the INSERT itself; when a concurrent insert wins
// the same id the primary key trips and the statement is retried.
func (s *PostgresStore) InsertTenant(ctx context.Context, tenant TenantInfo) (int, error) {
	for attempt := 0; attempt < insertTenantAttempts; attempt++ {
		var id int
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO tenant_info
				(tenant_id, name, doc_type_id, app_id, action_submission_type, is_test,
				 tenant_operation_details, service_parameters, icon_name, is_pending_approval)
			VALUES ((SELECT COALESCE(MAX(tenant_id), 0) + 1 FROM tenant_info),
				$1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, $9)
			RETURNING tenant_id
		`, tenant.Name, tenant.DocTypeID, tenant.AppID,
			tenant.ActionSubmissionType, tenant.IsTest,
			tenant.TenantOperationDetails, tenant.ServiceParameters,
			tenant.IconName, tenant.IsPendingApproval).Scan(&id)
		if err == nil {
			return id, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			continue
		}
		return 0, fmt.Errorf("insert tenant: %w", err)
	}
	return 0, fmt.Errorf("insert tenant: id contention after %d attempts", insertTenantAttempts)
}

func (s *PostgresStore) UpdateTenant(ctx context.Context, tenant TenantInfo) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tenant_info
		SET name=$2, action_submission_type=$3,
		    tenant_operation_details=$4::jsonb, service_parameters=$5::jsonb,
		    icon_name=$6, is_pending_approval=$7, updated_at=NOW()
		WHERE tenant_id=$1
	`, tenant.TenantID, tenant.Name, tenant.ActionSubmissionType,
		tenant.TenantOperationDetails, tenant.ServiceParameters,
		tenant.IconName, tenant.IsPendingApproval)
	if err != nil {
		return fmt.Errorf("update tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteTenant(ctx context.Context, tenantID int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tenant_info WHERE tenant_id=$1`, tenantID)
	if err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}
	return nil
}

// ── email templates ──────────────────────────────────────────────────────────

func (s *PostgresStore) InsertPendingEmailTemplate(ctx context.Context, template EmailTemplate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_email_templates (tenant_id, template_name, subject, body)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, template_name) DO UPDATE SET
			subject=EXCLUDED.subject, body=EXCLUDED.body
	`, template.TenantID, template.TemplateName, template.Subject, template.Body)
	if err != nil {
		return fmt.Errorf("insert pending email template: %w", err)
	}
	return nil
}

// PromotePendingEmailTemplates moves a pending tenant's staged templates into
// the permanent table under the approved tenant id and deletes the pending
// rows, in one transaction.
func (s *PostgresStore) PromotePendingEmailTemplates(ctx context.Context, pendingTenantID, approvedTenantID int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin promote templates: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO email_templates (tenant_id, template_name, subject, body)
		SELECT $2, template_name, subject, body
		FROM pending_email_templates
		WHERE tenant_id=$1
		ON CONFLICT (tenant_id, template_name) DO UPDATE SET
			subject=EXCLUDED.subject, body=EXCLUDED.body
	`, pendingTenantID, approvedTenantID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("promote templates: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_email_templates WHERE tenant_id=$1`, pendingTenantID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete pending templates: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit promote templates: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEmailTemplate(ctx context.Context, tenantID int, templateName string) (*EmailTemplate, error) {
	var template EmailTemplate
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, template_name, subject, body
		FROM email_templates
		WHERE tenant_id=$1 AND template_name=$2
	`, tenantID, templateName).Scan(&template.TenantID, &template.TemplateName, &template.Subject, &template.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get email template: %w", err)
	}
	return &template, nil
}

func scanTenant(row *sql.Row) (*TenantInfo, error) {
	var tenant TenantInfo
	err := row.Scan(
		&tenant.TenantID,
		&tenant.Name,
		&tenant.DocTypeID,
		&tenant.AppID,
		&tenant.ActionSubmissionType,
		&tenant.IsTest,
		&tenant.TenantOperationDetails,
		&tenant.ServiceParameters,
		&tenant.IconName,
		&tenant.IsPendingApproval,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	return &tenant, nil
}

func scanTenantFromRows(rows *sql.Rows) (TenantInfo, error) {
	var tenant TenantInfo
	err := rows.Scan(
		&tenant.TenantID,
		&tenant.Name,
		&tenant.DocTypeID,
		&tenant.AppID,
		&tenant.ActionSubmissionType,
		&tenant.IsTest,
		&tenant.TenantOperationDetails,
		&tenant.ServiceParameters,
		&tenant.IconName,
		&tenant.IsPendingApproval,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	)
	if err != nil {
		return TenantInfo{}, fmt.Errorf("scan tenant: %w", err)
	}
	return tenant, nil
}
