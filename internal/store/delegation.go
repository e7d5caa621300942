package store

import (
	"context"
	"fmt"
	"time"
)

func (s *PostgresStore) ListDelegationsByManager(ctx context.Context, manager string) ([]Delegation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, manager, delegate, tenant_id, access_type, date_from, date_to
		FROM user_delegation
		WHERE manager=$1
		ORDER BY date_from ASC
	`, manager)
	if err != nil {
		return nil, fmt.Errorf("list delegations: %w", err)
	}
	defer rows.Close()

	items := make([]Delegation, 0)
	for rows.Next() {
		var item Delegation
		if err := rows.Scan(&item.ID, &item.Manager, &item.Delegate, &item.TenantID, &item.AccessType, &item.DateFrom, &item.DateTo); err != nil {
			return nil, fmt.Errorf("scan delegation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delegations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListExpiredDelegations(ctx context.Context, now time.Time) ([]Delegation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, manager, delegate, tenant_id, access_type, date_from, date_to
		FROM user_delegation
		WHERE date_to < $1
		ORDER BY date_to ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired delegations: %w", err)
	}
	defer rows.Close()

	items := make([]Delegation, 0)
	for rows.Next() {
		var item Delegation
		if err := rows.Scan(&item.ID, &item.Manager, &item.Delegate, &item.TenantID, &item.AccessType, &item.DateFrom, &item.DateTo); err != nil {
			return nil, fmt.Errorf("scan expired delegation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired delegations: %w", err)
	}
	return items, nil
}

// RetireDelegation deletes the active row and appends the immutable history
// row in one transaction, so the trail never diverges from the active table.
func (s *PostgresStore) RetireDelegation(ctx context.Context, delegation Delegation, action string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin retire delegation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM user_delegation WHERE id=$1`, delegation.ID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete delegation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_delegation_history
			(action, manager, delegate, tenant_id, access_type, date_from, date_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, action, delegation.Manager, delegation.Delegate, delegation.TenantID,
		delegation.AccessType, delegation.DateFrom, delegation.DateTo); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert delegation history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit retire delegation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDelegationHistory(ctx context.Context, manager string) ([]DelegationHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, manager, delegate, tenant_id, access_type, date_from, date_to, recorded_at
		FROM user_delegation_history
		WHERE manager=$1
		ORDER BY recorded_at DESC
	`, manager)
	if err != nil {
		return nil, fmt.Errorf("list delegation history: %w", err)
	}
	defer rows.Close()

	items := make([]DelegationHistory, 0)
	for rows.Next() {
		var item DelegationHistory
		if err := rows.Scan(&item.ID, &item.Action, &item.Manager, &item.Delegate, &item.TenantID, &item.AccessType, &item.DateFrom, &item.DateTo, &item.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan delegation history: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delegation history: %w", err)
	}
	return items, nil
}
