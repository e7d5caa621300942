package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (s *PostgresStore) GetFlightingFeature(ctx context.Context, featureID int) (*FlightingFeature, error) {
	var feature FlightingFeature
	err := s.db.QueryRowContext(ctx, `
		SELECT feature_id, name, status
		FROM flighting_features
		WHERE feature_id=$1
	`, featureID).Scan(&feature.FeatureID, &feature.Name, &feature.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get flighting feature: %w", err)
	}
	return &feature, nil
}

func (s *PostgresStore) GetFlightingRow(ctx context.Context, alias string, featureID int) (*FlightingRow, error) {
	var row FlightingRow
	err := s.db.QueryRowContext(ctx, `
		SELECT alias, feature_id, start_at
		FROM flighting
		WHERE alias=$1 AND feature_id=$2
	`, alias, featureID).Scan(&row.Alias, &row.FeatureID, &row.StartAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get flighting row: %w", err)
	}
	return &row, nil
}

func (s *PostgresStore) InsertFlightingRow(ctx context.Context, row FlightingRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flighting (alias, feature_id, start_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (alias, feature_id) DO NOTHING
	`, row.Alias, row.FeatureID, row.StartAt)
	if err != nil {
		return fmt.Errorf("insert flighting row: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteFlightingRow(ctx context.Context, alias string, featureID int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM flighting WHERE alias=$1 AND feature_id=$2
	`, alias, featureID)
	if err != nil {
		return fmt.Errorf("delete flighting row: %w", err)
	}
	return nil
}
