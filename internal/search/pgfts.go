package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const summaryVector = `to_tsvector('english',
	s.document_number || ' ' || s.approver || ' ' || s.application || ' ' ||
	coalesce(s.summary_json::jsonb->>'title', ''))`

// Search runs plainto_tsquery over the summary rows, ranked with ts_rank and
// snippeted with ts_headline.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := summaryVector + " @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	if q.FilterDocTypeID != "" {
		where += " AND split_part(s.row_key, '|', 1) = $2"
		args = append(args, q.FilterDocTypeID)
	}

	countSQL := fmt.Sprintf(`SELECT count(*) FROM approval_summary s WHERE %s`, where)
	var total int
	if err := p.db.QueryRowContext(context.Background(), countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT s.document_number, s.approver, s.application,
			coalesce(s.summary_json::jsonb->>'title', '') AS title,
			ts_headline('english', coalesce(s.summary_json::jsonb->>'title', s.document_number),
				plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			split_part(s.row_key, '|', 1) AS doc_type_id
		FROM approval_summary s
		WHERE %s
		ORDER BY ts_rank(%s, plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, where, summaryVector, limit, offset)

	rows, err := p.db.QueryContext(context.Background(), dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.DocumentNumber, &r.Approver, &r.Application, &r.Title, &r.Snippet, &r.DocTypeID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pgfts iterate: %w", err)
	}
	return results, total, nil
}

// LoadAllRecords reads every summary row for reindexing into Meilisearch.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]SummaryRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT s.approver, s.row_key,
			s.document_number, s.application,
			coalesce(s.summary_json::jsonb->>'title', ''),
			split_part(s.row_key, '|', 1)
		FROM approval_summary s
	`)
	if err != nil {
		return nil, fmt.Errorf("load summary records: %w", err)
	}
	defer rows.Close()

	var records []SummaryRecord
	for rows.Next() {
		var r SummaryRecord
		var rowKey string
		if err := rows.Scan(&r.Approver, &rowKey, &r.DocumentNumber, &r.Application, &r.Title, &r.DocTypeID); err != nil {
			return nil, fmt.Errorf("scan summary record: %w", err)
		}
		r.ID = recordID(r.Approver, rowKey)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary records: %w", err)
	}
	return records, nil
}
