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

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries chat_messages using plainto_tsquery and ts_rank, with
// ts_headline for snippets.
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

	where := "m.search_vector @@ plainto_tsquery('simple', $1)"
	args := []any{q.Text}
	if q.FilterSessionID != "" {
		where += " AND m.session_id = $2"
		args = append(args, q.FilterSessionID)
	}

	countSQL := "SELECT count(*) FROM chat_messages m WHERE " + where

	dataSQL := fmt.Sprintf(`
		SELECT m.id, m.session_id, m.user_id, m.display_name,
			ts_headline('simple', m.body, plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			extract(epoch FROM m.sent_at)::bigint AS sent_at
		FROM chat_messages m
		WHERE %s
		ORDER BY ts_rank(m.search_vector, plainto_tsquery('simple', $1)) DESC, m.id DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.SessionID, &r.UserID, &r.DisplayName, &r.Snippet, &r.SentAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every chat message for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, display_name, body, extract(epoch FROM sent_at)::bigint
		FROM chat_messages
	`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		var record MessageRecord
		if err := rows.Scan(&record.ID, &record.SessionID, &record.UserID,
			&record.DisplayName, &record.Body, &record.SentAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}
