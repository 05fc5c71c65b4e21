package search

import (
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over the entry FTS column, owner-scoped and
// excluding tombstoned rows, with ts_headline snippets.
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

	const query = `
		SELECT e.entry_id, e.title,
			ts_headline('english', e.content, plainto_tsquery('english', $2), 'MaxFragments=1,MaxWords=30') AS snippet,
			COUNT(*) OVER () AS total
		FROM entries e
		WHERE e.user_id = $1
			AND e.deleted_at IS NULL
			AND e.fts @@ plainto_tsquery('english', $2)
		ORDER BY ts_rank(e.fts, plainto_tsquery('english', $2)) DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := p.db.Query(query, q.UserID, q.Text, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	total := 0
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.EntryID, &r.Title, &r.Snippet, &total); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pgfts rows: %w", err)
	}
	return results, total, nil
}
