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

// Search queries the documents table using plainto_tsquery and ts_rank,
// with ts_headline for snippets.
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

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	where := "d.fts @@ " + tsQuery
	if q.FilterType != "" {
		where += fmt.Sprintf(" AND d.doc_type = $%d", argN)
		args = append(args, q.FilterType)
		argN++
	}
	if q.Category != "" {
		where += fmt.Sprintf(" AND d.category = $%d", argN)
		args = append(args, q.Category)
		argN++
	}
	// Tags live in a comma-separated TEXT column; wrap both sides in commas
	// so a filter on "go" does not match "golang".
	for _, tag := range q.Tags {
		where += fmt.Sprintf(" AND (','||d.tags||',') LIKE $%d", argN)
		args = append(args, "%,"+tag+",%")
		argN++
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM documents d WHERE %s", where)

	dataSQL := fmt.Sprintf(`
		SELECT d.id, d.name, d.doc_type, d.category, d.tags,
			ts_headline('english', coalesce(d.search_text, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet
		FROM documents d
		WHERE %s
		ORDER BY ts_rank(d.fts, %s) DESC
		LIMIT %d OFFSET %d`,
		tsQuery, where, tsQuery, limit, offset)

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
		var tags string
		if err := rows.Scan(&r.ID, &r.Name, &r.Type, &r.Category, &tags, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		if tags != "" {
			r.Tags = strings.Split(tags, ",")
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable documents for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, doc_type, category, tags, coalesce(search_text, '')
		FROM documents
	`)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()

	documents := make([]DocumentRecord, 0)
	for rows.Next() {
		var d DocumentRecord
		var tags string
		if err := rows.Scan(&d.ID, &d.Name, &d.Type, &d.Category, &tags, &d.Text); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if tags != "" {
			d.Tags = strings.Split(tags, ",")
		}
		documents = append(documents, d)
	}
	return documents, rows.Err()
}
