package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const documentColumns = `id, name, doc_type, content, current_history_index, tags, category, search_text, original_key, size_bytes, last_modified, created_at`

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var doc Document
	var tags string
	err := row.Scan(
		&doc.ID,
		&doc.Name,
		&doc.Type,
		&doc.Content,
		&doc.CurrentHistoryIndex,
		&tags,
		&doc.Category,
		&doc.SearchText,
		&doc.OriginalKey,
		&doc.Size,
		&doc.LastModified,
		&doc.CreatedAt,
	)
	if err != nil {
		return Document{}, err
	}
	doc.Tags = splitTags(tags)
	return doc, nil
}

// InsertDocument creates a document row together with its first revision,
// so a freshly uploaded document always has history=[content], cursor 0.
func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert document: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id, name, doc_type, content, current_history_index, tags, category, search_text, original_key, size_bytes)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8, $9)
	`, doc.ID, doc.Name, doc.Type, doc.Content, joinTags(doc.Tags), doc.Category, doc.SearchText, doc.OriginalKey, doc.Size); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO document_revisions (document_id, idx, content, author)
		VALUES ($1, 0, $2, $3)
	`, doc.ID, doc.Content, ""); err != nil {
		return fmt.Errorf("insert initial revision: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, id)
	return scanDocument(row)
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY last_modified DESC`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var documents []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		documents = append(documents, doc)
	}
	return documents, rows.Err()
}

// LoadDocument returns the document row plus its full revision history
// ordered by index.
func (s *PostgresStore) LoadDocument(ctx context.Context, id string) (Document, []Revision, error) {
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return Document{}, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, idx, content, author, created_at
		FROM document_revisions
		WHERE document_id=$1
		ORDER BY idx
	`, id)
	if err != nil {
		return Document{}, nil, fmt.Errorf("load revisions: %w", err)
	}
	defer rows.Close()

	var revisions []Revision
	for rows.Next() {
		var rev Revision
		if err := rows.Scan(&rev.DocumentID, &rev.Index, &rev.Content, &rev.Author, &rev.CreatedAt); err != nil {
			return Document{}, nil, fmt.Errorf("scan revision: %w", err)
		}
		revisions = append(revisions, rev)
	}
	return doc, revisions, rows.Err()
}

// SaveDocument persists the current content, cursor, and the full history
// sequence. Indices past len(history) are removed and every index is
// upserted, so a redo branch discarded in memory is also discarded here.
func (s *PostgresStore) SaveDocument(ctx context.Context, id string, content []byte, history []Revision, cursor int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save document: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET content=$2, current_history_index=$3, last_modified=NOW()
		WHERE id=$1
	`, id, content, cursor)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM document_revisions WHERE document_id=$1 AND idx >= $2
	`, id, len(history)); err != nil {
		return fmt.Errorf("trim revisions: %w", err)
	}

	for _, rev := range history {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_revisions (document_id, idx, content, author, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (document_id, idx) DO UPDATE SET content=EXCLUDED.content, author=EXCLUDED.author, created_at=EXCLUDED.created_at
		`, id, rev.Index, rev.Content, rev.Author, rev.CreatedAt); err != nil {
			return fmt.Errorf("upsert revision %d: %w", rev.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save document: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateSearchText(ctx context.Context, id, searchText string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE documents SET search_text=$2 WHERE id=$1`, id, searchText)
	if err != nil {
		return fmt.Errorf("update search text: %w", err)
	}
	return nil
}

// AppendAuditEntry records one access-trail row. Write-only from the
// service's perspective; external observability reads it back.
func (s *PostgresStore) AppendAuditEntry(ctx context.Context, entry AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (document_id, actor_id, action)
		VALUES ($1, $2, $3)
	`, entry.DocumentID, entry.ActorID, entry.Action)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func joinTags(tags []string) string {
	return strings.Join(tags, ",")
}

func splitTags(tags string) []string {
	if strings.TrimSpace(tags) == "" {
		return nil
	}
	parts := strings.Split(tags, ",")
	cleaned := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return cleaned
}
