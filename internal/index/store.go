package index

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailpipe/pkg/types"
)

// Store provides methods for storing and retrieving documents from the index
type Store struct {
	index  *Index
	logger *logrus.Logger
}

// NewStore creates a new store instance
func NewStore(index *Index, logger *logrus.Logger) *Store {
	return &Store{
		index:  index,
		logger: logger,
	}
}

// Put upserts a document by id. A re-index of the same id refreshes every
// field except category: the category is owned by the classification step
// once set, so duplicate "message" signals cannot reset an enriched
// document back to the default.
func (s *Store) Put(doc *types.EmailDocument) error {
	recipientsJSON, err := json.Marshal(doc.Recipients)
	if err != nil {
		return fmt.Errorf("failed to marshal recipients: %w", err)
	}

	query := `
		INSERT INTO documents (id, account_name, folder, subject, body, sender, recipients, date, category, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			account_name = excluded.account_name,
			folder = excluded.folder,
			subject = excluded.subject,
			body = excluded.body,
			sender = excluded.sender,
			recipients = excluded.recipients,
			date = excluded.date,
			indexed_at = excluded.indexed_at
	`
	_, err = s.index.DB().Exec(query,
		doc.ID,
		doc.AccountName,
		doc.Folder,
		doc.Subject,
		doc.Body,
		doc.From,
		string(recipientsJSON),
		doc.Date.UTC().Format(time.RFC3339),
		string(doc.Category),
		doc.IndexedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}

	return nil
}

// UpdateCategory applies the classification result as a partial update
// keyed by id. Idempotent: re-applying the same category is a no-op.
func (s *Store) UpdateCategory(id string, category types.Category) error {
	result, err := s.index.DB().Exec("UPDATE documents SET category = ? WHERE id = ?", string(category), id)
	if err != nil {
		return fmt.Errorf("failed to update category: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check category update: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("document not found: %s", id)
	}
	return nil
}

// Get retrieves a document by id
func (s *Store) Get(id string) (*types.EmailDocument, error) {
	query := `
		SELECT id, account_name, folder, subject, body, sender, recipients, date, category, indexed_at
		FROM documents
		WHERE id = ?
	`
	doc, err := scanDocument(s.index.DB().QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("document not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// SearchOptions contains search parameters
type SearchOptions struct {
	Query   string
	Account string
	Folder  string
	Page    int
	Size    int
}

// SearchResult holds one page of hits plus the total match count
type SearchResult struct {
	Total int                   `json:"total"`
	Hits  []types.EmailDocument `json:"hits"`
}

// Search performs a filtered, optionally full-text search over the index,
// ordered by document date descending.
func (s *Store) Search(opts SearchOptions) (*SearchResult, error) {
	var conditions []string
	var args []interface{}

	if opts.Account != "" {
		conditions = append(conditions, "account_name = ?")
		args = append(args, opts.Account)
	}

	if opts.Folder != "" {
		conditions = append(conditions, "folder = ?")
		args = append(args, opts.Folder)
	}

	if opts.Query != "" {
		// Use FTS5 for text search; escape special characters
		ftsQuery := strings.ReplaceAll(opts.Query, "\"", "\"\"")
		ftsQuery = strings.ReplaceAll(ftsQuery, "'", "''")
		conditions = append(conditions, "rowid IN (SELECT rowid FROM documents_fts WHERE documents_fts MATCH ?)")
		args = append(args, ftsQuery)
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM documents %s", whereClause)
	if err := s.index.DB().QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}

	page := opts.Page
	if page < 1 {
		page = 1
	}
	size := opts.Size
	if size <= 0 {
		size = 20
	}
	if size > 200 {
		size = 200
	}

	query := fmt.Sprintf(`
		SELECT id, account_name, folder, subject, body, sender, recipients, date, category, indexed_at
		FROM documents
		%s
		ORDER BY date DESC
		LIMIT ? OFFSET ?
	`, whereClause)

	args = append(args, size, (page-1)*size)

	rows, err := s.index.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search documents: %w", err)
	}
	defer rows.Close()

	result := &SearchResult{Total: total, Hits: []types.EmailDocument{}}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		result.Hits = append(result.Hits, *doc)
	}

	return result, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*types.EmailDocument, error) {
	var doc types.EmailDocument
	var recipientsJSON, category, dateStr, indexedStr string

	err := row.Scan(
		&doc.ID,
		&doc.AccountName,
		&doc.Folder,
		&doc.Subject,
		&doc.Body,
		&doc.From,
		&recipientsJSON,
		&dateStr,
		&category,
		&indexedStr,
	)
	if err != nil {
		return nil, err
	}

	doc.Category = types.Category(category)
	if t, err := time.Parse(time.RFC3339, dateStr); err == nil {
		doc.Date = t
	}
	if t, err := time.Parse(time.RFC3339, indexedStr); err == nil {
		doc.IndexedAt = t
	}
	if err := json.Unmarshal([]byte(recipientsJSON), &doc.Recipients); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recipients: %w", err)
	}

	return &doc, nil
}
