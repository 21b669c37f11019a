// Package vector is a minimal embedding store backing the reply-suggestion
// feature. Similarity search is brute-force cosine over the stored rows,
// which is adequate for the small outreach-context corpora it holds.
package vector

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS reply_context (
    id TEXT PRIMARY KEY,
    content TEXT NOT NULL,
    embedding TEXT NOT NULL
);
`

// Store persists context snippets with their embedding vectors.
type Store struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewStore ensures the embedding table on the given database connection.
func NewStore(db *sql.DB, logger *logrus.Logger) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create vector schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Upsert stores or replaces a context snippet and its embedding.
func (s *Store) Upsert(id, content string, embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("embedding must not be empty")
	}
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	query := `
		INSERT INTO reply_context (id, content, embedding)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			embedding = excluded.embedding
	`
	if _, err := s.db.Exec(query, id, content, string(data)); err != nil {
		return fmt.Errorf("failed to upsert context: %w", err)
	}
	return nil
}

type scored struct {
	content string
	score   float64
}

// Query returns the contents of the k snippets most similar to the given
// vector, best match first.
func (s *Store) Query(embedding []float32, k int) ([]string, error) {
	if k <= 0 {
		k = 3
	}

	rows, err := s.db.Query("SELECT content, embedding FROM reply_context")
	if err != nil {
		return nil, fmt.Errorf("failed to query contexts: %w", err)
	}
	defer rows.Close()

	var candidates []scored
	for rows.Next() {
		var content, data string
		if err := rows.Scan(&content, &data); err != nil {
			return nil, fmt.Errorf("failed to scan context: %w", err)
		}
		var stored []float32
		if err := json.Unmarshal([]byte(data), &stored); err != nil {
			s.logger.WithError(err).Warn("Skipping context with malformed embedding")
			continue
		}
		candidates = append(candidates, scored{
			content: content,
			score:   Cosine(embedding, stored),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	contents := make([]string, len(candidates))
	for i, c := range candidates {
		contents[i] = c.content
	}
	return contents, nil
}

// Cosine computes cosine similarity between two vectors. Mismatched
// lengths or zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
