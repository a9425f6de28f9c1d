// Package knowledge is the retrieval store behind consult_archive.
//
// Documents are split into overlapping fragments, each fragment is
// embedded once at ingest time, and queries rank every stored fragment
// by cosine similarity. Fragments live in SQLite, separate from the
// conversation memory file.
package knowledge

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/nexus-agent/internal/embeddings"
)

// ErrEmpty is returned by searches against a store with no fragments.
var ErrEmpty = errors.New("knowledge base is empty")

// Fragment is one chunk of an ingested document.
type Fragment struct {
	ID        uuid.UUID `json:"id"`
	Source    string    `json:"source"`
	Seq       int       `json:"seq"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Match is a fragment with its similarity to a query.
type Match struct {
	Fragment
	Score float32 `json:"score"`
}

// Source summarizes one ingested document.
type Source struct {
	Name      string `json:"name"`
	Fragments int    `json:"fragments"`
}

// Store manages fragment persistence.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore opens (creating if needed) the SQLite database at dbPath.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s, err := NewStoreWithDB(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithDB creates a store using an existing database connection.
func NewStoreWithDB(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger.With("component", "knowledge")}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS fragments (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			seq INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding BLOB NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_fragments_source ON fragments(source, seq);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Replace stores the fragments of source, removing whatever an earlier
// ingest of the same source left behind. contents and vectors must be
// the same length.
func (s *Store) Replace(ctx context.Context, source string, contents []string, vectors [][]float32) (int, error) {
	if len(contents) != len(vectors) {
		return 0, fmt.Errorf("have %d fragments but %d embeddings", len(contents), len(vectors))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM fragments WHERE source = ?`, source); err != nil {
		return 0, fmt.Errorf("delete previous fragments: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO fragments (id, source, seq, content, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for i, content := range contents {
		id, err := uuid.NewV7()
		if err != nil {
			return 0, fmt.Errorf("generate id: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, id.String(), source, i, content, encodeEmbedding(vectors[i]), now); err != nil {
			return 0, fmt.Errorf("insert fragment %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	s.logger.Info("fragments stored", "source", source, "count", len(contents))
	return len(contents), nil
}

// Search returns the k fragments most similar to query.
func (s *Store) Search(ctx context.Context, query []float32, k int) ([]Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, seq, content, embedding, created_at
		FROM fragments ORDER BY source, seq
	`)
	if err != nil {
		return nil, fmt.Errorf("query fragments: %w", err)
	}
	defer rows.Close()

	var frags []Fragment
	for rows.Next() {
		f, err := scanFragment(rows)
		if err != nil {
			return nil, err
		}
		frags = append(frags, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fragments: %w", err)
	}
	if len(frags) == 0 {
		return nil, ErrEmpty
	}

	vectors := make([][]float32, len(frags))
	for i := range frags {
		vectors[i] = frags[i].Embedding
	}

	ranked := embeddings.Rank(query, vectors, k)
	matches := make([]Match, len(ranked))
	for i, r := range ranked {
		matches[i] = Match{Fragment: frags[r.Index], Score: r.Score}
	}
	return matches, nil
}

// Count returns the number of stored fragments.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fragments`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count fragments: %w", err)
	}
	return n, nil
}

// Sources lists ingested documents in name order.
func (s *Store) Sources(ctx context.Context) ([]Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, COUNT(*) FROM fragments GROUP BY source ORDER BY source
	`)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var src Source
		if err := rows.Scan(&src.Name, &src.Fragments); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// Clear removes every fragment and reports how many were deleted.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM fragments`)
	if err != nil {
		return 0, fmt.Errorf("clear fragments: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Info("knowledge base cleared", "fragments", n)
	return n, nil
}

func scanFragment(rows *sql.Rows) (*Fragment, error) {
	var f Fragment
	var idStr, createdStr string
	var blob []byte
	if err := rows.Scan(&idStr, &f.Source, &f.Seq, &f.Content, &blob, &createdStr); err != nil {
		return nil, fmt.Errorf("scan fragment: %w", err)
	}

	var err error
	f.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse fragment id: %w", err)
	}
	f.CreatedAt, err = time.Parse(time.RFC3339, createdStr)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	f.Embedding = decodeEmbedding(blob)
	return &f, nil
}

// --- embedding helpers ---

func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	result := make([]float32, len(data)/4)
	for i := range result {
		result[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return result
}
