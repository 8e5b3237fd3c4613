package databases

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"adaptiverag/internal/ragerr"
)

func init() {
	sqlite_vec.Auto()
}

// SQLiteVector is a VectorStore backed by SQLite with the sqlite-vec
// extension's vec0 virtual table for KNN search, and a plain table for
// text/metadata so Scroll/Retrieve don't round-trip through the vec0 table.
type SQLiteVector struct {
	db   *sql.DB
	dims int
}

// NewSQLiteVector opens (or creates) a SQLite database at dbPath and
// installs the vec0 + points schema sized to dims.
func NewSQLiteVector(dbPath string, dims int) (*SQLiteVector, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating sqlite vector db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite vector db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite vector db: %w", err)
	}
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS vec_points (
    id TEXT PRIMARY KEY,
    text TEXT,
    metadata JSON
);
CREATE VIRTUAL TABLE IF NOT EXISTS vec_embeddings USING vec0(
    rowid_id TEXT PRIMARY KEY,
    embedding float[%d]
);
`, dims)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite vector schema: %w", err)
	}
	return &SQLiteVector{db: db, dims: dims}, nil
}

func (s *SQLiteVector) Close() error { return s.db.Close() }

// EnsureCollection is a no-op past construction time: the vec0 table's
// dimension is fixed at creation, matching spec's "idempotent for a stable
// vector size" contract.
func (s *SQLiteVector) EnsureCollection(ctx context.Context, size int) error {
	if size != s.dims {
		return ragerr.New(ragerr.InputValidation, fmt.Sprintf("sqlite vector collection dimension mismatch: have %d, want %d", s.dims, size))
	}
	return nil
}

func (s *SQLiteVector) Upsert(ctx context.Context, id string, vector []float32, text string, metadata map[string]string) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO vec_points (id, text, metadata) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET text=excluded.text, metadata=excluded.metadata",
		id, text, string(meta)); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO vec_embeddings (rowid_id, embedding) VALUES (?, ?) ON CONFLICT(rowid_id) DO UPDATE SET embedding=excluded.embedding",
		id, serializeFloat32(vector))
	return err
}

func (s *SQLiteVector) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM vec_embeddings WHERE rowid_id = ?", id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM vec_points WHERE id = ?", id)
	return err
}

func (s *SQLiteVector) SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.rowid_id, v.distance, p.metadata
		FROM vec_embeddings v
		JOIN vec_points p ON p.id = v.rowid_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(vector), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VectorResult
	for rows.Next() {
		var id, metaJSON string
		var distance float64
		if err := rows.Scan(&id, &distance, &metaJSON); err != nil {
			return nil, err
		}
		meta := map[string]string{}
		_ = json.Unmarshal([]byte(metaJSON), &meta)
		if !sqliteMatchesFilter(meta, filter) {
			continue
		}
		out = append(out, VectorResult{ID: id, Score: 1.0 - distance, Metadata: meta})
	}
	return out, rows.Err()
}

func (s *SQLiteVector) Scroll(ctx context.Context, batch int, fn func([]VectorPoint) bool) error {
	if batch <= 0 {
		batch = 100
	}
	offset := 0
	for {
		rows, err := s.db.QueryContext(ctx,
			"SELECT p.id, p.text, p.metadata, v.embedding FROM vec_points p JOIN vec_embeddings v ON v.rowid_id = p.id ORDER BY p.id LIMIT ? OFFSET ?",
			batch, offset)
		if err != nil {
			return err
		}
		var page []VectorPoint
		for rows.Next() {
			var id, text, metaJSON string
			var embBytes []byte
			if err := rows.Scan(&id, &text, &metaJSON, &embBytes); err != nil {
				rows.Close()
				return err
			}
			meta := map[string]string{}
			_ = json.Unmarshal([]byte(metaJSON), &meta)
			page = append(page, VectorPoint{ID: id, Vector: deserializeFloat32(embBytes), Text: text, Metadata: meta})
		}
		rows.Close()
		if len(page) == 0 {
			return nil
		}
		if !fn(page) {
			return nil
		}
		offset += len(page)
		if len(page) < batch {
			return nil
		}
	}
}

func (s *SQLiteVector) Retrieve(ctx context.Context, ids []string) ([]VectorPoint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT p.id, p.text, p.metadata, v.embedding FROM vec_points p JOIN vec_embeddings v ON v.rowid_id = p.id WHERE p.id IN (%s)", placeholders),
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VectorPoint
	for rows.Next() {
		var id, text, metaJSON string
		var embBytes []byte
		if err := rows.Scan(&id, &text, &metaJSON, &embBytes); err != nil {
			return nil, err
		}
		meta := map[string]string{}
		_ = json.Unmarshal([]byte(metaJSON), &meta)
		out = append(out, VectorPoint{ID: id, Vector: deserializeFloat32(embBytes), Text: text, Metadata: meta})
	}
	return out, rows.Err()
}

func sqliteMatchesFilter(meta map[string]string, filter map[string]string) bool {
	for k, v := range filter {
		if meta[k] != v {
			return false
		}
	}
	return true
}

func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func deserializeFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
