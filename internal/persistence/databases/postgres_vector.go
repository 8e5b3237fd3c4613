package databases

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"adaptiverag/internal/ragerr"
)

type pgVector struct {
	pool       *pgxpool.Pool
	dimensions int
	metric     string // cosine|l2|ip
}

// NewPostgresVector wraps a pgvector-enabled Postgres pool as a VectorStore.
// Table creation is deferred to EnsureCollection so the dimensionality check
// (C2's idempotency invariant) runs the same way it does for the Qdrant
// backend, instead of being baked into the constructor.
func NewPostgresVector(pool *pgxpool.Pool, dimensions int, metric string) VectorStore {
	pv := &pgVector{pool: pool, dimensions: dimensions, metric: strings.ToLower(strings.TrimSpace(metric))}
	if dimensions > 0 {
		_ = pv.EnsureCollection(context.Background(), dimensions)
	}
	return pv
}

func (p *pgVector) EnsureCollection(ctx context.Context, size int) error {
	if size <= 0 {
		return ragerr.New(ragerr.InputValidation, "vector size must be > 0")
	}
	if _, err := p.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	var existing int
	err := p.pool.QueryRow(ctx, `
SELECT atttypmod - 4 FROM pg_attribute
WHERE attrelid = 'embeddings'::regclass AND attname = 'vec'
`).Scan(&existing)
	if err == nil && existing > 0 && existing != size {
		return ragerr.New(ragerr.InputValidation,
			fmt.Sprintf("embeddings table exists with vector size %d, requested %d", existing, size))
	}
	if _, err := p.pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS embeddings (
  id TEXT PRIMARY KEY,
  vec vector(%d),
  text TEXT NOT NULL DEFAULT '',
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb
);
`, size)); err != nil {
		return fmt.Errorf("create embeddings table: %w", err)
	}
	p.dimensions = size
	return nil
}

func (p *pgVector) Upsert(ctx context.Context, id string, vector []float32, text string, metadata map[string]string) error {
	vecLit := toVectorLiteral(vector)
	_, err := p.pool.Exec(ctx, `
INSERT INTO embeddings(id, vec, text, metadata) VALUES($1, $2::vector, $3, $4)
ON CONFLICT (id) DO UPDATE SET vec=EXCLUDED.vec, text=EXCLUDED.text, metadata=EXCLUDED.metadata
`, id, vecLit, text, metadata)
	return err
}

func (p *pgVector) Delete(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM embeddings WHERE id=$1`, id)
	return err
}

func (p *pgVector) SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error) {
	if k <= 0 {
		k = 10
	}
	vecLit := toVectorLiteral(vector)
	op := "<=>" // cosine distance
	scoreExpr := "1 - (vec <=> $1::vector)"
	switch p.metric {
	case "l2", "euclidean":
		op = "<->"
		scoreExpr = "-(vec <-> $1::vector)" // higher is better (less distance)
	case "ip", "dot":
		op = "<#>"
		scoreExpr = "-(vec <#> $1::vector)" // maximize inner product
	}
	args := []any{vecLit, k}
	where := ""
	if len(filter) > 0 {
		where = "WHERE metadata @> $3"
		args = []any{vecLit, k, filter}
	}
	query := fmt.Sprintf(`SELECT id, %s AS score, metadata FROM embeddings %s ORDER BY vec %s $1::vector LIMIT $2`, scoreExpr, where, op)
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]VectorResult, 0, k)
	for rows.Next() {
		var r VectorResult
		var md map[string]string
		if err := rows.Scan(&r.ID, &r.Score, &md); err != nil {
			return nil, err
		}
		r.Metadata = md
		out = append(out, r)
	}
	return out, rows.Err()
}

// Scroll walks the embeddings table in id-ordered pages.
func (p *pgVector) Scroll(ctx context.Context, batch int, fn func([]VectorPoint) bool) error {
	if batch <= 0 {
		batch = 256
	}
	lastID := ""
	for {
		rows, err := p.pool.Query(ctx, `
SELECT id, vec, text, metadata FROM embeddings
WHERE id > $1 ORDER BY id LIMIT $2
`, lastID, batch)
		if err != nil {
			return err
		}
		points, err := scanPoints(rows)
		if err != nil {
			return err
		}
		if len(points) == 0 {
			return nil
		}
		if !fn(points) {
			return nil
		}
		if len(points) < batch {
			return nil
		}
		lastID = points[len(points)-1].ID
	}
}

func (p *pgVector) Retrieve(ctx context.Context, ids []string) ([]VectorPoint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, `SELECT id, vec, text, metadata FROM embeddings WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	return scanPoints(rows)
}

func scanPoints(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}) ([]VectorPoint, error) {
	defer rows.Close()
	out := make([]VectorPoint, 0)
	for rows.Next() {
		var id, text string
		var vecLit string
		var md map[string]string
		if err := rows.Scan(&id, &vecLit, &text, &md); err != nil {
			return nil, err
		}
		out = append(out, VectorPoint{ID: id, Vector: parseVectorLiteral(vecLit), Text: text, Metadata: md})
	}
	return out, rows.Err()
}

func toVectorLiteral(v []float32) string {
	if len(v) == 0 {
		return "[]"
	}
	b := strings.Builder{}
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		// Use %g to avoid trailing zeros; Postgres accepts decimal
		b.WriteString(fmt.Sprintf("%g", x))
	}
	b.WriteByte(']')
	return b.String()
}

func parseVectorLiteral(s string) []float32 {
	s = strings.Trim(s, "[]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		var f float64
		_, _ = fmt.Sscanf(strings.TrimSpace(p), "%g", &f)
		out = append(out, float32(f))
	}
	return out
}
