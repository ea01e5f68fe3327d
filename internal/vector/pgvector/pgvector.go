// Package pgvector implements the vector store contract on PostgreSQL with
// the pgvector extension.
//
// Each collection maps to its own table (vec_<name>), created on first
// EnsureCollection with the dimension pinned in the column type. Payloads
// are stored as JSONB so filters can use native operators.
package pgvector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgv "github.com/pgvector/pgvector-go"

	"github.com/koopa0/corpus/internal/vector"
)

// Store keeps one table per collection in a single database. Safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and verifies the pgvector extension is
// available.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, classify(fmt.Errorf("connecting: %w", err))
	}
	if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		pool.Close()
		return nil, classify(fmt.Errorf("enabling pgvector extension: %w", err))
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureCollection(ctx context.Context, name string, dim int) error {
	table := tableName(name)
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		embedding vector(%d) NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}'::jsonb
	)`, table, dim)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, name string, points []vector.Point) error {
	if len(points) == 0 {
		return nil
	}
	table := tableName(name)
	sql := fmt.Sprintf(`INSERT INTO %s (id, embedding, payload) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding, payload = EXCLUDED.payload`,
		table)

	batch := &pgx.Batch{}
	for _, p := range points {
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("encoding payload for %q: %w", p.ID, err)
		}
		batch.Queue(sql, p.ID, pgv.NewVector(p.Vector), payload)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range points {
		if _, err := results.Exec(); err != nil {
			return classify(err)
		}
	}
	return nil
}

func (s *Store) Query(ctx context.Context, name string, vec []float32, topK int, filter vector.Filter) ([]vector.Match, error) {
	where, args := filterClause(filter, 2)
	args = append([]any{pgv.NewVector(vec)}, args...)
	args = append(args, topK)

	sql := fmt.Sprintf(`SELECT id, payload, 1 - (embedding <=> $1) AS similarity
		FROM %s %s
		ORDER BY embedding <=> $1
		LIMIT $%d`, tableName(name), where, len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, classify(err)
	}
	defer rows.Close()

	var matches []vector.Match
	for rows.Next() {
		var (
			id      string
			payload []byte
			sim     float64
		)
		if err := rows.Scan(&id, &payload, &sim); err != nil {
			return nil, classify(err)
		}
		meta := make(map[string]string)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &meta); err != nil {
				return nil, fmt.Errorf("decoding payload for %q: %w", id, err)
			}
		}
		matches = append(matches, vector.Match{
			ID:      id,
			Score:   vector.NormalizeCosine(sim),
			Payload: meta,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return matches, nil
}

func (s *Store) Delete(ctx context.Context, name string, sel vector.Selector) error {
	table := tableName(name)

	var (
		sql  string
		args []any
	)
	switch {
	case len(sel.IDs) > 0:
		sql = fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", table)
		args = []any{sel.IDs}
	case len(sel.Filter) > 0:
		where, filterArgs := filterClause(sel.Filter, 1)
		sql = fmt.Sprintf("DELETE FROM %s %s", table, where)
		args = filterArgs
	default:
		return nil
	}

	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		if isUndefinedTable(err) {
			return nil
		}
		return classify(err)
	}
	return nil
}

func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", tableName(name))); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// tableName maps a collection name onto a safe identifier. Collection names
// come from configuration and document ids, not raw user input, but they
// still never reach SQL unsanitized.
func tableName(collection string) string {
	var b strings.Builder
	b.WriteString("vec_")
	for _, r := range strings.ToLower(collection) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// filterClause builds a WHERE clause: values under one key OR-ed with
// = ANY, keys AND-ed. firstArg is the first free placeholder number.
func filterClause(filter vector.Filter, firstArg int) (string, []any) {
	if len(filter) == 0 {
		return "", nil
	}
	var (
		conds []string
		args  []any
	)
	n := firstArg
	for key, values := range filter {
		conds = append(conds, fmt.Sprintf("payload->>%s = ANY($%d)", quoteLiteral(key), n))
		args = append(args, values)
		n++
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

// classify maps PostgreSQL failures onto the store error taxonomy.
// 28000 and 28P01 are the authentication failure SQLSTATEs.
func classify(err error) error {
	var serr *vector.StoreError
	if errors.As(err, &serr) {
		return err
	}
	kind := vector.KindUnavailable
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "28P01" || pgErr.Code == "28000") {
		kind = vector.KindAuthRejected
	}
	return &vector.StoreError{Kind: kind, Backend: "pgvector", Err: err}
}
