// Package docstore persists document metadata and chunk text in SQLite.
//
// It is the system of record for ingestion state and the source parent
// sections are resolved from at query time. The vector index holds only
// vectors and thin payloads; all chunk text lives here.
//
// Re-ingestion keeps both revisions' chunks until the vector swap completes,
// then DeleteChunksExcept removes the superseded revision. That ordering
// means a vector match can always resolve its section text, even while a
// re-ingest is in flight.
package docstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/koopa0/corpus/internal/chunk"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrNotFound indicates the requested document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrBadTransition indicates a status change the ingestion state
	// machine does not allow.
	ErrBadTransition = errors.New("invalid status transition")
)

// Status is the ingestion state of a document.
type Status string

const (
	StatusPending    Status = "pending"
	StatusExtracting Status = "extracting"
	StatusChunking   Status = "chunking"
	StatusEmbedding  Status = "embedding"
	StatusIndexed    Status = "indexed"
	StatusFailed     Status = "failed"
)

// validNext lists the transitions the ingestion pipeline may take. Indexed
// and failed documents can re-enter at extracting (re-ingest, retry).
var validNext = map[Status][]Status{
	StatusPending:    {StatusExtracting, StatusFailed},
	StatusExtracting: {StatusChunking, StatusFailed},
	StatusChunking:   {StatusEmbedding, StatusFailed},
	StatusEmbedding:  {StatusIndexed, StatusFailed},
	StatusIndexed:    {StatusExtracting, StatusFailed},
	StatusFailed:     {StatusExtracting},
}

// ValidTransition reports whether from may move to to.
func ValidTransition(from, to Status) bool {
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Document is a tracked document with its ingestion state.
type Document struct {
	ID          string
	Source      string
	Title       string
	Collection  string
	ContentHash string
	Revision    string
	Status      Status
	FailedStep  string
	Failure     string

	// FailedRetryable records whether the failure could pass on a retry of
	// the same content. Non-retryable failures need new content first.
	FailedRetryable bool

	StorageKey string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store is the SQLite-backed metadata store. Safe for concurrent use; the
// underlying *sql.DB pools connections.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migrate driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const documentCols = `id, source, title, collection, content_hash, revision,
	status, failed_step, failure, failed_retryable, storage_key, created_at, updated_at`

// UpsertDocument inserts the document or refreshes its mutable fields,
// recording the content hash of this attempt. Status and revision fields are
// managed by the status methods and are not touched on conflict.
func (s *Store) UpsertDocument(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, source, title, collection, content_hash, status, storage_key)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			source = excluded.source,
			title = excluded.title,
			collection = excluded.collection,
			content_hash = excluded.content_hash,
			storage_key = excluded.storage_key,
			updated_at = CURRENT_TIMESTAMP`,
		doc.ID, doc.Source, doc.Title, doc.Collection, doc.ContentHash, StatusPending, doc.StorageKey)
	if err != nil {
		return fmt.Errorf("upserting document %q: %w", doc.ID, err)
	}
	return nil
}

// GetDocument returns the document or ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+documentCols+" FROM documents WHERE id = ?", id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading document %q: %w", id, err)
	}
	return doc, nil
}

// ListDocuments returns all documents, optionally restricted to one
// collection, newest first.
func (s *Store) ListDocuments(ctx context.Context, collection string) ([]Document, error) {
	query := "SELECT " + documentCols + " FROM documents"
	var args []any
	if collection != "" {
		query += " WHERE collection = ?"
		args = append(args, collection)
	}
	query += " ORDER BY updated_at DESC, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	return docs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.Source, &d.Title, &d.Collection, &d.ContentHash,
		&d.Revision, &d.Status, &d.FailedStep, &d.Failure, &d.FailedRetryable,
		&d.StorageKey, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// SetStatus advances the ingestion state machine. The transition is checked
// against the current row atomically; an invalid transition (or a missing
// document) returns an error without changing anything.
func (s *Store) SetStatus(ctx context.Context, id string, to Status) error {
	allowed := make([]any, 0, 4)
	placeholders := make([]string, 0, 4)
	for from, nexts := range validNext {
		for _, next := range nexts {
			if next == to {
				allowed = append(allowed, from)
				placeholders = append(placeholders, "?")
			}
		}
	}

	query := fmt.Sprintf(`UPDATE documents
		SET status = ?, failed_step = '', failure = '', failed_retryable = 0,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (%s)`, strings.Join(placeholders, ", "))
	args := append([]any{to, id}, allowed...)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating status of %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating status of %q: %w", id, err)
	}
	if n == 0 {
		doc, getErr := s.GetDocument(ctx, id)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %s -> %s for %q", ErrBadTransition, doc.Status, to, id)
	}
	return nil
}

// SetFailed marks the document failed, recording which step broke, why, and
// whether retrying the same content could succeed.
func (s *Store) SetFailed(ctx context.Context, id, step, reason string, retryable bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE documents
		SET status = ?, failed_step = ?, failure = ?, failed_retryable = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		StatusFailed, step, reason, retryable, id)
	if err != nil {
		return fmt.Errorf("marking %q failed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// SetIndexed marks the document indexed under the given content hash and
// revision, clearing any previous failure.
func (s *Store) SetIndexed(ctx context.Context, id, contentHash, revision string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE documents
		SET status = ?, content_hash = ?, revision = ?,
		    failed_step = '', failure = '', failed_retryable = 0,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		StatusIndexed, contentHash, revision, id)
	if err != nil {
		return fmt.Errorf("marking %q indexed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// DeleteDocument removes the document and, via cascade, its chunks.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting document %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// AddChunks stores a revision's sections and fragments in one transaction.
// Existing rows with the same ids are replaced, so re-running an ingest of
// unchanged content is a no-op.
func (s *Store) AddChunks(ctx context.Context, sections []chunk.Section, fragments []chunk.Fragment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning chunk transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, sec := range sections {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sections (id, document_id, revision, ordinal, title, body)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET title = excluded.title, body = excluded.body`,
			sec.ID, sec.DocumentID, sec.Revision, sec.Ordinal, sec.Title, sec.Text)
		if err != nil {
			return fmt.Errorf("inserting section %q: %w", sec.ID, err)
		}
	}
	for _, fr := range fragments {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO fragments (id, section_id, document_id, revision, ordinal, start_off, end_off, body)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET start_off = excluded.start_off,
				end_off = excluded.end_off, body = excluded.body`,
			fr.ID, fr.SectionID, fr.DocumentID, fr.Revision, fr.Ordinal,
			fr.Start, fr.End, fr.Text)
		if err != nil {
			return fmt.Errorf("inserting fragment %q: %w", fr.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing chunks: %w", err)
	}
	return nil
}

// DeleteChunksExcept removes every chunk of the document that does not
// belong to the given revision. Called after the vector index swap.
func (s *Store) DeleteChunksExcept(ctx context.Context, docID, revision string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning cleanup transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM fragments WHERE document_id = ? AND revision != ?", docID, revision); err != nil {
		return fmt.Errorf("deleting stale fragments of %q: %w", docID, err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM sections WHERE document_id = ? AND revision != ?", docID, revision); err != nil {
		return fmt.Errorf("deleting stale sections of %q: %w", docID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing cleanup: %w", err)
	}
	return nil
}

// SectionsByIDs loads sections keyed by id. Missing ids are simply absent
// from the result.
func (s *Store) SectionsByIDs(ctx context.Context, ids []string) (map[string]chunk.Section, error) {
	if len(ids) == 0 {
		return map[string]chunk.Section{}, nil
	}

	query := fmt.Sprintf(`SELECT id, document_id, revision, ordinal, title, body
		FROM sections WHERE id IN (%s)`, placeholders(len(ids)))
	rows, err := s.db.QueryContext(ctx, query, toAny(ids)...)
	if err != nil {
		return nil, fmt.Errorf("loading sections: %w", err)
	}
	defer rows.Close()

	out := make(map[string]chunk.Section, len(ids))
	for rows.Next() {
		var sec chunk.Section
		if err := rows.Scan(&sec.ID, &sec.DocumentID, &sec.Revision,
			&sec.Ordinal, &sec.Title, &sec.Text); err != nil {
			return nil, fmt.Errorf("scanning section: %w", err)
		}
		out[sec.ID] = sec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading sections: %w", err)
	}
	return out, nil
}

// FragmentsByIDs loads fragments keyed by id. Missing ids are simply absent
// from the result.
func (s *Store) FragmentsByIDs(ctx context.Context, ids []string) (map[string]chunk.Fragment, error) {
	if len(ids) == 0 {
		return map[string]chunk.Fragment{}, nil
	}

	query := fmt.Sprintf(`SELECT id, section_id, document_id, revision, ordinal,
		start_off, end_off, body FROM fragments WHERE id IN (%s)`, placeholders(len(ids)))
	rows, err := s.db.QueryContext(ctx, query, toAny(ids)...)
	if err != nil {
		return nil, fmt.Errorf("loading fragments: %w", err)
	}
	defer rows.Close()

	out := make(map[string]chunk.Fragment, len(ids))
	for rows.Next() {
		var fr chunk.Fragment
		if err := rows.Scan(&fr.ID, &fr.SectionID, &fr.DocumentID, &fr.Revision,
			&fr.Ordinal, &fr.Start, &fr.End, &fr.Text); err != nil {
			return nil, fmt.Errorf("scanning fragment: %w", err)
		}
		out[fr.ID] = fr
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading fragments: %w", err)
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toAny(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
