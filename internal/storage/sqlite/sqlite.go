// Package sqlite implements storage.Backend over a local SQLite database.
// Conditional writes map to single update-where-etag statements so the CAS
// contract holds across processes sharing the same file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"pkt.systems/coeditd/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS edit_locks (
	resource_id TEXT PRIMARY KEY,
	lock_id TEXT NOT NULL,
	holder_id TEXT NOT NULL,
	holder_name TEXT NOT NULL DEFAULT '',
	acquired_at_unix INTEGER NOT NULL,
	expires_at_unix INTEGER NOT NULL,
	etag TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS presence (
	resource_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	user_name TEXT NOT NULL DEFAULT '',
	last_seen_at_unix INTEGER NOT NULL,
	expires_at_unix INTEGER NOT NULL,
	PRIMARY KEY (resource_id, user_id)
);
CREATE TABLE IF NOT EXISTS documents (
	resource_id TEXT PRIMARY KEY,
	body TEXT NOT NULL DEFAULT '',
	workflow_state TEXT NOT NULL,
	publish_status TEXT NOT NULL,
	version INTEGER NOT NULL,
	created_at_unix INTEGER NOT NULL,
	updated_at_unix INTEGER NOT NULL,
	etag TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS workflow_comments (
	id TEXT PRIMARY KEY,
	resource_id TEXT NOT NULL,
	author_id TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at_unix INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflow_comments_resource
	ON workflow_comments (resource_id, created_at_unix);
CREATE TABLE IF NOT EXISTS reviewer_assignments (
	resource_id TEXT PRIMARY KEY,
	reviewer_id TEXT NOT NULL,
	assigned_at_unix INTEGER NOT NULL
);
`

// Store implements storage.Backend over SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating when necessary) the SQLite database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite: path required")
	}
	// _busy_timeout keeps writers from failing fast under contention;
	// _journal_mode=WAL allows concurrent readers during sweeps.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return storage.NewTransientError(err)
		case sqlite3.ErrConstraint:
			return storage.ErrCASMismatch
		}
	}
	return err
}

// LoadLock returns the stored lock record and its ETag.
func (s *Store) LoadLock(ctx context.Context, resourceID string) (*storage.LockRecord, string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT lock_id, holder_id, holder_name, acquired_at_unix, expires_at_unix, etag
		 FROM edit_locks WHERE resource_id = ?`, resourceID)
	rec := storage.LockRecord{ResourceID: resourceID}
	var etag string
	err := row.Scan(&rec.ID, &rec.HolderID, &rec.HolderName, &rec.AcquiredAtUnix, &rec.ExpiresAtUnix, &etag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", storage.ErrNotFound
	}
	if err != nil {
		return nil, "", mapErr(err)
	}
	return &rec, etag, nil
}

// StoreLock conditionally writes the lock record.
func (s *Store) StoreLock(ctx context.Context, resourceID string, rec *storage.LockRecord, expectedETag string) (string, error) {
	etag := uuid.NewString()
	if expectedETag == "" {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO edit_locks (resource_id, lock_id, holder_id, holder_name, acquired_at_unix, expires_at_unix, etag)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			resourceID, rec.ID, rec.HolderID, rec.HolderName, rec.AcquiredAtUnix, rec.ExpiresAtUnix, etag)
		if err != nil {
			return "", mapErr(err)
		}
		return etag, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE edit_locks
		 SET lock_id = ?, holder_id = ?, holder_name = ?, acquired_at_unix = ?, expires_at_unix = ?, etag = ?
		 WHERE resource_id = ? AND etag = ?`,
		rec.ID, rec.HolderID, rec.HolderName, rec.AcquiredAtUnix, rec.ExpiresAtUnix, etag,
		resourceID, expectedETag)
	if err != nil {
		return "", mapErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if affected == 0 {
		// Distinguish a vanished row from a lost race.
		if _, _, loadErr := s.LoadLock(ctx, resourceID); errors.Is(loadErr, storage.ErrNotFound) {
			return "", storage.ErrNotFound
		}
		return "", storage.ErrCASMismatch
	}
	return etag, nil
}

// DeleteLock removes the record when the ETag matches.
func (s *Store) DeleteLock(ctx context.Context, resourceID string, expectedETag string) error {
	var res sql.Result
	var err error
	if expectedETag == "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM edit_locks WHERE resource_id = ?`, resourceID)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM edit_locks WHERE resource_id = ? AND etag = ?`, resourceID, expectedETag)
	}
	if err != nil {
		return mapErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, _, loadErr := s.LoadLock(ctx, resourceID); errors.Is(loadErr, storage.ErrNotFound) {
			return storage.ErrNotFound
		}
		return storage.ErrCASMismatch
	}
	return nil
}

// ListLockResources enumerates resources with a stored lock record.
func (s *Store) ListLockResources(ctx context.Context) ([]string, error) {
	return s.listIDs(ctx, `SELECT resource_id FROM edit_locks ORDER BY resource_id`)
}

// UpsertPresence creates or refreshes the (resource, user) entry.
func (s *Store) UpsertPresence(ctx context.Context, entry *storage.PresenceEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO presence (resource_id, user_id, user_name, last_seen_at_unix, expires_at_unix)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (resource_id, user_id) DO UPDATE SET
			user_name = excluded.user_name,
			last_seen_at_unix = excluded.last_seen_at_unix,
			expires_at_unix = excluded.expires_at_unix`,
		entry.ResourceID, entry.UserID, entry.UserName, entry.LastSeenAtUnix, entry.ExpiresAtUnix)
	return mapErr(err)
}

// ListPresence returns all stored entries for a resource, newest first.
func (s *Store) ListPresence(ctx context.Context, resourceID string) ([]storage.PresenceEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, user_name, last_seen_at_unix, expires_at_unix
		 FROM presence WHERE resource_id = ?
		 ORDER BY last_seen_at_unix DESC, user_id ASC`, resourceID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var entries []storage.PresenceEntry
	for rows.Next() {
		entry := storage.PresenceEntry{ResourceID: resourceID}
		if err := rows.Scan(&entry.UserID, &entry.UserName, &entry.LastSeenAtUnix, &entry.ExpiresAtUnix); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DeletePresence removes a single entry; absent entries are a no-op.
func (s *Store) DeletePresence(ctx context.Context, resourceID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM presence WHERE resource_id = ? AND user_id = ?`, resourceID, userID)
	return mapErr(err)
}

// ListPresenceResources enumerates resources with stored presence entries.
func (s *Store) ListPresenceResources(ctx context.Context) ([]string, error) {
	return s.listIDs(ctx, `SELECT DISTINCT resource_id FROM presence ORDER BY resource_id`)
}

// LoadDocument returns the stored document and its ETag.
func (s *Store) LoadDocument(ctx context.Context, resourceID string) (*storage.Document, string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body, workflow_state, publish_status, version, created_at_unix, updated_at_unix, etag
		 FROM documents WHERE resource_id = ?`, resourceID)
	doc := storage.Document{ResourceID: resourceID}
	var etag string
	err := row.Scan(&doc.Body, &doc.WorkflowState, &doc.PublishStatus, &doc.Version, &doc.CreatedAtUnix, &doc.UpdatedAtUnix, &etag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", storage.ErrNotFound
	}
	if err != nil {
		return nil, "", mapErr(err)
	}
	return &doc, etag, nil
}

// StoreDocument conditionally writes the document.
func (s *Store) StoreDocument(ctx context.Context, resourceID string, doc *storage.Document, expectedETag string) (string, error) {
	etag := uuid.NewString()
	if expectedETag == "" {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO documents (resource_id, body, workflow_state, publish_status, version, created_at_unix, updated_at_unix, etag)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			resourceID, doc.Body, doc.WorkflowState, doc.PublishStatus, doc.Version, doc.CreatedAtUnix, doc.UpdatedAtUnix, etag)
		if err != nil {
			return "", mapErr(err)
		}
		return etag, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents
		 SET body = ?, workflow_state = ?, publish_status = ?, version = ?, created_at_unix = ?, updated_at_unix = ?, etag = ?
		 WHERE resource_id = ? AND etag = ?`,
		doc.Body, doc.WorkflowState, doc.PublishStatus, doc.Version, doc.CreatedAtUnix, doc.UpdatedAtUnix, etag,
		resourceID, expectedETag)
	if err != nil {
		return "", mapErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if affected == 0 {
		if _, _, loadErr := s.LoadDocument(ctx, resourceID); errors.Is(loadErr, storage.ErrNotFound) {
			return "", storage.ErrNotFound
		}
		return "", storage.ErrCASMismatch
	}
	return etag, nil
}

// AppendWorkflowComment stores a new review comment.
func (s *Store) AppendWorkflowComment(ctx context.Context, comment *storage.WorkflowComment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_comments (id, resource_id, author_id, body, created_at_unix)
		 VALUES (?, ?, ?, ?, ?)`,
		comment.ID, comment.ResourceID, comment.AuthorID, comment.Body, comment.CreatedAtUnix)
	return mapErr(err)
}

// ListWorkflowComments returns a resource's comments, oldest first.
func (s *Store) ListWorkflowComments(ctx context.Context, resourceID string) ([]storage.WorkflowComment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, author_id, body, created_at_unix
		 FROM workflow_comments WHERE resource_id = ?
		 ORDER BY created_at_unix ASC, id ASC`, resourceID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var comments []storage.WorkflowComment
	for rows.Next() {
		comment := storage.WorkflowComment{ResourceID: resourceID}
		if err := rows.Scan(&comment.ID, &comment.AuthorID, &comment.Body, &comment.CreatedAtUnix); err != nil {
			return nil, err
		}
		comments = append(comments, comment)
	}
	return comments, rows.Err()
}

// SetReviewerAssignment replaces the resource's reviewer assignment.
func (s *Store) SetReviewerAssignment(ctx context.Context, assignment *storage.ReviewerAssignment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reviewer_assignments (resource_id, reviewer_id, assigned_at_unix)
		 VALUES (?, ?, ?)
		 ON CONFLICT (resource_id) DO UPDATE SET
			reviewer_id = excluded.reviewer_id,
			assigned_at_unix = excluded.assigned_at_unix`,
		assignment.ResourceID, assignment.ReviewerID, assignment.AssignedAtUnix)
	return mapErr(err)
}

// LoadReviewerAssignment returns the current assignment, if any.
func (s *Store) LoadReviewerAssignment(ctx context.Context, resourceID string) (*storage.ReviewerAssignment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT reviewer_id, assigned_at_unix FROM reviewer_assignments WHERE resource_id = ?`, resourceID)
	assignment := storage.ReviewerAssignment{ResourceID: resourceID}
	err := row.Scan(&assignment.ReviewerID, &assignment.AssignedAtUnix)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &assignment, nil
}

func (s *Store) listIDs(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
