// Package memory implements storage.Backend in process memory; intended for
// tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"pkt.systems/coeditd/internal/storage"
)

// Store implements storage.Backend in-memory.
type Store struct {
	mu          sync.RWMutex
	locks       map[string]*lockEntry
	presence    map[string]map[string]storage.PresenceEntry
	documents   map[string]*documentEntry
	comments    map[string][]storage.WorkflowComment
	assignments map[string]storage.ReviewerAssignment
}

type lockEntry struct {
	rec  storage.LockRecord
	etag string
}

type documentEntry struct {
	doc  storage.Document
	etag string
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{
		locks:       make(map[string]*lockEntry),
		presence:    make(map[string]map[string]storage.PresenceEntry),
		documents:   make(map[string]*documentEntry),
		comments:    make(map[string][]storage.WorkflowComment),
		assignments: make(map[string]storage.ReviewerAssignment),
	}
}

// Close satisfies storage.Backend but requires no action for the in-memory
// store.
func (s *Store) Close() error { return nil }

// LoadLock returns a copy of the lock record stored for resourceID.
func (s *Store) LoadLock(_ context.Context, resourceID string) (*storage.LockRecord, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.locks[resourceID]
	if !ok {
		return nil, "", storage.ErrNotFound
	}
	rec := entry.rec
	return &rec, entry.etag, nil
}

// StoreLock writes the lock record, enforcing CAS when expectedETag is
// provided and create-only semantics when it is empty.
func (s *Store) StoreLock(_ context.Context, resourceID string, rec *storage.LockRecord, expectedETag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.locks[resourceID]
	if expectedETag != "" {
		if !exists {
			return "", storage.ErrNotFound
		}
		if entry.etag != expectedETag {
			return "", storage.ErrCASMismatch
		}
	} else if exists {
		return "", storage.ErrCASMismatch
	}
	etag := uuid.NewString()
	s.locks[resourceID] = &lockEntry{rec: *rec, etag: etag}
	return etag, nil
}

// DeleteLock removes the record when the ETag matches.
func (s *Store) DeleteLock(_ context.Context, resourceID string, expectedETag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.locks[resourceID]
	if !ok {
		return storage.ErrNotFound
	}
	if expectedETag != "" && entry.etag != expectedETag {
		return storage.ErrCASMismatch
	}
	delete(s.locks, resourceID)
	return nil
}

// ListLockResources enumerates resources with a stored lock record.
func (s *Store) ListLockResources(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.locks))
	for key := range s.locks {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// UpsertPresence creates or refreshes the (resource, user) entry.
func (s *Store) UpsertPresence(_ context.Context, entry *storage.PresenceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byUser, ok := s.presence[entry.ResourceID]
	if !ok {
		byUser = make(map[string]storage.PresenceEntry)
		s.presence[entry.ResourceID] = byUser
	}
	byUser[entry.UserID] = *entry
	return nil
}

// ListPresence returns all stored entries for a resource, expired included.
func (s *Store) ListPresence(_ context.Context, resourceID string) ([]storage.PresenceEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byUser := s.presence[resourceID]
	entries := make([]storage.PresenceEntry, 0, len(byUser))
	for _, entry := range byUser {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].LastSeenAtUnix != entries[j].LastSeenAtUnix {
			return entries[i].LastSeenAtUnix > entries[j].LastSeenAtUnix
		}
		return entries[i].UserID < entries[j].UserID
	})
	return entries, nil
}

// DeletePresence removes a single entry.
func (s *Store) DeletePresence(_ context.Context, resourceID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byUser, ok := s.presence[resourceID]; ok {
		delete(byUser, userID)
		if len(byUser) == 0 {
			delete(s.presence, resourceID)
		}
	}
	return nil
}

// ListPresenceResources enumerates resources with stored presence entries.
func (s *Store) ListPresenceResources(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.presence))
	for key := range s.presence {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// LoadDocument returns a copy of the stored document.
func (s *Store) LoadDocument(_ context.Context, resourceID string) (*storage.Document, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.documents[resourceID]
	if !ok {
		return nil, "", storage.ErrNotFound
	}
	doc := entry.doc
	return &doc, entry.etag, nil
}

// StoreDocument writes the document, CAS rules as for StoreLock.
func (s *Store) StoreDocument(_ context.Context, resourceID string, doc *storage.Document, expectedETag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.documents[resourceID]
	if expectedETag != "" {
		if !exists {
			return "", storage.ErrNotFound
		}
		if entry.etag != expectedETag {
			return "", storage.ErrCASMismatch
		}
	} else if exists {
		return "", storage.ErrCASMismatch
	}
	etag := uuid.NewString()
	s.documents[resourceID] = &documentEntry{doc: *doc, etag: etag}
	return etag, nil
}

// AppendWorkflowComment stores a new review comment.
func (s *Store) AppendWorkflowComment(_ context.Context, comment *storage.WorkflowComment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments[comment.ResourceID] = append(s.comments[comment.ResourceID], *comment)
	return nil
}

// ListWorkflowComments returns a resource's comments, oldest first.
func (s *Store) ListWorkflowComments(_ context.Context, resourceID string) ([]storage.WorkflowComment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	comments := make([]storage.WorkflowComment, len(s.comments[resourceID]))
	copy(comments, s.comments[resourceID])
	return comments, nil
}

// SetReviewerAssignment replaces the resource's reviewer assignment.
func (s *Store) SetReviewerAssignment(_ context.Context, assignment *storage.ReviewerAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[assignment.ResourceID] = *assignment
	return nil
}

// LoadReviewerAssignment returns the current assignment, if any.
func (s *Store) LoadReviewerAssignment(_ context.Context, resourceID string) (*storage.ReviewerAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	assignment, ok := s.assignments[resourceID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &assignment, nil
}
