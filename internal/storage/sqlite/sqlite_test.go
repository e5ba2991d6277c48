package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"pkt.systems/coeditd/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "coedit.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLockCreateOnlyConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := &storage.LockRecord{ResourceID: "post-1", ID: "l1", HolderID: "alice", AcquiredAtUnix: 100, ExpiresAtUnix: 400}
	if _, err := s.StoreLock(ctx, "post-1", rec, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec2 := &storage.LockRecord{ResourceID: "post-1", ID: "l2", HolderID: "bob", AcquiredAtUnix: 110, ExpiresAtUnix: 410}
	if _, err := s.StoreLock(ctx, "post-1", rec2, ""); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch, got %v", err)
	}
}

func TestLockReplaceWithETag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := &storage.LockRecord{ResourceID: "post-1", ID: "l1", HolderID: "alice", AcquiredAtUnix: 100, ExpiresAtUnix: 400}
	etag, err := s.StoreLock(ctx, "post-1", rec, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec.ExpiresAtUnix = 700
	etag2, err := s.StoreLock(ctx, "post-1", rec, etag)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if etag2 == etag {
		t.Fatalf("etag did not rotate")
	}
	if _, err := s.StoreLock(ctx, "post-1", rec, etag); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("stale etag: expected ErrCASMismatch, got %v", err)
	}
	got, _, err := s.LoadLock(ctx, "post-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ExpiresAtUnix != 700 {
		t.Fatalf("expires = %d, want 700", got.ExpiresAtUnix)
	}
}

func TestLockDeleteSemantics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.DeleteLock(ctx, "absent", ""); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("delete absent: expected ErrNotFound, got %v", err)
	}
	rec := &storage.LockRecord{ResourceID: "post-1", ID: "l1", HolderID: "alice", AcquiredAtUnix: 100, ExpiresAtUnix: 400}
	etag, err := s.StoreLock(ctx, "post-1", rec, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.DeleteLock(ctx, "post-1", "bogus"); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("delete stale: expected ErrCASMismatch, got %v", err)
	}
	if err := s.DeleteLock(ctx, "post-1", etag); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := s.LoadLock(ctx, "post-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("load after delete: expected ErrNotFound, got %v", err)
	}
}

func TestListLockResources(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"b", "a", "c"} {
		rec := &storage.LockRecord{ResourceID: id, ID: "l-" + id, HolderID: "alice", AcquiredAtUnix: 100, ExpiresAtUnix: 400}
		if _, err := s.StoreLock(ctx, id, rec, ""); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	ids, err := s.ListLockResources(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(ids) != len(want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("got %v, want %v", ids, want)
		}
	}
}

func TestPresenceUpsertAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	entries := []storage.PresenceEntry{
		{ResourceID: "post-1", UserID: "alice", UserName: "Alice", LastSeenAtUnix: 100, ExpiresAtUnix: 220},
		{ResourceID: "post-1", UserID: "bob", UserName: "Bob", LastSeenAtUnix: 150, ExpiresAtUnix: 270},
		{ResourceID: "post-1", UserID: "carol", UserName: "Carol", LastSeenAtUnix: 150, ExpiresAtUnix: 270},
	}
	for i := range entries {
		if err := s.UpsertPresence(ctx, &entries[i]); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	got, err := s.ListPresence(ctx, "post-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"bob", "carol", "alice"}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].UserID != want[i] {
			t.Fatalf("entry %d = %s, want %s", i, got[i].UserID, want[i])
		}
	}

	// Refreshing an entry moves it to the front.
	refreshed := storage.PresenceEntry{ResourceID: "post-1", UserID: "alice", UserName: "Alice", LastSeenAtUnix: 200, ExpiresAtUnix: 320}
	if err := s.UpsertPresence(ctx, &refreshed); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	got, err = s.ListPresence(ctx, "post-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got[0].UserID != "alice" || got[0].LastSeenAtUnix != 200 {
		t.Fatalf("refreshed entry not first: %+v", got[0])
	}
}

func TestPresenceDeleteAndResources(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, res := range []string{"post-1", "post-2"} {
		entry := storage.PresenceEntry{ResourceID: res, UserID: "alice", LastSeenAtUnix: 100, ExpiresAtUnix: 220}
		if err := s.UpsertPresence(ctx, &entry); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if err := s.DeletePresence(ctx, "post-1", "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeletePresence(ctx, "post-1", "alice"); err != nil {
		t.Fatalf("delete absent should be a no-op, got %v", err)
	}
	ids, err := s.ListPresenceResources(ctx)
	if err != nil {
		t.Fatalf("resources: %v", err)
	}
	if len(ids) != 1 || ids[0] != "post-2" {
		t.Fatalf("resources = %v, want [post-2]", ids)
	}
}

func TestDocumentCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := &storage.Document{
		ResourceID:    "post-1",
		Body:          "draft body",
		WorkflowState: storage.WorkflowDraft,
		PublishStatus: storage.PublishDraft,
		Version:       1,
		CreatedAtUnix: 100,
		UpdatedAtUnix: 100,
	}
	etag, err := s.StoreDocument(ctx, "post-1", doc, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	doc.WorkflowState = storage.WorkflowPendingReview
	doc.Version = 2
	if _, err := s.StoreDocument(ctx, "post-1", doc, etag); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := s.StoreDocument(ctx, "post-1", doc, etag); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("stale etag: expected ErrCASMismatch, got %v", err)
	}
	got, _, err := s.LoadDocument(ctx, "post-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.WorkflowState != storage.WorkflowPendingReview || got.Version != 2 {
		t.Fatalf("document not updated: %+v", got)
	}
	if _, _, err := s.LoadDocument(ctx, "absent"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("load absent: expected ErrNotFound, got %v", err)
	}
}

func TestWorkflowCommentsOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	comments := []storage.WorkflowComment{
		{ID: "c1", ResourceID: "post-1", AuthorID: "rev", Body: "first pass", CreatedAtUnix: 100},
		{ID: "c2", ResourceID: "post-1", AuthorID: "rev", Body: "second pass", CreatedAtUnix: 200},
	}
	for i := range comments {
		if err := s.AppendWorkflowComment(ctx, &comments[i]); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := s.ListWorkflowComments(ctx, "post-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c1" || got[1].ID != "c2" {
		t.Fatalf("unexpected comments: %+v", got)
	}
}

func TestReviewerAssignmentLatestWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.LoadReviewerAssignment(ctx, "post-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("load absent: expected ErrNotFound, got %v", err)
	}
	first := storage.ReviewerAssignment{ResourceID: "post-1", ReviewerID: "rev-a", AssignedAtUnix: 100}
	if err := s.SetReviewerAssignment(ctx, &first); err != nil {
		t.Fatalf("set: %v", err)
	}
	second := storage.ReviewerAssignment{ResourceID: "post-1", ReviewerID: "rev-b", AssignedAtUnix: 200}
	if err := s.SetReviewerAssignment(ctx, &second); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.LoadReviewerAssignment(ctx, "post-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ReviewerID != "rev-b" || got.AssignedAtUnix != 200 {
		t.Fatalf("assignment = %+v, want rev-b@200", got)
	}
}
