package fhir

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) (*Store, *MemBackend) {
	t.Helper()
	backend := NewMemBackend()
	store := NewStore(backend, DefaultRegistry(), NewHooks(), true, zerolog.Nop())
	return store, backend
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	return fe.Status
}

func mustCreate(t *testing.T, store *Store, resourceType string, doc Document) *Stored {
	t.Helper()
	stored, outcome, err := store.Create(context.Background(), resourceType, doc)
	if err != nil {
		t.Fatalf("create %s: %v", resourceType, err)
	}
	if outcome != nil {
		t.Fatalf("create %s vetoed: %+v", resourceType, outcome)
	}
	return stored
}

func TestCreateAssignsServerID(t *testing.T) {
	store, _ := newTestStore(t)

	stored := mustCreate(t, store, "Patient", Document{"gender": "female"})
	if stored.ID == "" {
		t.Fatal("expected server-assigned id")
	}
	if stored.VersionID != 1 {
		t.Errorf("first version = %d, want 1", stored.VersionID)
	}
	meta, _ := stored.Resource["meta"].(map[string]interface{})
	if meta["versionId"] != "1" {
		t.Errorf("meta.versionId = %v, want \"1\"", meta["versionId"])
	}
	if stored.Resource.ResourceType() != "Patient" {
		t.Errorf("resourceType = %q, want Patient", stored.Resource.ResourceType())
	}
}

func TestCreateRejectsClientID(t *testing.T) {
	store, _ := newTestStore(t)

	_, _, err := store.Create(context.Background(), "Patient", Document{"id": "client-chosen"})
	if err == nil {
		t.Fatal("expected error for client-supplied id")
	}
	if got := statusOf(t, err); got != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", got)
	}
}

func TestCreateUnknownType(t *testing.T) {
	store, _ := newTestStore(t)

	_, _, err := store.Create(context.Background(), "Spaceship", Document{})
	if err == nil {
		t.Fatal("expected error for unknown resource type")
	}
	if got := statusOf(t, err); got != http.StatusNotFound {
		t.Errorf("status = %d, want 404", got)
	}
}

func TestReadDistinguishesMissingFromDeleted(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Read(ctx, "Patient", "never-existed"); statusOf(t, err) != http.StatusNotFound {
		t.Errorf("never-existing id should read 404")
	}

	stored := mustCreate(t, store, "Patient", Document{"gender": "male"})
	if err := store.Delete(ctx, "Patient", stored.ID, false); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Read(ctx, "Patient", stored.ID); statusOf(t, err) != http.StatusGone {
		t.Errorf("deleted id should read 410")
	}
}

func TestUpdateIncrementsVersion(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	stored := mustCreate(t, store, "Patient", Document{"gender": "female"})
	updated, created, _, err := store.Update(ctx, "Patient", stored.ID, Document{"gender": "other"}, 0)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if created {
		t.Error("update of existing resource reported as create")
	}
	if updated.VersionID != 2 {
		t.Errorf("version = %d, want 2", updated.VersionID)
	}
	if updated.Resource["gender"] != "other" {
		t.Error("update did not fully replace the document")
	}
}

func TestUpdateIsFullReplace(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	stored := mustCreate(t, store, "Patient", Document{"gender": "female", "birthDate": "1980-02-01"})
	updated, _, _, err := store.Update(ctx, "Patient", stored.ID, Document{"gender": "female"}, 0)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, ok := updated.Resource["birthDate"]; ok {
		t.Error("field from prior version survived a full replace")
	}
}

func TestUpdateIfMatchConflict(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	stored := mustCreate(t, store, "Patient", Document{})
	if _, _, _, err := store.Update(ctx, "Patient", stored.ID, Document{}, 1); err != nil {
		t.Fatalf("matching If-Match should succeed: %v", err)
	}
	_, _, _, err := store.Update(ctx, "Patient", stored.ID, Document{}, 1)
	if err == nil {
		t.Fatal("stale If-Match should conflict")
	}
	if got := statusOf(t, err); got != http.StatusConflict {
		t.Errorf("status = %d, want 409", got)
	}
}

func TestUpdateIDMismatch(t *testing.T) {
	store, _ := newTestStore(t)

	_, _, _, err := store.Update(context.Background(), "Patient", "abc", Document{"id": "xyz"}, 0)
	if err == nil {
		t.Fatal("expected error for body/path id mismatch")
	}
	if got := statusOf(t, err); got != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", got)
	}
}

func TestUpdateAsCreate(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	stored, created, _, err := store.Update(ctx, "Patient", "chosen-id", Document{"gender": "female"}, 0)
	if err != nil {
		t.Fatalf("update-as-create: %v", err)
	}
	if !created {
		t.Error("expected created=true")
	}
	if stored.VersionID != 1 {
		t.Errorf("version = %d, want 1", stored.VersionID)
	}
	if stored.ID != "chosen-id" {
		t.Errorf("id = %q, want chosen-id", stored.ID)
	}
}

func TestUpdateAsCreateDisabled(t *testing.T) {
	backend := NewMemBackend()
	store := NewStore(backend, DefaultRegistry(), NewHooks(), false, zerolog.Nop())

	_, _, _, err := store.Update(context.Background(), "Patient", "nope", Document{}, 0)
	if err == nil {
		t.Fatal("expected 404 with update-as-create disabled")
	}
	if got := statusOf(t, err); got != http.StatusNotFound {
		t.Errorf("status = %d, want 404", got)
	}
}

func TestVersionsContinueAfterDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	stored := mustCreate(t, store, "Patient", Document{})
	if _, _, _, err := store.Update(ctx, "Patient", stored.ID, Document{}, 0); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Delete(ctx, "Patient", stored.ID, false); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// v1 create, v2 update, v3 tombstone; recreation continues at v4.
	recreated, created, _, err := store.Update(ctx, "Patient", stored.ID, Document{}, 0)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if !created {
		t.Error("recreation should report created")
	}
	if recreated.VersionID != 4 {
		t.Errorf("version after delete = %d, want 4", recreated.VersionID)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Delete(ctx, "Patient", "never-existed", false); err != nil {
		t.Errorf("delete of missing id should succeed silently: %v", err)
	}

	stored := mustCreate(t, store, "Patient", Document{})
	if err := store.Delete(ctx, "Patient", stored.ID, false); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "Patient", stored.ID, false); err != nil {
		t.Errorf("repeated delete should succeed: %v", err)
	}

	// The second delete must not write a second tombstone.
	recs, total, err := store.History(ctx, "Patient", stored.ID, time.Time{}, 0, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if total != 2 || len(recs) != 2 {
		t.Fatalf("history length = %d (total %d), want 2", len(recs), total)
	}
	if !recs[0].Deleted() {
		t.Error("newest history entry should be the tombstone")
	}
}

// staleReadBackend serves GetCurrent with a decremented version while
// armed, standing in for a delete that read the document just before a
// concurrent update advanced it.
type staleReadBackend struct {
	*MemBackend
	stale int
}

func (b *staleReadBackend) GetCurrent(ctx context.Context, resourceType, id string) (*Stored, error) {
	cur, err := b.MemBackend.GetCurrent(ctx, resourceType, id)
	if err != nil || cur == nil || b.stale == 0 {
		return cur, err
	}
	b.stale--
	cur.VersionID--
	return cur, nil
}

func TestDeleteRetriesAfterVersionRace(t *testing.T) {
	backend := &staleReadBackend{MemBackend: NewMemBackend()}
	store := NewStore(backend, DefaultRegistry(), NewHooks(), true, zerolog.Nop())
	ctx := context.Background()

	stored := mustCreate(t, store, "Patient", Document{"gender": "male"})
	if _, _, _, err := store.Update(ctx, "Patient", stored.ID, Document{"gender": "female"}, 0); err != nil {
		t.Fatalf("update: %v", err)
	}

	// The delete's first read reports v1, so its tombstone collides with
	// the update's v2 history entry and must be retried at v3.
	backend.stale = 1
	if err := store.Delete(ctx, "Patient", stored.ID, false); err != nil {
		t.Fatalf("delete racing an update: %v", err)
	}

	if _, err := store.Read(ctx, "Patient", stored.ID); statusOf(t, err) != http.StatusGone {
		t.Errorf("deleted id should read 410, got %v", err)
	}
	recs, total, err := store.History(ctx, "Patient", stored.ID, time.Time{}, 0, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if total != 3 {
		t.Fatalf("history total = %d, want 3", total)
	}
	if !recs[0].Deleted() || recs[0].VersionID != 3 {
		t.Errorf("newest entry = v%d deleted=%v, want the v3 tombstone", recs[0].VersionID, recs[0].Deleted())
	}
}

func TestDeletePurgeErasesHistory(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	stored := mustCreate(t, store, "Patient", Document{})
	if err := store.Delete(ctx, "Patient", stored.ID, true); err != nil {
		t.Fatalf("purge delete: %v", err)
	}

	// With history gone the id reads as never-existing.
	if _, err := store.Read(ctx, "Patient", stored.ID); statusOf(t, err) != http.StatusNotFound {
		t.Error("purged id should read 404, not 410")
	}
	_, total, err := store.History(ctx, "Patient", stored.ID, time.Time{}, 0, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if total != 0 {
		t.Errorf("history total after purge = %d, want 0", total)
	}
}

func TestVRead(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	stored := mustCreate(t, store, "Patient", Document{"gender": "female"})
	if _, _, _, err := store.Update(ctx, "Patient", stored.ID, Document{"gender": "male"}, 0); err != nil {
		t.Fatalf("update: %v", err)
	}

	rec, err := store.VRead(ctx, "Patient", stored.ID, 1)
	if err != nil {
		t.Fatalf("vread v1: %v", err)
	}
	if rec.Resource["gender"] != "female" {
		t.Error("vread returned the wrong version")
	}

	if _, err := store.VRead(ctx, "Patient", stored.ID, 9); statusOf(t, err) != http.StatusNotFound {
		t.Error("missing version should read 404")
	}

	if err := store.Delete(ctx, "Patient", stored.ID, false); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.VRead(ctx, "Patient", stored.ID, 3); statusOf(t, err) != http.StatusGone {
		t.Error("tombstone version should read 410")
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	store.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}

	stored := mustCreate(t, store, "Patient", Document{})
	for i := 0; i < 2; i++ {
		if _, _, _, err := store.Update(ctx, "Patient", stored.ID, Document{}, 0); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	recs, total, err := store.History(ctx, "Patient", stored.ID, time.Time{}, 0, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	for i, want := range []int{3, 2, 1} {
		if recs[i].VersionID != want {
			t.Errorf("recs[%d].VersionID = %d, want %d", i, recs[i].VersionID, want)
		}
	}

	// _since keeps only the versions written at or after the cutoff.
	since := recs[1].LastUpdated
	filtered, _, err := store.History(ctx, "Patient", stored.ID, since, 0, 0)
	if err != nil {
		t.Fatalf("history since: %v", err)
	}
	if len(filtered) != 2 {
		t.Errorf("filtered history length = %d, want 2", len(filtered))
	}

	// Paging slices the newest-first sequence.
	page, pagedTotal, err := store.History(ctx, "Patient", stored.ID, time.Time{}, 1, 1)
	if err != nil {
		t.Fatalf("history page: %v", err)
	}
	if pagedTotal != 3 || len(page) != 1 || page[0].VersionID != 2 {
		t.Errorf("page = %+v (total %d), want the middle version", page, pagedTotal)
	}
}

func TestBeforeHookAltersResource(t *testing.T) {
	backend := NewMemBackend()
	hooks := NewHooks()
	hooks.Register([]Interaction{InteractionCreate}, []string{"Patient"}, HookFuncs{
		BeforeFunc: func(ctx context.Context, in Interaction, rt string, resource Document) (Document, *OperationOutcome, error) {
			altered := resource.Clone()
			altered["active"] = true
			return altered, nil, nil
		},
	})
	store := NewStore(backend, DefaultRegistry(), hooks, true, zerolog.Nop())

	stored := mustCreate(t, store, "Patient", Document{})
	if stored.Resource["active"] != true {
		t.Error("before hook alteration was not persisted")
	}
}

func TestBeforeHookVetoes(t *testing.T) {
	backend := NewMemBackend()
	hooks := NewHooks()
	hooks.Register([]Interaction{Wildcard}, []string{Wildcard}, HookFuncs{
		BeforeFunc: func(ctx context.Context, in Interaction, rt string, resource Document) (Document, *OperationOutcome, error) {
			return nil, NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, "rejected"), nil
		},
	})
	store := NewStore(backend, DefaultRegistry(), hooks, true, zerolog.Nop())

	_, outcome, err := store.Create(context.Background(), "Patient", Document{})
	if err != nil {
		t.Fatalf("veto should not be an error: %v", err)
	}
	if outcome == nil || outcome.Issue[0].Diagnostics != "rejected" {
		t.Fatalf("outcome = %+v, want the veto outcome", outcome)
	}

	// Nothing was written.
	list, err := store.All(context.Background(), "Patient")
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(list) != 0 {
		t.Error("vetoed create left a stored resource behind")
	}
}

func TestAfterHookSeesTransformsOnRead(t *testing.T) {
	backend := NewMemBackend()
	hooks := NewHooks()
	var seen Document
	hooks.Register([]Interaction{InteractionRead}, []string{"Patient"}, HookFuncs{
		AfterFunc: func(ctx context.Context, in Interaction, rt string, data Document) (Document, *OperationOutcome, error) {
			if tr, ok := data["_transforms"].(map[string]interface{}); ok {
				seen = Document(tr)
			}
			return nil, nil, nil
		},
	})
	store := NewStore(backend, DefaultRegistry(), hooks, true, zerolog.Nop())

	stored := mustCreate(t, store, "Patient", Document{
		"name": []interface{}{map[string]interface{}{"family": "Chalmers"}},
	})
	got, err := store.Read(context.Background(), "Patient", stored.ID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if seen == nil {
		t.Fatal("after hook never saw the derived transforms")
	}
	if _, ok := got.Resource["_transforms"]; ok {
		t.Error("derived transforms leaked into the response document")
	}
}
