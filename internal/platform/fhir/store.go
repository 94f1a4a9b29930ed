package fhir

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// casRetries bounds the re-read attempts after a version CAS miss before
// the update fails with a conflict.
const casRetries = 3

// Store implements the versioned resource interactions over a Backend:
// per-type CRUD with append-only history, optimistic concurrency via
// version tags, and the 410/404 read distinction.
type Store struct {
	backend      Backend
	registry     *Registry
	indexer      *Indexer
	hooks        *Hooks
	updateCreate bool
	log          zerolog.Logger
	now          func() time.Time
}

// NewStore creates a Store. updateCreate enables update-as-create (PUT to
// a missing id succeeds with 201) when true.
func NewStore(backend Backend, registry *Registry, hooks *Hooks, updateCreate bool, log zerolog.Logger) *Store {
	return &Store{
		backend:      backend,
		registry:     registry,
		indexer:      NewIndexer(registry),
		hooks:        hooks,
		updateCreate: updateCreate,
		log:          log.With().Str("component", "store").Logger(),
		now:          time.Now,
	}
}

// Backend exposes the underlying storage, used by the compiler and the
// matching engine which share it.
func (s *Store) Backend() Backend { return s.backend }

// Registry exposes the loaded search parameter tables.
func (s *Store) Registry() *Registry { return s.registry }

// Create stores a new resource. The server assigns the id; a caller
// supplied id is a validation error. The first version is 1.
func (s *Store) Create(ctx context.Context, resourceType string, doc Document) (*Stored, *OperationOutcome, error) {
	if !s.registry.Supports(resourceType) {
		return nil, nil, NotFoundError("unknown resource type %s", resourceType)
	}
	if doc.ID() != "" {
		return nil, nil, ValidationError("id must not be supplied on create")
	}

	doc, outcome, err := s.hooks.RunBefore(ctx, InteractionCreate, resourceType, doc)
	if err != nil {
		return nil, nil, AsError(err)
	}
	if outcome != nil {
		return nil, outcome, nil
	}

	id := uuid.NewString()
	now := s.now().UTC()
	body := doc.Clone()
	extra := popTransforms(body)
	body["resourceType"] = resourceType
	body["id"] = id
	body.SetMeta(1, now)

	stored := &Stored{
		ResourceType:  resourceType,
		ID:            id,
		VersionID:     1,
		Resource:      body,
		RequestMethod: "POST",
		Transforms:    mergeTransforms(s.indexer.Transforms(resourceType, body), extra),
		LastUpdated:   now,
	}

	if err := s.writeVersion(ctx, stored, 0); err != nil {
		return nil, nil, err
	}

	data, outcome, err := s.hooks.RunAfter(ctx, InteractionCreate, resourceType, stored.Resource)
	if err != nil {
		return nil, nil, AsError(err)
	}
	if outcome != nil {
		return nil, outcome, nil
	}
	if data != nil {
		stored.Resource = data
	}

	s.log.Debug().Str("type", resourceType).Str("id", id).Msg("resource created")
	return stored, nil, nil
}

// Read returns the live version of a resource. A never-existing id reads
// as not found; an id with history but no current document reads as gone.
func (s *Store) Read(ctx context.Context, resourceType, id string) (*Stored, error) {
	cur, err := s.backend.GetCurrent(ctx, resourceType, id)
	if err != nil {
		return nil, InternalError("%s", err.Error())
	}
	if cur == nil {
		_, total, herr := s.backend.ListHistory(ctx, resourceType, id, time.Time{}, 1, 0)
		if herr != nil {
			return nil, InternalError("%s", herr.Error())
		}
		if total > 0 {
			return nil, GoneError(resourceType, id)
		}
		return nil, NotFoundError("%s/%s not found", resourceType, id)
	}

	// After hooks see the derived transforms under a reserved key that is
	// stripped again before the document leaves the store.
	hookView := cur.Resource
	if cur.Transforms != nil {
		hookView = cur.Resource.Clone()
		hookView["_transforms"] = map[string]interface{}(cur.Transforms)
	}
	data, outcome, err := s.hooks.RunAfter(ctx, InteractionRead, resourceType, hookView)
	if err != nil {
		return nil, AsError(err)
	}
	if outcome != nil {
		return nil, ValidationError("%s", outcomeDiagnostics(outcome))
	}
	if data == nil {
		data = hookView
	}
	delete(data, "_transforms")
	cur.Resource = data
	return cur, nil
}

// popTransforms removes any hook-attached derived fields from the body
// before it is persisted as the client-visible document.
func popTransforms(body Document) Document {
	raw, ok := body["_transforms"].(map[string]interface{})
	if !ok {
		delete(body, "_transforms")
		return nil
	}
	delete(body, "_transforms")
	return Document(raw)
}

func mergeTransforms(computed, extra Document) Document {
	if extra == nil {
		return computed
	}
	if computed == nil {
		computed = Document{}
	}
	for k, v := range extra {
		computed[k] = v
	}
	return computed
}

// VRead returns one exact version from history. The version must exist
// even when the id does; a tombstone version reads as gone.
func (s *Store) VRead(ctx context.Context, resourceType, id string, versionID int) (*HistoryRecord, error) {
	rec, err := s.backend.GetHistoryVersion(ctx, resourceType, id, versionID)
	if err != nil {
		return nil, InternalError("%s", err.Error())
	}
	if rec == nil {
		return nil, NotFoundError("%s/%s version %d not found", resourceType, id, versionID)
	}
	if rec.Deleted() {
		return nil, GoneError(resourceType, id)
	}
	return rec, nil
}

// Update replaces a resource in full. ifMatchVersion 0 means
// unconditional. The returned bool reports update-as-create.
func (s *Store) Update(ctx context.Context, resourceType, id string, doc Document, ifMatchVersion int) (*Stored, bool, *OperationOutcome, error) {
	if !s.registry.Supports(resourceType) {
		return nil, false, nil, NotFoundError("unknown resource type %s", resourceType)
	}
	if docID := doc.ID(); docID != "" && docID != id {
		return nil, false, nil, ValidationError("resource id %q does not match request id %q", docID, id)
	}

	doc, outcome, err := s.hooks.RunBefore(ctx, InteractionUpdate, resourceType, doc)
	if err != nil {
		return nil, false, nil, AsError(err)
	}
	if outcome != nil {
		return nil, false, outcome, nil
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		cur, gerr := s.backend.GetCurrent(ctx, resourceType, id)
		if gerr != nil {
			return nil, false, nil, InternalError("%s", gerr.Error())
		}

		if cur == nil {
			if !s.updateCreate {
				return nil, false, nil, NotFoundError("%s/%s not found", resourceType, id)
			}
			stored, werr := s.createAsUpdate(ctx, resourceType, id, doc)
			if werr != nil {
				if errors.Is(werr, errRetryWrite) {
					continue
				}
				return nil, false, nil, werr
			}
			return s.afterUpdate(ctx, stored, true)
		}

		if ifMatchVersion > 0 && ifMatchVersion != cur.VersionID {
			return nil, false, nil, ConflictError("version mismatch: expected %d, current is %d", ifMatchVersion, cur.VersionID)
		}

		now := s.now().UTC()
		body := doc.Clone()
		extra := popTransforms(body)
		body["resourceType"] = resourceType
		body["id"] = id
		body.SetMeta(cur.VersionID+1, now)

		stored := &Stored{
			ResourceType:  resourceType,
			ID:            id,
			VersionID:     cur.VersionID + 1,
			Resource:      body,
			RequestMethod: "PUT",
			Transforms:    mergeTransforms(s.indexer.Transforms(resourceType, body), extra),
			LastUpdated:   now,
		}

		werr := s.writeVersion(ctx, stored, cur.VersionID)
		if werr != nil {
			if errors.Is(werr, errRetryWrite) {
				continue
			}
			return nil, false, nil, werr
		}
		s.log.Debug().Str("type", resourceType).Str("id", id).Int("version", stored.VersionID).Msg("resource updated")
		return s.afterUpdate(ctx, stored, false)
	}

	return nil, false, nil, ConflictError("update of %s/%s lost the version race", resourceType, id)
}

// createAsUpdate handles PUT to a missing id with updateCreate enabled.
// Versions continue after any prior delete so the history uniqueness
// constraint holds.
func (s *Store) createAsUpdate(ctx context.Context, resourceType, id string, doc Document) (*Stored, error) {
	recs, _, err := s.backend.ListHistory(ctx, resourceType, id, time.Time{}, 1, 0)
	if err != nil {
		return nil, InternalError("%s", err.Error())
	}
	version := 1
	if len(recs) > 0 {
		version = recs[0].VersionID + 1
	}

	now := s.now().UTC()
	body := doc.Clone()
	extra := popTransforms(body)
	body["resourceType"] = resourceType
	body["id"] = id
	body.SetMeta(version, now)

	stored := &Stored{
		ResourceType:  resourceType,
		ID:            id,
		VersionID:     version,
		Resource:      body,
		RequestMethod: "PUT",
		Transforms:    mergeTransforms(s.indexer.Transforms(resourceType, body), extra),
		LastUpdated:   now,
	}
	if err := s.writeVersion(ctx, stored, 0); err != nil {
		return nil, err
	}
	s.log.Debug().Str("type", resourceType).Str("id", id).Msg("resource created via update")
	return stored, nil
}

func (s *Store) afterUpdate(ctx context.Context, stored *Stored, created bool) (*Stored, bool, *OperationOutcome, error) {
	data, outcome, err := s.hooks.RunAfter(ctx, InteractionUpdate, stored.ResourceType, stored.Resource)
	if err != nil {
		return nil, false, nil, AsError(err)
	}
	if outcome != nil {
		return nil, false, outcome, nil
	}
	if data != nil {
		stored.Resource = data
	}
	return stored, created, nil, nil
}

// errRetryWrite signals a CAS miss that the update loop should absorb by
// re-reading the current version.
var errRetryWrite = errors.New("retry write")

// writeVersion appends the history entry and replaces the current
// document. The history uniqueness constraint makes a lost update
// impossible: a concurrent writer racing to the same version loses on the
// insert and retries against the advanced version.
func (s *Store) writeVersion(ctx context.Context, stored *Stored, expectVersion int) error {
	rec := &HistoryRecord{
		ResourceType:  stored.ResourceType,
		ResourceID:    stored.ID,
		VersionID:     stored.VersionID,
		Resource:      stored.Resource,
		RequestMethod: stored.RequestMethod,
		LastUpdated:   stored.LastUpdated,
	}
	if err := s.backend.InsertHistory(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateVersion) {
			return errRetryWrite
		}
		return InternalError("%s", err.Error())
	}
	if err := s.backend.PutCurrent(ctx, stored, expectVersion); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return errRetryWrite
		}
		return InternalError("%s", err.Error())
	}
	if err := s.backend.PutIndex(ctx, stored.ResourceType, stored.ID, s.indexer.Extract(stored.ResourceType, stored.Resource)); err != nil {
		return InternalError("%s", err.Error())
	}
	return nil
}

// Delete removes the live document, writing a history tombstone unless
// the resource never existed. Deleting a missing id succeeds silently.
// purge additionally removes every history entry for the id.
func (s *Store) Delete(ctx context.Context, resourceType, id string, purge bool) error {
	_, outcome, err := s.hooks.RunBefore(ctx, InteractionDelete, resourceType, nil)
	if err != nil {
		return AsError(err)
	}
	if outcome != nil {
		return ValidationError("%s", outcomeDiagnostics(outcome))
	}

	if err := s.deleteCurrent(ctx, resourceType, id, purge); err != nil {
		return err
	}

	if purge {
		if err := s.backend.PurgeHistory(ctx, resourceType, id); err != nil {
			return InternalError("%s", err.Error())
		}
	}

	_, _, err = s.hooks.RunAfter(ctx, InteractionDelete, resourceType, nil)
	if err != nil {
		return AsError(err)
	}
	return nil
}

// deleteCurrent tombstones and removes the live document. A concurrent
// update advancing the version makes the tombstone insert collide on the
// history uniqueness constraint; the loop re-reads and tombstones the
// advanced version, the same way Update absorbs a CAS miss.
func (s *Store) deleteCurrent(ctx context.Context, resourceType, id string, purge bool) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		cur, err := s.backend.GetCurrent(ctx, resourceType, id)
		if err != nil {
			return InternalError("%s", err.Error())
		}
		if cur == nil {
			return nil
		}

		rec := &HistoryRecord{
			ResourceType:  resourceType,
			ResourceID:    id,
			VersionID:     cur.VersionID + 1,
			RequestMethod: "DELETE",
			LastUpdated:   s.now().UTC(),
		}
		if err := s.backend.InsertHistory(ctx, rec); err != nil {
			if errors.Is(err, ErrDuplicateVersion) {
				continue
			}
			return InternalError("%s", err.Error())
		}
		if err := s.backend.DeleteCurrent(ctx, resourceType, id); err != nil {
			return InternalError("%s", err.Error())
		}
		if err := s.backend.DeleteIndex(ctx, resourceType, id); err != nil {
			return InternalError("%s", err.Error())
		}
		s.log.Debug().Str("type", resourceType).Str("id", id).Bool("purge", purge).Msg("resource deleted")
		return nil
	}
	return ConflictError("delete of %s/%s lost the version race", resourceType, id)
}

// History lists versions newest first. id "" spans the resource type; a
// zero since disables the lastUpdated filter.
func (s *Store) History(ctx context.Context, resourceType, id string, since time.Time, limit, offset int) ([]*HistoryRecord, int, error) {
	recs, total, err := s.backend.ListHistory(ctx, resourceType, id, since, limit, offset)
	if err != nil {
		return nil, 0, InternalError("%s", err.Error())
	}
	return recs, total, nil
}

// Search executes a compiled filter and returns the page of matching
// resources plus the unpaged total.
func (s *Store) Search(ctx context.Context, f *Filter, limit, offset int) ([]Document, int, error) {
	ids, err := s.backend.SearchIDs(ctx, f)
	if err != nil {
		return nil, 0, InternalError("%s", err.Error())
	}
	total := len(ids)
	if offset > len(ids) {
		offset = len(ids)
	}
	ids = ids[offset:]
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	stored, err := s.backend.GetMany(ctx, f.ResourceType, ids)
	if err != nil {
		return nil, 0, InternalError("%s", err.Error())
	}
	docs := make([]Document, len(stored))
	for i, st := range stored {
		docs[i] = st.Resource
	}
	return docs, total, nil
}

// All streams every live document of a type, used by the matching scan.
func (s *Store) All(ctx context.Context, resourceType string) ([]*Stored, error) {
	stored, err := s.backend.ListCurrent(ctx, resourceType)
	if err != nil {
		return nil, InternalError("%s", err.Error())
	}
	return stored, nil
}

func outcomeDiagnostics(o *OperationOutcome) string {
	if o == nil || len(o.Issue) == 0 {
		return ""
	}
	return o.Issue[0].Diagnostics
}
