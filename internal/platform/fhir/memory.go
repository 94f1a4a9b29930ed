package fhir

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemBackend is an in-memory Backend suitable for testing and development.
// It mirrors the semantics of the Postgres backend, including the version
// CAS on current documents and the history uniqueness constraint.
type MemBackend struct {
	mu      sync.RWMutex
	current map[string]map[string]*Stored
	history map[string][]*HistoryRecord
	index   map[string]map[string][]IndexEntry
}

func NewMemBackend() *MemBackend {
	return &MemBackend{
		current: map[string]map[string]*Stored{},
		history: map[string][]*HistoryRecord{},
		index:   map[string]map[string][]IndexEntry{},
	}
}

func copyStored(s *Stored) *Stored {
	cp := *s
	cp.Resource = s.Resource.Clone()
	cp.Transforms = s.Transforms.Clone()
	return &cp
}

func (m *MemBackend) GetCurrent(_ context.Context, resourceType, id string) (*Stored, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.current[resourceType][id]
	if !ok {
		return nil, nil
	}
	return copyStored(s), nil
}

func (m *MemBackend) PutCurrent(_ context.Context, s *Stored, expectVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.current[s.ResourceType]
	if byID == nil {
		byID = map[string]*Stored{}
		m.current[s.ResourceType] = byID
	}
	existing, ok := byID[s.ID]
	if expectVersion == 0 {
		if ok {
			return ErrVersionConflict
		}
	} else {
		if !ok || existing.VersionID != expectVersion {
			return ErrVersionConflict
		}
	}
	byID[s.ID] = copyStored(s)
	return nil
}

func (m *MemBackend) DeleteCurrent(_ context.Context, resourceType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.current[resourceType], id)
	return nil
}

func (m *MemBackend) ListCurrent(_ context.Context, resourceType string) ([]*Stored, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID := m.current[resourceType]
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*Stored, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyStored(byID[id]))
	}
	return out, nil
}

func (m *MemBackend) GetMany(_ context.Context, resourceType string, ids []string) ([]*Stored, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID := m.current[resourceType]
	var out []*Stored
	for _, id := range ids {
		if s, ok := byID[id]; ok {
			out = append(out, copyStored(s))
		}
	}
	return out, nil
}

func (m *MemBackend) InsertHistory(_ context.Context, rec *HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.history[rec.ResourceType] {
		if h.ResourceID == rec.ResourceID && h.VersionID == rec.VersionID {
			return ErrDuplicateVersion
		}
	}
	cp := *rec
	cp.Resource = rec.Resource.Clone()
	m.history[rec.ResourceType] = append(m.history[rec.ResourceType], &cp)
	return nil
}

func (m *MemBackend) GetHistoryVersion(_ context.Context, resourceType, id string, versionID int) (*HistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range m.history[resourceType] {
		if h.ResourceID == id && h.VersionID == versionID {
			cp := *h
			cp.Resource = h.Resource.Clone()
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemBackend) ListHistory(_ context.Context, resourceType, id string, since time.Time, limit, offset int) ([]*HistoryRecord, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*HistoryRecord
	for _, h := range m.history[resourceType] {
		if id != "" && h.ResourceID != id {
			continue
		}
		if !since.IsZero() && h.LastUpdated.Before(since) {
			continue
		}
		matched = append(matched, h)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].LastUpdated.Equal(matched[j].LastUpdated) {
			return matched[i].LastUpdated.After(matched[j].LastUpdated)
		}
		return matched[i].VersionID > matched[j].VersionID
	})

	total := len(matched)
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*HistoryRecord, len(matched))
	for i, h := range matched {
		cp := *h
		cp.Resource = h.Resource.Clone()
		out[i] = &cp
	}
	return out, total, nil
}

func (m *MemBackend) PurgeHistory(_ context.Context, resourceType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*HistoryRecord
	for _, h := range m.history[resourceType] {
		if h.ResourceID != id {
			kept = append(kept, h)
		}
	}
	m.history[resourceType] = kept
	return nil
}

func (m *MemBackend) PutIndex(_ context.Context, resourceType, id string, entries []IndexEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.index[resourceType]
	if byID == nil {
		byID = map[string][]IndexEntry{}
		m.index[resourceType] = byID
	}
	byID[id] = append([]IndexEntry(nil), entries...)
	return nil
}

func (m *MemBackend) DeleteIndex(_ context.Context, resourceType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.index[resourceType], id)
	return nil
}

func (m *MemBackend) HasTokenSystem(_ context.Context, resourceType, param, system string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, entries := range m.index[resourceType] {
		for _, e := range entries {
			if e.Param == param && e.System == system {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *MemBackend) SearchIDs(_ context.Context, f *Filter) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	allowed := map[string]bool{}
	if f.IDs != nil {
		for _, id := range f.IDs {
			allowed[id] = true
		}
	}

	var ids []string
	for id := range m.current[f.ResourceType] {
		if f.IDs != nil && !allowed[id] {
			continue
		}
		if m.matches(f, id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	if len(f.Sort) > 0 {
		m.applySort(f, ids)
	}
	return ids, nil
}

func (m *MemBackend) matches(f *Filter, id string) bool {
	entries := m.index[f.ResourceType][id]
	for _, cond := range f.Conditions {
		if !condMatches(cond, entries) {
			return false
		}
	}
	return true
}

func condMatches(cond Condition, entries []IndexEntry) bool {
	var forParam []IndexEntry
	for _, e := range entries {
		if e.Param == cond.Param {
			forParam = append(forParam, e)
		}
	}

	for _, p := range cond.Alternatives {
		if p.Modifier == ModMissing {
			if (len(forParam) == 0) == p.MissingWanted {
				return true
			}
			continue
		}
		for _, e := range forParam {
			if predMatches(p, e) {
				return true
			}
		}
	}
	return false
}

func predMatches(p Predicate, e IndexEntry) bool {
	switch p.Type {
	case ParamString:
		return e.String != "" && p.MatchString(e.String)
	case ParamToken:
		return p.MatchToken(e.System, e.Code)
	case ParamDate:
		return e.HasDate && p.MatchDate(e.Date)
	case ParamNumber:
		return e.HasNumber && p.MatchNumber(e.Number)
	case ParamReference:
		return e.Reference != "" && p.MatchReference(e.Reference)
	}
	return false
}

// applySort orders ids by the first index value of each sort parameter.
// Unindexed ids sort last; the id itself is the final tiebreak, keeping
// result order deterministic across identical queries.
func (m *MemBackend) applySort(f *Filter, ids []string) {
	key := func(id, param string) (string, bool) {
		for _, e := range m.index[f.ResourceType][id] {
			if e.Param != param {
				continue
			}
			switch {
			case e.String != "":
				return e.String, true
			case e.HasDate:
				return e.Date.UTC().Format(time.RFC3339), true
			case e.Code != "":
				return e.Code, true
			case e.Reference != "":
				return e.Reference, true
			}
		}
		return "", false
	}
	sort.SliceStable(ids, func(i, j int) bool {
		for _, sk := range f.Sort {
			vi, oki := key(ids[i], sk.Param)
			vj, okj := key(ids[j], sk.Param)
			if !oki && !okj {
				continue
			}
			if oki != okj {
				return oki
			}
			if vi == vj {
				continue
			}
			if sk.Descending {
				return vi > vj
			}
			return vi < vj
		}
		return ids[i] < ids[j]
	})
}
