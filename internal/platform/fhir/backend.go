package fhir

import (
	"context"
	"errors"
	"time"
)

// Backend errors surfaced by storage implementations. The store translates
// these into interaction-level errors.
var (
	// ErrVersionConflict reports a compare-and-swap miss on the current
	// document: another writer advanced the version first.
	ErrVersionConflict = errors.New("version conflict")
	// ErrDuplicateVersion reports a history insert that violated the
	// (type, id, version) uniqueness constraint.
	ErrDuplicateVersion = errors.New("duplicate history version")
)

// IndexEntry is one derived search value for a resource, written alongside
// the document and queried by the compiled filters. Which fields are
// populated depends on the parameter type.
type IndexEntry struct {
	Param string

	String    string
	System    string
	Code      string
	Date      time.Time
	HasDate   bool
	Number    float64
	HasNumber bool
	Reference string
}

// ComparePrefix is a parsed ordered-value operator.
type ComparePrefix string

const (
	CmpEq ComparePrefix = "eq"
	CmpNe ComparePrefix = "ne"
	CmpGt ComparePrefix = "gt"
	CmpLt ComparePrefix = "lt"
	CmpGe ComparePrefix = "ge"
	CmpLe ComparePrefix = "le"
)

// Modifier is a parsed search parameter modifier.
type Modifier string

const (
	ModNone     Modifier = ""
	ModExact    Modifier = "exact"
	ModContains Modifier = "contains"
	ModMissing  Modifier = "missing"
)

// Predicate is one executable value constraint against the index.
type Predicate struct {
	Type     ParamType
	Modifier Modifier

	// string
	String string

	// token: SystemOnly matches any code under System; System=="" with
	// Code set matches the code regardless of system unless BareSystem
	// is false and the query pinned an empty system ("|code").
	System     string
	Code       string
	SystemOnly bool
	AnySystem  bool

	// date: the operand widened to [DateLo, DateHi) per its precision.
	Op     ComparePrefix
	DateLo time.Time
	DateHi time.Time

	// number
	Number float64

	// reference: either a single literal or a resolved id set from a
	// chained sub-query.
	Reference string
	RefSet    []string

	// missing modifier: true means "no value indexed for this parameter".
	MissingWanted bool
}

// Condition constrains one parameter occurrence. Alternatives are OR'd
// (comma-separated values); separate Conditions are AND'd.
type Condition struct {
	Param        string
	Alternatives []Predicate
}

// SortKey orders search results by an indexed parameter.
type SortKey struct {
	Param      string
	Descending bool
}

// Filter is the storage-level output of the search parameter compiler.
type Filter struct {
	ResourceType string
	IDs          []string // _id constraint; nil means unconstrained
	Conditions   []Condition
	Sort         []SortKey
	CountOnly    bool
}

// Backend is the capability contract required of the storage engine:
// collection-scoped CRUD on current documents, atomic single-document
// replace guarded by version, history append with a uniqueness constraint,
// and indexed predicate queries.
type Backend interface {
	// GetCurrent returns the live document or nil when absent.
	GetCurrent(ctx context.Context, resourceType, id string) (*Stored, error)
	// PutCurrent inserts (expectVersion 0) or replaces the live document.
	// A replace only succeeds when the stored version still equals
	// expectVersion; otherwise ErrVersionConflict.
	PutCurrent(ctx context.Context, s *Stored, expectVersion int) error
	DeleteCurrent(ctx context.Context, resourceType, id string) error
	// ListCurrent returns all live documents of a type ordered by id.
	ListCurrent(ctx context.Context, resourceType string) ([]*Stored, error)
	// GetMany returns live documents for the given ids preserving order;
	// missing ids are skipped.
	GetMany(ctx context.Context, resourceType string, ids []string) ([]*Stored, error)

	InsertHistory(ctx context.Context, rec *HistoryRecord) error
	GetHistoryVersion(ctx context.Context, resourceType, id string, versionID int) (*HistoryRecord, error)
	// ListHistory returns versions newest first. id "" spans the whole
	// resource type. A zero since disables the lastUpdated filter.
	ListHistory(ctx context.Context, resourceType, id string, since time.Time, limit, offset int) ([]*HistoryRecord, int, error)
	PurgeHistory(ctx context.Context, resourceType, id string) error

	// PutIndex replaces all index rows for a resource id.
	PutIndex(ctx context.Context, resourceType, id string, entries []IndexEntry) error
	DeleteIndex(ctx context.Context, resourceType, id string) error
	// SearchIDs evaluates the filter and returns matching resource ids in
	// a deterministic order.
	SearchIDs(ctx context.Context, f *Filter) ([]string, error)
	// HasTokenSystem reports whether any indexed token value for the
	// parameter carries the given system.
	HasTokenSystem(ctx context.Context, resourceType, param, system string) (bool, error)
}
