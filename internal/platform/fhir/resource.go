package fhir

import (
	"encoding/json"
	"time"
)

// Document is a schema-loose resource body. Resource shapes are data-driven
// from the loaded search parameter definitions, so resources are held as
// generic JSON maps rather than per-type structs.
type Document map[string]interface{}

// Clone returns a deep copy of the document via a JSON round-trip.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	raw, _ := json.Marshal(d)
	var out Document
	_ = json.Unmarshal(raw, &out)
	return out
}

// ResourceType returns the document's resourceType field, if any.
func (d Document) ResourceType() string {
	rt, _ := d["resourceType"].(string)
	return rt
}

// ID returns the document's id field, if any.
func (d Document) ID() string {
	id, _ := d["id"].(string)
	return id
}

// SetMeta stamps the server-managed meta block onto the document.
func (d Document) SetMeta(versionID int, lastUpdated time.Time) {
	meta, _ := d["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["versionId"] = FormatVersionID(versionID)
	meta["lastUpdated"] = lastUpdated.UTC().Format(time.RFC3339)
	d["meta"] = meta
}

// Meta is the server-managed portion of a resource.
type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
}

// Stored is one live resource as held in the current collection, wrapped
// with the write-time provenance and derived fields that never leave the
// server.
type Stored struct {
	ResourceType string
	ID           string
	VersionID    int
	Resource     Document
	// RequestMethod is the HTTP method that produced this version
	// (POST, PUT or DELETE). History and transaction formatting report
	// the interaction from it.
	RequestMethod string
	// Transforms holds derived write-time fields (index values, phonetic
	// encodings, blob references). Discarded on response serialization.
	Transforms  Document
	LastUpdated time.Time
}

// HistoryRecord is one version ever written for an id, including the
// terminal delete marker.
type HistoryRecord struct {
	ResourceType  string
	ResourceID    string
	VersionID     int
	Resource      Document // nil for delete markers
	RequestMethod string
	LastUpdated   time.Time
}

// Deleted reports whether the record is a delete tombstone.
func (h *HistoryRecord) Deleted() bool {
	return h.RequestMethod == "DELETE"
}
