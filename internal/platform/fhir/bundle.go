package fhir

import (
	"fmt"
	"strconv"
	"time"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource Document        `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode      string      `json:"mode,omitempty"`
	Score     *float64    `json:"score,omitempty"`
	Extension []Extension `json:"extension,omitempty"`
}

// Extension carries the match-grade annotation on $match results.
type Extension struct {
	URL       string `json:"url"`
	ValueCode string `json:"valueCode,omitempty"`
}

type BundleRequest struct {
	Method  string `json:"method"`
	URL     string `json:"url"`
	IfMatch string `json:"ifMatch,omitempty"`
}

type BundleResponse struct {
	Status       string      `json:"status"`
	Location     string      `json:"location,omitempty"`
	ETag         string      `json:"etag,omitempty"`
	LastModified *time.Time  `json:"lastModified,omitempty"`
	Outcome      interface{} `json:"outcome,omitempty"`
}

// FormatVersionID renders a numeric version as the wire version string.
func FormatVersionID(v int) string {
	return strconv.Itoa(v)
}

// ParseVersionID parses a wire version string back to its numeric form.
func ParseVersionID(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("version id must be numeric: %q", s)
	}
	return v, nil
}

// FormatLocation builds the Location header value for a stored version.
func FormatLocation(resourceType, id string, versionID int) string {
	return fmt.Sprintf("%s/%s/_history/%s", resourceType, id, FormatVersionID(versionID))
}

// NewSearchBundle creates a searchset Bundle from live resources. Entries
// keep the storage order handed in, which the store guarantees to be
// deterministic for identical queries over unchanged data.
func NewSearchBundle(resources []Document, total int) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(resources))
	for i, r := range resources {
		entries[i] = BundleEntry{
			FullURL:  fullURLFor(r),
			Resource: r,
			Search:   &BundleSearch{Mode: "match"},
		}
	}
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Entry:        entries,
	}
}

// NewCountBundle creates a total-only searchset for _summary=count.
func NewCountBundle(total int) *Bundle {
	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
	}
}

// NewHistoryBundle creates a history Bundle, newest first. Each entry
// reports the interaction recorded for that version.
func NewHistoryBundle(records []*HistoryRecord, total int) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(records))
	for i, rec := range records {
		status := "200 OK"
		switch rec.RequestMethod {
		case "POST":
			status = "201 Created"
		case "DELETE":
			status = "204 No Content"
		}
		ts := rec.LastUpdated
		entries[i] = BundleEntry{
			FullURL:  fmt.Sprintf("%s/%s/_history/%s", rec.ResourceType, rec.ResourceID, FormatVersionID(rec.VersionID)),
			Resource: rec.Resource,
			Request: &BundleRequest{
				Method: rec.RequestMethod,
				URL:    fmt.Sprintf("%s/%s", rec.ResourceType, rec.ResourceID),
			},
			Response: &BundleResponse{
				Status:       status,
				ETag:         FormatETag(rec.VersionID),
				LastModified: &ts,
			},
		}
	}
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "history",
		Total:        &total,
		Timestamp:    &now,
		Entry:        entries,
	}
}

// NewTransactionResponse creates a transaction-response Bundle.
func NewTransactionResponse(entries []BundleEntry) *Bundle {
	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "transaction-response",
		Timestamp:    &now,
		Entry:        entries,
	}
}

// NewBatchResponse creates a batch-response Bundle.
func NewBatchResponse(entries []BundleEntry) *Bundle {
	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "batch-response",
		Timestamp:    &now,
		Entry:        entries,
	}
}

func fullURLFor(r Document) string {
	rt := r.ResourceType()
	id := r.ID()
	if rt == "" || id == "" {
		return ""
	}
	return rt + "/" + id
}

// FormatETag creates a weak ETag from a version id.
func FormatETag(versionID int) string {
	return fmt.Sprintf(`W/"%d"`, versionID)
}
