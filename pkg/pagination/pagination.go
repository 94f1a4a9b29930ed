// Package pagination parses the _count/_offset search controls and
// builds the Bundle paging links derived from them.
package pagination

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is one request's page window.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads _count and _offset off the request, applying the
// default and the cap. Absent or unparseable values fall back to the
// default window.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("_count"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("_offset"))
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// FHIRLinks builds the self/next/previous links for a searchset over
// total results. basePath is the request path, e.g. "/fhir/Patient".
func (p Params) FHIRLinks(basePath string, total int) []FHIRLink {
	links := []FHIRLink{
		{Relation: "self", URL: p.pageURL(basePath, p.Offset)},
	}
	if p.Offset+p.Limit < total {
		links = append(links, FHIRLink{Relation: "next", URL: p.pageURL(basePath, p.Offset+p.Limit)})
	}
	if p.Offset > 0 {
		prev := p.Offset - p.Limit
		if prev < 0 {
			prev = 0
		}
		links = append(links, FHIRLink{Relation: "previous", URL: p.pageURL(basePath, prev)})
	}
	return links
}

func (p Params) pageURL(basePath string, offset int) string {
	return fmt.Sprintf("%s?_offset=%d&_count=%d", basePath, offset, p.Limit)
}

// FHIRLink is one Bundle.link entry.
type FHIRLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}
