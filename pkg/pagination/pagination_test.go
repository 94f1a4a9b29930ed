package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(t *testing.T, target string) Params {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		name   string
		target string
		limit  int
		offset int
	}{
		{"defaults", "/", DefaultLimit, 0},
		{"explicit window", "/?_count=25&_offset=5", 25, 5},
		{"capped count", "/?_count=500", MaxLimit, 0},
		{"negative offset clamped", "/?_offset=-5", DefaultLimit, 0},
		{"garbage falls back", "/?_count=lots&_offset=some", DefaultLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := paramsFor(t, tt.target)
			if p.Limit != tt.limit || p.Offset != tt.offset {
				t.Errorf("params = %d/%d, want %d/%d", p.Limit, p.Offset, tt.limit, tt.offset)
			}
		})
	}
}

func linkMap(links []FHIRLink) map[string]string {
	m := make(map[string]string, len(links))
	for _, l := range links {
		m[l.Relation] = l.URL
	}
	return m
}

func TestFHIRLinksFirstPage(t *testing.T) {
	links := linkMap(Params{Limit: 10, Offset: 0}.FHIRLinks("/fhir/Patient", 25))

	if got := links["self"]; got != "/fhir/Patient?_offset=0&_count=10" {
		t.Errorf("self = %q", got)
	}
	if got := links["next"]; got != "/fhir/Patient?_offset=10&_count=10" {
		t.Errorf("next = %q", got)
	}
	if _, ok := links["previous"]; ok {
		t.Error("first page must not link previous")
	}
}

func TestFHIRLinksMiddlePage(t *testing.T) {
	links := linkMap(Params{Limit: 10, Offset: 10}.FHIRLinks("/fhir/Patient", 25))

	if got := links["previous"]; got != "/fhir/Patient?_offset=0&_count=10" {
		t.Errorf("previous = %q", got)
	}
	if got := links["next"]; got != "/fhir/Patient?_offset=20&_count=10" {
		t.Errorf("next = %q", got)
	}
}

func TestFHIRLinksLastPage(t *testing.T) {
	links := linkMap(Params{Limit: 10, Offset: 20}.FHIRLinks("/fhir/Patient", 25))

	if _, ok := links["next"]; ok {
		t.Error("last page must not link next")
	}
	if _, ok := links["previous"]; !ok {
		t.Error("last page should link previous")
	}
}

func TestFHIRLinksPreviousClamps(t *testing.T) {
	links := linkMap(Params{Limit: 10, Offset: 5}.FHIRLinks("/fhir/Patient", 25))

	if got := links["previous"]; got != "/fhir/Patient?_offset=0&_count=10" {
		t.Errorf("previous = %q, want offset clamped to 0", got)
	}
}

func TestFHIRLinksNoResults(t *testing.T) {
	links := Params{Limit: 10, Offset: 0}.FHIRLinks("/fhir/Patient", 0)

	if len(links) != 1 || links[0].Relation != "self" {
		t.Fatalf("links = %+v, want self only", links)
	}
}
