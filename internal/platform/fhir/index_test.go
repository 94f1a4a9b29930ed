package fhir

import (
	"testing"
	"time"
)

func TestSoundex(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Robert", "R163"},
		{"Rupert", "R163"},
		{"Ashcraft", "A261"},
		{"Ashcroft", "A261"},
		{"Tymczak", "T522"},
		{"Pfister", "P236"},
		{"Honeyman", "H555"},
		{"smith", "S530"},
		{"Smyth", "S530"},
		{"", ""},
		{"123", ""},
	}
	for _, tc := range cases {
		if got := Soundex(tc.in); got != tc.want {
			t.Errorf("Soundex(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExtractIndexEntries(t *testing.T) {
	ix := NewIndexer(DefaultRegistry())
	doc := Document{
		"resourceType": "Patient",
		"name": []interface{}{map[string]interface{}{
			"family": "Chalmers",
			"given":  []interface{}{"Peter", "James"},
		}},
		"gender":    "male",
		"birthDate": "1974-12-25",
		"identifier": []interface{}{map[string]interface{}{
			"system": "http://hospital.example/mrn",
			"value":  "12345",
		}},
		"managingOrganization": map[string]interface{}{"reference": "Organization/acme"},
	}

	entries := ix.Extract("Patient", doc)
	byParam := map[string][]IndexEntry{}
	for _, e := range entries {
		byParam[e.Param] = append(byParam[e.Param], e)
	}

	if got := byParam["family"]; len(got) != 1 || got[0].String != "Chalmers" {
		t.Errorf("family entries = %+v", got)
	}
	if got := byParam["given"]; len(got) != 2 {
		t.Errorf("given should index every array leaf, got %+v", got)
	}
	if got := byParam["identifier"]; len(got) != 1 || got[0].System != "http://hospital.example/mrn" || got[0].Code != "12345" {
		t.Errorf("identifier entries = %+v", got)
	}
	if got := byParam["gender"]; len(got) != 1 || got[0].Code != "male" {
		t.Errorf("gender entries = %+v", got)
	}
	if got := byParam["birthdate"]; len(got) != 1 || !got[0].HasDate ||
		!got[0].Date.Equal(time.Date(1974, 12, 25, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("birthdate entries = %+v", got)
	}
	if got := byParam["organization"]; len(got) != 1 || got[0].Reference != "Organization/acme" {
		t.Errorf("organization entries = %+v", got)
	}
}

func TestExtractSkipsAbsentAndMalformed(t *testing.T) {
	ix := NewIndexer(DefaultRegistry())

	if entries := ix.Extract("Patient", Document{"resourceType": "Patient"}); len(entries) != 0 {
		t.Errorf("empty document produced %d entries", len(entries))
	}
	// A birthDate that cannot parse is skipped, not an error.
	entries := ix.Extract("Patient", Document{"birthDate": "not-a-date"})
	if len(entries) != 0 {
		t.Errorf("malformed date produced %d entries", len(entries))
	}
	if entries := ix.Extract("Spaceship", Document{}); entries != nil {
		t.Errorf("unknown type produced entries: %+v", entries)
	}
}

func TestTransformsComputePhonetics(t *testing.T) {
	ix := NewIndexer(DefaultRegistry())
	doc := Document{
		"name": []interface{}{map[string]interface{}{
			"family": "Chalmers",
			"given":  []interface{}{"Peter"},
		}},
	}

	tr := ix.Transforms("Patient", doc)
	if tr == nil {
		t.Fatal("expected phonetic transforms")
	}
	phonetic, _ := tr["phonetic"].(map[string]interface{})
	codes, _ := phonetic["family"].([]interface{})
	if len(codes) != 1 || codes[0] != Soundex("Chalmers") {
		t.Errorf("family phonetic codes = %v", codes)
	}

	if tr := ix.Transforms("Patient", Document{"gender": "male"}); tr != nil {
		t.Errorf("document with no string parameters produced transforms: %v", tr)
	}
}
