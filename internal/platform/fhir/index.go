package fhir

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Indexer computes the derived search values written alongside every
// resource version. The extracted rows are what the compiled filters
// execute against; the phonetic transforms feed the matching engine.
type Indexer struct {
	registry *Registry
}

func NewIndexer(registry *Registry) *Indexer {
	return &Indexer{registry: registry}
}

// Extract walks the resource type's parameter table and pulls every
// indexable value out of the document.
func (ix *Indexer) Extract(resourceType string, doc Document) []IndexEntry {
	table := ix.registry.Table(resourceType)
	if table == nil || doc == nil {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil
	}

	var entries []IndexEntry
	for _, def := range table {
		if def.Type == ParamComposite || def.Path == "" {
			continue
		}
		result := gjson.GetBytes(raw, def.Path)
		if !result.Exists() {
			continue
		}
		for _, leaf := range flatten(result) {
			if e, ok := entryFor(def, leaf); ok {
				entries = append(entries, e)
			}
		}
	}
	return entries
}

// Transforms computes the write-time derived fields that are stored with
// the document but never serialized to clients: phonetic encodings of
// every indexed string value, keyed by parameter code.
func (ix *Indexer) Transforms(resourceType string, doc Document) Document {
	table := ix.registry.Table(resourceType)
	if table == nil || doc == nil {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil
	}

	phonetic := map[string]interface{}{}
	for _, def := range table {
		if def.Type != ParamString || def.Path == "" {
			continue
		}
		result := gjson.GetBytes(raw, def.Path)
		if !result.Exists() {
			continue
		}
		var codes []interface{}
		for _, leaf := range flatten(result) {
			if leaf.Type == gjson.String {
				if code := Soundex(leaf.String()); code != "" {
					codes = append(codes, code)
				}
			}
		}
		if len(codes) > 0 {
			phonetic[def.Code] = codes
		}
	}
	if len(phonetic) == 0 {
		return nil
	}
	return Document{"phonetic": phonetic}
}

// flatten expands nested gjson array results into their leaves.
func flatten(r gjson.Result) []gjson.Result {
	if !r.IsArray() {
		return []gjson.Result{r}
	}
	var out []gjson.Result
	for _, item := range r.Array() {
		out = append(out, flatten(item)...)
	}
	return out
}

// entryFor converts one extracted leaf into an index row according to the
// parameter's declared type. Token paths may land on a bare code, a
// Coding, or an Identifier/ContactPoint pair; all three shapes are
// handled. CodeableConcept paths point at their coding array.
func entryFor(def ParamDef, leaf gjson.Result) (IndexEntry, bool) {
	e := IndexEntry{Param: def.Code}

	switch def.Type {
	case ParamString:
		if leaf.Type != gjson.String {
			return e, false
		}
		e.String = leaf.String()
		return e, e.String != ""

	case ParamToken:
		return tokenEntry(def, leaf)

	case ParamDate:
		if leaf.Type != gjson.String {
			return e, false
		}
		lo, _, err := dateRange(leaf.String())
		if err != nil {
			return e, false
		}
		e.Date = lo
		e.HasDate = true
		return e, true

	case ParamNumber:
		if leaf.Type != gjson.Number {
			return e, false
		}
		e.Number = leaf.Float()
		e.HasNumber = true
		return e, true

	case ParamReference:
		if leaf.Type != gjson.String {
			return e, false
		}
		e.Reference = leaf.String()
		return e, e.Reference != ""
	}
	return e, false
}

func tokenEntry(def ParamDef, leaf gjson.Result) (IndexEntry, bool) {
	e := IndexEntry{Param: def.Code}

	if leaf.Type == gjson.String {
		e.Code = leaf.String()
		return e, e.Code != ""
	}
	if !leaf.IsObject() {
		return e, false
	}

	// Identifier / ContactPoint: {system, value}.
	if v := leaf.Get("value"); v.Exists() {
		e.System = leaf.Get("system").String()
		e.Code = v.String()
		return e, e.Code != ""
	}

	// Coding: {system, code}.
	if cd := leaf.Get("code"); cd.Exists() {
		e.System = leaf.Get("system").String()
		e.Code = cd.String()
		return e, e.Code != ""
	}
	return e, false
}

// Soundex computes the classic four-character phonetic code of a word.
// Used for the precomputed phonetic transforms the matching engine
// compares, so spelling variants of a name land on the same code.
func Soundex(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	var letters []byte
	for i := 0; i < len(s); i++ {
		if s[i] >= 'A' && s[i] <= 'Z' {
			letters = append(letters, s[i])
		}
	}
	if len(letters) == 0 {
		return ""
	}

	digit := func(c byte) byte {
		switch c {
		case 'B', 'F', 'P', 'V':
			return '1'
		case 'C', 'G', 'J', 'K', 'Q', 'S', 'X', 'Z':
			return '2'
		case 'D', 'T':
			return '3'
		case 'L':
			return '4'
		case 'M', 'N':
			return '5'
		case 'R':
			return '6'
		}
		return 0
	}

	code := []byte{letters[0]}
	prev := digit(letters[0])
	for _, c := range letters[1:] {
		d := digit(c)
		if d != 0 && d != prev {
			code = append(code, d)
			if len(code) == 4 {
				break
			}
		}
		if c != 'H' && c != 'W' {
			prev = d
		}
	}
	for len(code) < 4 {
		code = append(code, '0')
	}
	return string(code)
}
