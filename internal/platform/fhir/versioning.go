package fhir

import "strings"

// ParseETag extracts the numeric version from a weak ETag as sent in
// If-Match headers and bundle entry ifMatch fields. Accepts W/"3", "3"
// and bare 3.
func ParseETag(tag string) (int, error) {
	s := strings.TrimSpace(tag)
	s = strings.TrimPrefix(s, "W/")
	s = strings.Trim(s, `"`)
	v, err := ParseVersionID(s)
	if err != nil {
		return 0, ValidationError("invalid If-Match value %q", tag)
	}
	return v, nil
}
