package fhir

// ParamType is the declared type of a search parameter.
type ParamType string

const (
	ParamString    ParamType = "string"
	ParamToken     ParamType = "token"
	ParamDate      ParamType = "date"
	ParamReference ParamType = "reference"
	ParamNumber    ParamType = "number"
	ParamComposite ParamType = "composite"
)

// ParamDef declares one search parameter for a resource type: the gjson
// path its values are extracted from at write time, its type, and, for
// reference parameters, the resource types it may point at.
type ParamDef struct {
	Code    string
	Path    string
	Type    ParamType
	Targets []string
	// Components names the two simple parameters a composite combines,
	// in the order their values appear around the $ boundary.
	Components []string
}

// ParamTable maps parameter codes to their definitions for one resource type.
type ParamTable map[string]ParamDef

// Registry holds the loaded-once search parameter tables per resource type.
// Every parameter code used in a query string must resolve here before the
// interaction touches storage.
type Registry struct {
	tables map[string]ParamTable
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tables: map[string]ParamTable{}}
}

// Define registers the parameter table for a resource type, replacing any
// previous table.
func (r *Registry) Define(resourceType string, defs ...ParamDef) {
	table := make(ParamTable, len(defs))
	for _, d := range defs {
		table[d.Code] = d
	}
	r.tables[resourceType] = table
}

// Table returns the parameter table for a resource type, or nil.
func (r *Registry) Table(resourceType string) ParamTable {
	return r.tables[resourceType]
}

// Lookup resolves a parameter code for a resource type.
func (r *Registry) Lookup(resourceType, code string) (ParamDef, bool) {
	d, ok := r.tables[resourceType][code]
	return d, ok
}

// ResourceTypes returns the configured resource types in no particular order.
func (r *Registry) ResourceTypes() []string {
	out := make([]string, 0, len(r.tables))
	for rt := range r.tables {
		out = append(out, rt)
	}
	return out
}

// Supports reports whether the resource type has a parameter table at all.
func (r *Registry) Supports(resourceType string) bool {
	_, ok := r.tables[resourceType]
	return ok
}

// universalParams are accepted on any resource type without a table entry.
var universalParams = map[string]bool{
	"_id":      true,
	"_summary": true,
	"_format":  true,
	"_since":   true,
	"_count":   true,
	"_offset":  true,
	"_sort":    true,
}

// DefaultRegistry returns the parameter tables for the resource types this
// server ships with. The tables are data: adding a resource type is a
// matter of defining its parameters here or loading them at startup.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Define("Patient",
		ParamDef{Code: "family", Path: "name.#.family", Type: ParamString},
		ParamDef{Code: "given", Path: "name.#.given", Type: ParamString},
		ParamDef{Code: "name", Path: "name.#.family", Type: ParamString},
		ParamDef{Code: "identifier", Path: "identifier", Type: ParamToken},
		ParamDef{Code: "gender", Path: "gender", Type: ParamToken},
		ParamDef{Code: "birthdate", Path: "birthDate", Type: ParamDate},
		ParamDef{Code: "address-city", Path: "address.#.city", Type: ParamString},
		ParamDef{Code: "telecom", Path: "telecom", Type: ParamToken},
		ParamDef{Code: "general-practitioner", Path: "generalPractitioner.#.reference", Type: ParamReference, Targets: []string{"Practitioner"}},
		ParamDef{Code: "organization", Path: "managingOrganization.reference", Type: ParamReference, Targets: []string{"Organization"}},
	)

	r.Define("Practitioner",
		ParamDef{Code: "family", Path: "name.#.family", Type: ParamString},
		ParamDef{Code: "given", Path: "name.#.given", Type: ParamString},
		ParamDef{Code: "name", Path: "name.#.family", Type: ParamString},
		ParamDef{Code: "identifier", Path: "identifier", Type: ParamToken},
	)

	r.Define("Organization",
		ParamDef{Code: "name", Path: "name", Type: ParamString},
		ParamDef{Code: "identifier", Path: "identifier", Type: ParamToken},
	)

	r.Define("Encounter",
		ParamDef{Code: "status", Path: "status", Type: ParamToken},
		ParamDef{Code: "class", Path: "class", Type: ParamToken},
		ParamDef{Code: "date", Path: "period.start", Type: ParamDate},
		ParamDef{Code: "patient", Path: "subject.reference", Type: ParamReference, Targets: []string{"Patient"}},
		ParamDef{Code: "practitioner", Path: "participant.#.individual.reference", Type: ParamReference, Targets: []string{"Practitioner"}},
	)

	r.Define("Observation",
		ParamDef{Code: "status", Path: "status", Type: ParamToken},
		ParamDef{Code: "code", Path: "code.coding", Type: ParamToken},
		ParamDef{Code: "date", Path: "effectiveDateTime", Type: ParamDate},
		ParamDef{Code: "value-quantity", Path: "valueQuantity.value", Type: ParamNumber},
		ParamDef{Code: "patient", Path: "subject.reference", Type: ParamReference, Targets: []string{"Patient"}},
		ParamDef{Code: "encounter", Path: "encounter.reference", Type: ParamReference, Targets: []string{"Encounter"}},
		ParamDef{Code: "code-value-quantity", Type: ParamComposite, Components: []string{"code", "value-quantity"}},
	)

	r.Define("Condition",
		ParamDef{Code: "code", Path: "code.coding", Type: ParamToken},
		ParamDef{Code: "clinical-status", Path: "clinicalStatus.coding", Type: ParamToken},
		ParamDef{Code: "onset-date", Path: "onsetDateTime", Type: ParamDate},
		ParamDef{Code: "patient", Path: "subject.reference", Type: ParamReference, Targets: []string{"Patient"}},
	)

	r.Define("AllergyIntolerance",
		ParamDef{Code: "code", Path: "code.coding", Type: ParamToken},
		ParamDef{Code: "date", Path: "recordedDate", Type: ParamDate},
		ParamDef{Code: "patient", Path: "patient.reference", Type: ParamReference, Targets: []string{"Patient"}},
	)

	r.Define("Binary")

	return r
}
