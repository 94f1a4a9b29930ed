package fhir

import (
	"context"
	"net/url"
	"sort"
	"strings"
)

// Compiler converts declarative search parameter definitions plus an
// incoming query string into executable storage filters. Compilation is
// fail-fast: every parameter key must resolve against the resource type's
// table (or be a universal parameter) before storage is touched.
type Compiler struct {
	registry *Registry
	backend  Backend
}

// NewCompiler creates a Compiler over the given registry and backend. The
// backend is consulted for chained sub-queries and token system checks.
func NewCompiler(registry *Registry, backend Backend) *Compiler {
	return &Compiler{registry: registry, backend: backend}
}

// Compile builds the storage filter for a search against resourceType.
func (c *Compiler) Compile(ctx context.Context, resourceType string, query url.Values) (*Filter, error) {
	if !c.registry.Supports(resourceType) {
		return nil, NotFoundError("unknown resource type %s", resourceType)
	}

	f := &Filter{ResourceType: resourceType}

	// Deterministic compile order regardless of map iteration.
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		values := query[key]
		if universalParams[key] {
			if err := c.applyUniversal(f, key, values); err != nil {
				return nil, err
			}
			continue
		}

		if base, sub, ok := splitChain(key); ok {
			if err := c.compileChain(ctx, f, resourceType, base, sub, values); err != nil {
				return nil, err
			}
			continue
		}

		base, modifier := ParseParamModifier(key)
		def, ok := c.registry.Lookup(resourceType, base)
		if !ok {
			return nil, InvalidParameterError("Unsupported search parameter: %s", base)
		}

		// Repeated occurrences of the same key progressively narrow.
		for _, raw := range values {
			cond, err := c.compileCondition(ctx, resourceType, def, modifier, raw, f)
			if err != nil {
				return nil, err
			}
			if cond != nil {
				f.Conditions = append(f.Conditions, *cond)
			}
		}
	}

	return f, nil
}

// splitChain recognizes chained reference parameters of the form
// "param.subfield". The dot must separate two non-empty segments.
func splitChain(key string) (base, sub string, ok bool) {
	idx := strings.Index(key, ".")
	if idx <= 0 || idx == len(key)-1 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}

func (c *Compiler) applyUniversal(f *Filter, key string, values []string) error {
	switch key {
	case "_id":
		for _, v := range values {
			f.IDs = intersect(f.IDs, strings.Split(v, ","))
		}
	case "_sort":
		for _, v := range values {
			for _, field := range strings.Split(v, ",") {
				field = strings.TrimSpace(field)
				if field == "" {
					continue
				}
				desc := strings.HasPrefix(field, "-")
				f.Sort = append(f.Sort, SortKey{Param: strings.TrimPrefix(field, "-"), Descending: desc})
			}
		}
	case "_summary":
		if len(values) > 0 && values[0] == "count" {
			f.CountOnly = true
		}
	}
	// _format, _since, _count, _offset are handled by the transport layer.
	return nil
}

// intersect narrows an id constraint. A nil prior means unconstrained.
func intersect(prior, next []string) []string {
	if prior == nil {
		out := make([]string, 0, len(next))
		return append(out, next...)
	}
	keep := map[string]bool{}
	for _, id := range next {
		keep[id] = true
	}
	var out []string
	for _, id := range prior {
		if keep[id] {
			out = append(out, id)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func (c *Compiler) compileCondition(ctx context.Context, resourceType string, def ParamDef, modifier Modifier, raw string, f *Filter) (*Condition, error) {
	if modifier == ModMissing {
		return &Condition{
			Param: def.Code,
			Alternatives: []Predicate{{
				Type:          def.Type,
				Modifier:      ModMissing,
				MissingWanted: raw == "true",
			}},
		}, nil
	}

	switch def.Type {
	case ParamString:
		if modifier != ModNone && modifier != ModExact && modifier != ModContains {
			return nil, InvalidParameterError("Unsupported modifier %q on parameter %s", string(modifier), def.Code)
		}
		return &Condition{Param: def.Code, Alternatives: []Predicate{{Type: ParamString, Modifier: modifier, String: raw}}}, nil

	case ParamToken:
		var alts []Predicate
		for _, part := range strings.Split(raw, ",") {
			p := ParseTokenValue(part)
			if p.SystemOnly {
				known, err := c.backend.HasTokenSystem(ctx, resourceType, def.Code, p.System)
				if err != nil {
					return nil, InternalError("%s", err.Error())
				}
				if !known {
					return nil, NotFoundError("targetSystem not found")
				}
			}
			alts = append(alts, p)
		}
		return &Condition{Param: def.Code, Alternatives: alts}, nil

	case ParamDate:
		p, err := ParseDateValue(raw)
		if err != nil {
			return nil, err
		}
		return &Condition{Param: def.Code, Alternatives: []Predicate{p}}, nil

	case ParamNumber:
		p, err := ParseNumberValue(raw)
		if err != nil {
			return nil, err
		}
		return &Condition{Param: def.Code, Alternatives: []Predicate{p}}, nil

	case ParamReference:
		return &Condition{Param: def.Code, Alternatives: []Predicate{{Type: ParamReference, Reference: raw}}}, nil

	case ParamComposite:
		return nil, c.compileComposite(ctx, resourceType, def, raw, f)

	default:
		return nil, InternalError("unhandled parameter type %q", string(def.Type))
	}
}

// compileComposite splits the value on the $ boundary and compiles each
// component against its own definition, appending both conditions.
func (c *Compiler) compileComposite(ctx context.Context, resourceType string, def ParamDef, raw string, f *Filter) error {
	parts := strings.SplitN(raw, "$", 2)
	if len(parts) != 2 {
		return InvalidParameterError("composite parameter %s requires two values joined by $", def.Code)
	}
	if len(def.Components) != 2 {
		return InternalError("composite parameter %s has no component definitions", def.Code)
	}
	for i, comp := range def.Components {
		cdef, ok := c.registry.Lookup(resourceType, comp)
		if !ok {
			return InternalError("composite component %s not defined for %s", comp, resourceType)
		}
		cond, err := c.compileCondition(ctx, resourceType, cdef, ModNone, parts[i], f)
		if err != nil {
			return err
		}
		if cond != nil {
			f.Conditions = append(f.Conditions, *cond)
		}
	}
	return nil
}

// compileChain resolves param.subfield by first compiling the sub-query
// against the referenced resource type, collecting matching ids, and then
// constraining the outer type's reference values to that set.
func (c *Compiler) compileChain(ctx context.Context, f *Filter, resourceType, base, sub string, values []string) error {
	def, ok := c.registry.Lookup(resourceType, base)
	if !ok {
		return InvalidParameterError("Unsupported search parameter: %s", base)
	}
	if def.Type != ParamReference {
		return InvalidParameterError("Parameter %s does not support chaining", base)
	}
	if len(def.Targets) == 0 {
		return InternalError("reference parameter %s has no target types", base)
	}

	var refs []string
	for _, target := range def.Targets {
		subQuery := url.Values{sub: values}
		subFilter, err := c.Compile(ctx, target, subQuery)
		if err != nil {
			return err
		}
		ids, err := c.backend.SearchIDs(ctx, subFilter)
		if err != nil {
			return InternalError("%s", err.Error())
		}
		for _, id := range ids {
			refs = append(refs, target+"/"+id)
		}
	}
	if refs == nil {
		refs = []string{}
	}

	f.Conditions = append(f.Conditions, Condition{
		Param:        base,
		Alternatives: []Predicate{{Type: ParamReference, RefSet: refs}},
	})
	return nil
}
