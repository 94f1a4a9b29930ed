package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/clinrepo/clinrepo/internal/platform/queue"
)

// Match grades. The grading vocabulary also names "probable", but the
// scorer only distinguishes the two boundary classes.
const (
	GradeCertain      = "certain"
	GradeCertainlyNot = "certainly-not"
)

const matchGradeExtensionURL = "http://hl7.org/fhir/StructureDefinition/match-grade"

// certainTolerance bounds the floating error allowed when deciding a
// score is exactly 1.
const certainTolerance = 1e-9

// Matching algorithms.
const (
	AlgorithmExact      = "exact"
	AlgorithmSimilarity = "similarity"
	AlgorithmPhonetic   = "phonetic"
)

// MatchProperty configures one scored property of a resource type.
type MatchProperty struct {
	Path      string  `json:"path"`
	Algorithm string  `json:"algorithm"`
	Weight    float64 `json:"weight"`
}

// MatchConfig holds the per-type matching configuration. It is built
// explicitly (from file or literal) and passed to the engine; there is
// no process-wide matching state.
type MatchConfig struct {
	Types map[string][]MatchProperty `json:"types"`
}

func (c *MatchConfig) Validate() error {
	for resourceType, props := range c.Types {
		if len(props) == 0 {
			return ValidationError("matching config for %s has no properties", resourceType)
		}
		for _, p := range props {
			switch p.Algorithm {
			case AlgorithmExact, AlgorithmSimilarity, AlgorithmPhonetic:
			default:
				return ValidationError("matching config for %s: unknown algorithm %q", resourceType, p.Algorithm)
			}
			if p.Path == "" || p.Weight <= 0 {
				return ValidationError("matching config for %s: every property needs a path and a positive weight", resourceType)
			}
		}
	}
	return nil
}

// MatchOptions are the caller-controlled knobs of one $match run.
type MatchOptions struct {
	Count              int
	OnlyCertainMatches bool
}

// CandidateScore is one scored candidate; it lives only for the duration
// of a single match invocation.
type CandidateScore struct {
	Resource Document
	ID       string
	Score    float64
	Grade    string
}

// Matcher scores all stored candidates of a type against a target
// resource, partitioning the scan across run-once scoring workers.
type Matcher struct {
	store   *Store
	config  *MatchConfig
	workers int
	timeout time.Duration
	log     zerolog.Logger
}

func NewMatcher(store *Store, config *MatchConfig, workers int, timeout time.Duration, log zerolog.Logger) *Matcher {
	if workers < 1 {
		workers = 1
	}
	return &Matcher{
		store:   store,
		config:  config,
		workers: workers,
		timeout: timeout,
		log:     log.With().Str("component", "match").Logger(),
	}
}

// Supports reports whether a matching configuration exists for the type.
func (m *Matcher) Supports(resourceType string) bool {
	return len(m.config.Types[resourceType]) > 0
}

// Match runs the $match operation: parse the Parameters resource, score
// every candidate, apply the certain-match policy, and return a
// searchset Bundle of graded candidates.
func (m *Matcher) Match(ctx context.Context, resourceType string, params Document) (*Bundle, error) {
	props := m.config.Types[resourceType]
	if len(props) == 0 {
		return nil, InvalidParameterError("Match operation not supported on resource type")
	}

	target, opts, err := parseMatchParameters(resourceType, params)
	if err != nil {
		return nil, err
	}

	scores, err := m.Score(ctx, resourceType, target)
	if err != nil {
		return nil, err
	}

	if opts.OnlyCertainMatches {
		var certain []CandidateScore
		for _, s := range scores {
			if s.Grade == GradeCertain {
				certain = append(certain, s)
			}
		}
		switch {
		case len(certain) == 0:
			return nil, NotFoundError("No certain matches found")
		case len(certain) > 1:
			return nil, ConflictError("More than one certain match found")
		}
		return matchBundle(certain), nil
	}

	if opts.Count > 0 && len(scores) > opts.Count {
		scores = scores[:opts.Count]
	}
	return matchBundle(scores), nil
}

// Score computes graded scores for every live candidate of the type,
// sorted by score descending with id as the tiebreak. The candidate set
// is split across scoring workers; a worker that fails to report within
// the timeout fails the whole run.
func (m *Matcher) Score(ctx context.Context, resourceType string, target Document) ([]CandidateScore, error) {
	props := m.config.Types[resourceType]
	if len(props) == 0 {
		return nil, InvalidParameterError("Match operation not supported on resource type")
	}

	candidates, err := m.store.All(ctx, resourceType)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	targetRaw, err := json.Marshal(target)
	if err != nil {
		return nil, ValidationError("target resource is not serializable")
	}
	cprops := m.compileProps(resourceType, props, targetRaw)

	workers := m.workers
	if workers > len(candidates) {
		workers = len(candidates)
	}
	parts := partition(candidates, workers)
	results := make([][]CandidateScore, workers)

	start := time.Now()
	err = queue.Gather(ctx, workers, m.timeout, func(ctx context.Context, p int) error {
		scored := make([]CandidateScore, 0, len(parts[p]))
		for _, cand := range parts[p] {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			score := scoreCandidate(targetRaw, cand, cprops)
			grade := GradeCertainlyNot
			if math.Abs(score-1) < certainTolerance {
				grade = GradeCertain
			}
			scored = append(scored, CandidateScore{
				Resource: cand.Resource,
				ID:       cand.ID,
				Score:    score,
				Grade:    grade,
			})
		}
		results[p] = scored
		return nil
	})
	if err != nil {
		if errors.Is(err, queue.ErrWorkerTimeout) {
			return nil, WorkerTimeoutError("match scoring workers timed out after %s", m.timeout)
		}
		return nil, AsError(err)
	}

	var all []CandidateScore
	for _, part := range results {
		all = append(all, part...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].ID < all[j].ID
	})

	m.log.Debug().
		Str("type", resourceType).
		Int("candidates", len(all)).
		Int("workers", workers).
		Dur("elapsed", time.Since(start)).
		Msg("match scan complete")
	return all, nil
}

func partition(candidates []*Stored, n int) [][]*Stored {
	parts := make([][]*Stored, n)
	for i, c := range candidates {
		parts[i%n] = append(parts[i%n], c)
	}
	return parts
}

// compiledProp is one configured property with its target-side phonetic
// codes encoded once and the index parameter whose stored transforms
// carry the candidate-side codes.
type compiledProp struct {
	MatchProperty
	param          string
	targetPhonetic []string
}

// compileProps resolves each phonetic property to the string parameter
// indexing the same path, so scoring reads the codes persisted with the
// candidate instead of re-encoding its values.
func (m *Matcher) compileProps(resourceType string, props []MatchProperty, targetRaw []byte) []compiledProp {
	out := make([]compiledProp, len(props))
	for i, p := range props {
		cp := compiledProp{MatchProperty: p}
		if p.Algorithm == AlgorithmPhonetic {
			cp.targetPhonetic = soundexCodes(stringLeaves(targetRaw, p.Path))
			cp.param = m.phoneticParam(resourceType, p.Path)
		}
		out[i] = cp
	}
	return out
}

// phoneticParam finds the string parameter extracted from path. When
// several share the path their transforms are identical; the
// lexicographically first code keeps the pick stable.
func (m *Matcher) phoneticParam(resourceType, path string) string {
	var codes []string
	for code, def := range m.store.Registry().Table(resourceType) {
		if def.Type == ParamString && def.Path == path {
			codes = append(codes, code)
		}
	}
	if len(codes) == 0 {
		return ""
	}
	sort.Strings(codes)
	return codes[0]
}

// scoreCandidate computes the weighted property score, normalized by the
// total configured weight. A property with no populated value on either
// side contributes zero.
func scoreCandidate(targetRaw []byte, cand *Stored, props []compiledProp) float64 {
	candRaw, err := json.Marshal(cand.Resource)
	if err != nil {
		return 0
	}

	var total, sum float64
	for _, p := range props {
		total += p.Weight
		targetVals := stringLeaves(targetRaw, p.Path)
		candVals := stringLeaves(candRaw, p.Path)
		if len(targetVals) == 0 || len(candVals) == 0 {
			continue
		}
		var s float64
		if p.Algorithm == AlgorithmPhonetic {
			s = phoneticScore(p.targetPhonetic, candidateCodes(cand, p.param, candVals))
		} else {
			s = propertyScore(p.Algorithm, targetVals, candVals)
		}
		sum += p.Weight * s
	}
	if total == 0 {
		return 0
	}
	return sum / total
}

// propertyScore takes the maximum pairwise score over multi-valued
// fields.
func propertyScore(algorithm string, targetVals, candVals []string) float64 {
	best := 0.0
	for _, t := range targetVals {
		for _, c := range candVals {
			var s float64
			switch algorithm {
			case AlgorithmExact:
				if t == c {
					s = 1
				}
			case AlgorithmSimilarity:
				s = JaroWinkler(t, c)
			}
			if s > best {
				best = s
			}
		}
	}
	return best
}

func phoneticScore(targetCodes, candCodes []string) float64 {
	for _, t := range targetCodes {
		for _, c := range candCodes {
			if t == c {
				return 1
			}
		}
	}
	return 0
}

// candidateCodes reads the phonetic codes persisted with the candidate
// at write time. Candidates stored without transforms for the parameter
// fall back to encoding the raw values.
func candidateCodes(cand *Stored, param string, vals []string) []string {
	if param != "" {
		if phonetic, ok := cand.Transforms["phonetic"].(map[string]interface{}); ok {
			if raw, ok := phonetic[param].([]interface{}); ok {
				out := make([]string, 0, len(raw))
				for _, v := range raw {
					if code, ok := v.(string); ok && code != "" {
						out = append(out, code)
					}
				}
				return out
			}
		}
	}
	return soundexCodes(vals)
}

func soundexCodes(vals []string) []string {
	var out []string
	for _, v := range vals {
		if code := Soundex(v); code != "" {
			out = append(out, code)
		}
	}
	return out
}

func stringLeaves(raw []byte, path string) []string {
	result := gjson.GetBytes(raw, path)
	if !result.Exists() {
		return nil
	}
	var out []string
	for _, leaf := range flatten(result) {
		switch leaf.Type {
		case gjson.String, gjson.Number, gjson.True, gjson.False:
			out = append(out, leaf.String())
		}
	}
	return out
}

// parseMatchParameters pulls the target resource and options out of a
// Parameters resource.
func parseMatchParameters(resourceType string, params Document) (Document, MatchOptions, error) {
	var opts MatchOptions
	if rt := params.ResourceType(); rt != "Parameters" {
		return nil, opts, ValidationError("match request must be a Parameters resource")
	}

	var target Document
	raw, _ := params["parameter"].([]interface{})
	for _, p := range raw {
		entry, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		switch name {
		case "resource":
			if res, ok := entry["resource"].(map[string]interface{}); ok {
				target = Document(res)
			}
		case "count":
			if v, ok := entry["valueInteger"].(float64); ok {
				opts.Count = int(v)
			}
		case "onlyCertainMatches":
			if v, ok := entry["valueBoolean"].(bool); ok {
				opts.OnlyCertainMatches = v
			}
		}
	}
	if target == nil {
		return nil, opts, ValidationError("Parameters is missing the resource parameter")
	}
	if rt := target.ResourceType(); rt != "" && rt != resourceType {
		return nil, opts, ValidationError("target resource type %q does not match %q", rt, resourceType)
	}
	return target, opts, nil
}

func matchBundle(scores []CandidateScore) *Bundle {
	now := time.Now().UTC()
	total := len(scores)
	entries := make([]BundleEntry, len(scores))
	for i, s := range scores {
		score := s.Score
		entries[i] = BundleEntry{
			FullURL:  fullURLFor(s.Resource),
			Resource: s.Resource,
			Search: &BundleSearch{
				Mode:  "match",
				Score: &score,
				Extension: []Extension{{
					URL:       matchGradeExtensionURL,
					ValueCode: s.Grade,
				}},
			},
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
