package fhir

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Coordinator executes transaction and batch Bundles against the store.
// Entries run sequentially in a fixed method order so that within one
// bundle deletes land before creates, creates before updates, and reads
// observe the bundle's own writes.
type Coordinator struct {
	store    *Store
	compiler *Compiler
	log      zerolog.Logger
}

func NewCoordinator(store *Store, compiler *Compiler, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		compiler: compiler,
		log:      log.With().Str("component", "transaction").Logger(),
	}
}

// txEntry is one parsed bundle entry, carrying its original position so
// the response preserves the caller's entry order.
type txEntry struct {
	index    int
	fullURL  string
	method   string
	url      string
	ifMatch  string
	resource Document
	response BundleEntry
}

// created records a committed create for compensation.
type created struct {
	resourceType string
	id           string
}

func methodRank(method string) int {
	switch method {
	case "DELETE":
		return 0
	case "POST":
		return 1
	case "PUT":
		return 2
	default: // GET
		return 3
	}
}

// Process executes a transaction or batch Bundle and returns the
// response Bundle. For a failed transaction the error carries the
// failing entry's status and outcome; committed creates have been
// compensated by hard deletes.
func (c *Coordinator) Process(ctx context.Context, doc Document) (*Bundle, error) {
	bundleType, _ := doc["type"].(string)
	if bundleType != "transaction" && bundleType != "batch" {
		return nil, InvalidParameterError("Bundle.type must either be transaction or batch")
	}

	entries, err := parseEntries(doc)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return methodRank(entries[i].method) < methodRank(entries[j].method)
	})

	if bundleType == "batch" {
		return c.processBatch(ctx, entries)
	}
	return c.processTransaction(ctx, entries)
}

func parseEntries(doc Document) ([]*txEntry, error) {
	raw, _ := doc["entry"].([]interface{})
	entries := make([]*txEntry, 0, len(raw))
	for i, e := range raw {
		entry, ok := e.(map[string]interface{})
		if !ok {
			return nil, ValidationError("Bundle entry %d is not an object", i)
		}
		req, ok := entry["request"].(map[string]interface{})
		if !ok {
			return nil, ValidationError("Bundle entry %d is missing request.method", i)
		}
		method, _ := req["method"].(string)
		if method == "" {
			return nil, ValidationError("Bundle entry %d is missing request.method", i)
		}
		switch method {
		case "GET", "POST", "PUT", "DELETE":
		default:
			return nil, ValidationError("Bundle entry %d has unsupported method %s", i, method)
		}
		te := &txEntry{index: i, method: method}
		te.url, _ = req["url"].(string)
		te.ifMatch, _ = req["ifMatch"].(string)
		te.fullURL, _ = entry["fullUrl"].(string)
		if res, ok := entry["resource"].(map[string]interface{}); ok {
			te.resource = Document(res)
		}
		entries = append(entries, te)
	}
	return entries, nil
}

func (c *Coordinator) processTransaction(ctx context.Context, entries []*txEntry) (*Bundle, error) {
	refs := map[string]string{}
	var commits []created

	for _, e := range entries {
		err := c.execute(ctx, e, refs)
		if err != nil {
			if e.method == "GET" {
				// Reads never abort a transaction.
				e.response = errorEntry(err)
				continue
			}
			c.compensate(ctx, commits)
			return nil, AsError(err)
		}
		if e.method == "POST" && e.response.Resource != nil {
			commits = append(commits, created{
				resourceType: e.response.Resource.ResourceType(),
				id:           e.response.Resource.ID(),
			})
		}
	}

	return NewTransactionResponse(responseEntries(entries)), nil
}

func (c *Coordinator) processBatch(ctx context.Context, entries []*txEntry) (*Bundle, error) {
	refs := map[string]string{}
	for _, e := range entries {
		if err := c.execute(ctx, e, refs); err != nil {
			e.response = errorEntry(err)
		}
	}
	return NewBatchResponse(responseEntries(entries)), nil
}

// compensate hard-deletes committed creates in reverse order. Committed
// updates stay as written.
func (c *Coordinator) compensate(ctx context.Context, commits []created) {
	for i := len(commits) - 1; i >= 0; i-- {
		cm := commits[i]
		if err := c.store.Delete(ctx, cm.resourceType, cm.id, true); err != nil {
			c.log.Error().Err(err).
				Str("type", cm.resourceType).
				Str("id", cm.id).
				Msg("transaction compensation failed")
		}
	}
}

func (c *Coordinator) execute(ctx context.Context, e *txEntry, refs map[string]string) error {
	reqURL := rewriteString(e.url, refs)
	resource := e.resource
	if resource != nil {
		resource = rewriteDocument(resource, refs)
	}

	switch e.method {
	case "POST":
		resourceType := strings.SplitN(reqURL, "?", 2)[0]
		stored, outcome, err := c.store.Create(ctx, resourceType, resource)
		if err != nil {
			return err
		}
		if outcome != nil {
			return ValidationError("%s", outcomeDiagnostics(outcome))
		}
		if strings.HasPrefix(e.fullURL, "urn:uuid:") {
			refs[e.fullURL] = stored.ResourceType + "/" + stored.ID
		}
		e.response = successEntry("201 Created", stored.Resource, stored.VersionID, true)
		return nil

	case "PUT":
		resourceType, id, _, err := splitResourceURL(reqURL)
		if err != nil {
			return err
		}
		ifMatch := 0
		if e.ifMatch != "" {
			ifMatch, err = ParseETag(e.ifMatch)
			if err != nil {
				return err
			}
		}
		stored, createdNow, outcome, err := c.store.Update(ctx, resourceType, id, resource, ifMatch)
		if err != nil {
			return err
		}
		if outcome != nil {
			return ValidationError("%s", outcomeDiagnostics(outcome))
		}
		status := "200 OK"
		if createdNow {
			status = "201 Created"
		}
		e.response = successEntry(status, stored.Resource, stored.VersionID, createdNow)
		return nil

	case "DELETE":
		resourceType, id, _, err := splitResourceURL(reqURL)
		if err != nil {
			return err
		}
		if err := c.store.Delete(ctx, resourceType, id, false); err != nil {
			return err
		}
		e.response = BundleEntry{Response: &BundleResponse{Status: "204 No Content"}}
		return nil

	case "GET":
		return c.executeRead(ctx, e, reqURL)
	}
	return InternalError("unreachable method %s", e.method)
}

func (c *Coordinator) executeRead(ctx context.Context, e *txEntry, reqURL string) error {
	path := reqURL
	rawQuery := ""
	if i := strings.Index(reqURL, "?"); i >= 0 {
		path, rawQuery = reqURL[:i], reqURL[i+1:]
	}

	if !strings.Contains(path, "/") {
		// Type-level search.
		values, err := url.ParseQuery(rawQuery)
		if err != nil {
			return ValidationError("malformed query in bundle entry url %q", reqURL)
		}
		filter, err := c.compiler.Compile(ctx, path, values)
		if err != nil {
			return err
		}
		docs, total, err := c.store.Search(ctx, filter, 0, 0)
		if err != nil {
			return err
		}
		bundle := NewSearchBundle(docs, total)
		e.response = BundleEntry{
			Resource: bundleDocument(bundle),
			Response: &BundleResponse{Status: "200 OK"},
		}
		return nil
	}

	resourceType, id, versionID, err := splitResourceURL(path)
	if err != nil {
		return err
	}
	if versionID > 0 {
		rec, err := c.store.VRead(ctx, resourceType, id, versionID)
		if err != nil {
			return err
		}
		e.response = successEntry("200 OK", rec.Resource, rec.VersionID, false)
		return nil
	}
	cur, err := c.store.Read(ctx, resourceType, id)
	if err != nil {
		return err
	}
	e.response = successEntry("200 OK", cur.Resource, cur.VersionID, false)
	return nil
}

// splitResourceURL parses "Type/id" and "Type/id/_history/vid" entry
// urls.
func splitResourceURL(u string) (resourceType, id string, versionID int, err error) {
	parts := strings.Split(strings.Trim(u, "/"), "/")
	switch len(parts) {
	case 2:
		return parts[0], parts[1], 0, nil
	case 4:
		if parts[2] != "_history" {
			return "", "", 0, ValidationError("unsupported bundle entry url %q", u)
		}
		v, perr := ParseVersionID(parts[3])
		if perr != nil {
			return "", "", 0, ValidationError("%s", perr.Error())
		}
		return parts[0], parts[1], v, nil
	default:
		return "", "", 0, ValidationError("unsupported bundle entry url %q", u)
	}
}

func successEntry(status string, resource Document, versionID int, withLocation bool) BundleEntry {
	resp := &BundleResponse{Status: status, ETag: FormatETag(versionID)}
	if withLocation && resource != nil {
		resp.Location = FormatLocation(resource.ResourceType(), resource.ID(), versionID)
	}
	return BundleEntry{
		FullURL:  fullURLFor(resource),
		Resource: resource,
		Response: resp,
	}
}

func errorEntry(err error) BundleEntry {
	fe := AsError(err)
	return BundleEntry{
		Response: &BundleResponse{
			Status:  fmt.Sprintf("%d", fe.Status),
			Outcome: fe.Outcome(),
		},
	}
}

func responseEntries(entries []*txEntry) []BundleEntry {
	ordered := make([]*txEntry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].index < ordered[j].index })
	out := make([]BundleEntry, len(ordered))
	for i, e := range ordered {
		out[i] = e.response
	}
	return out
}

// rewriteString swaps a urn:uuid reference for its assigned Type/id.
func rewriteString(s string, refs map[string]string) string {
	if mapped, ok := refs[s]; ok {
		return mapped
	}
	return s
}

// rewriteDocument deep-copies the document replacing every string value
// that names a resolved temporary fullUrl. References created earlier in
// the bundle thereby point at real ids.
func rewriteDocument(doc Document, refs map[string]string) Document {
	if len(refs) == 0 {
		return doc
	}
	return rewriteValue(map[string]interface{}(doc), refs).(map[string]interface{})
}

func rewriteValue(v interface{}, refs map[string]string) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = rewriteValue(val, refs)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = rewriteValue(val, refs)
		}
		return out
	case string:
		return rewriteString(t, refs)
	default:
		return v
	}
}

// bundleDocument converts a typed Bundle into the loose document form
// used for bundle entry resources.
func bundleDocument(b *Bundle) Document {
	doc := Document{
		"resourceType": b.ResourceType,
		"type":         b.Type,
	}
	if b.Total != nil {
		doc["total"] = float64(*b.Total)
	}
	if len(b.Entry) > 0 {
		entries := make([]interface{}, len(b.Entry))
		for i, e := range b.Entry {
			entry := map[string]interface{}{}
			if e.FullURL != "" {
				entry["fullUrl"] = e.FullURL
			}
			if e.Resource != nil {
				entry["resource"] = map[string]interface{}(e.Resource)
			}
			if e.Search != nil {
				entry["search"] = map[string]interface{}{"mode": e.Search.Mode}
			}
			entries[i] = entry
		}
		doc["entry"] = entries
	}
	return doc
}
