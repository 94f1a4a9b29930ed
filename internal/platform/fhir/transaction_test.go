package fhir

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newCoordinator(t *testing.T) (*Coordinator, *Store) {
	t.Helper()
	backend := NewMemBackend()
	registry := DefaultRegistry()
	store := NewStore(backend, registry, NewHooks(), true, zerolog.Nop())
	compiler := NewCompiler(registry, backend)
	return NewCoordinator(store, compiler, zerolog.Nop()), store
}

func entry(method, url string, resource Document) map[string]interface{} {
	e := map[string]interface{}{
		"request": map[string]interface{}{"method": method, "url": url},
	}
	if resource != nil {
		e["resource"] = map[string]interface{}(resource)
	}
	return e
}

func transactionDoc(bundleType string, entries ...map[string]interface{}) Document {
	raw := make([]interface{}, len(entries))
	for i, e := range entries {
		raw[i] = e
	}
	return Document{
		"resourceType": "Bundle",
		"type":         bundleType,
		"entry":        raw,
	}
}

func TestTransactionRejectsWrongType(t *testing.T) {
	coord, _ := newCoordinator(t)

	_, err := coord.Process(context.Background(), Document{"resourceType": "Bundle", "type": "collection"})
	if err == nil {
		t.Fatal("expected error for wrong bundle type")
	}
	if got := statusOf(t, err); got != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", got)
	}
	if !strings.Contains(err.Error(), "Bundle.type must either be transaction or batch") {
		t.Errorf("diagnostics = %q", err.Error())
	}
}

func TestTransactionRejectsMissingMethod(t *testing.T) {
	coord, _ := newCoordinator(t)

	doc := transactionDoc("transaction", map[string]interface{}{
		"resource": map[string]interface{}{"resourceType": "Patient"},
	})
	_, err := coord.Process(context.Background(), doc)
	if err == nil {
		t.Fatal("expected error for missing request.method")
	}
	if !strings.Contains(err.Error(), "missing request.method") {
		t.Errorf("diagnostics = %q", err.Error())
	}
}

func TestTransactionMethodOrdering(t *testing.T) {
	coord, store := newCoordinator(t)
	ctx := context.Background()

	victim := mustCreate(t, store, "Patient", Document{"gender": "male"})

	// DELETE runs before GET regardless of entry order, so the read in
	// the same bundle observes the delete.
	doc := transactionDoc("transaction",
		entry("GET", "Patient/"+victim.ID, nil),
		entry("DELETE", "Patient/"+victim.ID, nil),
	)
	bundle, err := coord.Process(ctx, doc)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	// Responses come back in the caller's entry order.
	if got := bundle.Entry[0].Response.Status; got != "410" {
		t.Errorf("GET entry status = %q, want 410 after the bundled delete", got)
	}
	if got := bundle.Entry[1].Response.Status; got != "204 No Content" {
		t.Errorf("DELETE entry status = %q", got)
	}
}

func TestTransactionExecutionPhaseOrder(t *testing.T) {
	backend := NewMemBackend()
	registry := DefaultRegistry()
	hooks := NewHooks()
	store := NewStore(backend, registry, hooks, true, zerolog.Nop())
	coord := NewCoordinator(store, NewCompiler(registry, backend), zerolog.Nop())
	ctx := context.Background()

	patient := mustCreate(t, store, "Patient", Document{"gender": "female"})
	doomed := mustCreate(t, store, "Patient", Document{"gender": "male"})
	pract := mustCreate(t, store, "Practitioner", Document{})
	gone := mustCreate(t, store, "Practitioner", Document{})
	org := mustCreate(t, store, "Organization", Document{"name": "Acme"})

	// Registered after setup so only the bundle's own interactions are
	// recorded. Writes dispatch Before, reads dispatch After.
	var executed []string
	hooks.Register([]Interaction{Wildcard}, []string{Wildcard}, HookFuncs{
		BeforeFunc: func(_ context.Context, in Interaction, rt string, _ Document) (Document, *OperationOutcome, error) {
			if in != InteractionRead {
				executed = append(executed, string(in)+" "+rt)
			}
			return nil, nil, nil
		},
		AfterFunc: func(_ context.Context, in Interaction, rt string, _ Document) (Document, *OperationOutcome, error) {
			if in == InteractionRead {
				executed = append(executed, string(in)+" "+rt)
			}
			return nil, nil, nil
		},
	})

	doc := transactionDoc("transaction",
		entry("GET", "Patient/"+patient.ID, nil),
		entry("PUT", "Patient/"+patient.ID, Document{"resourceType": "Patient", "gender": "female"}),
		entry("POST", "Patient", Document{"resourceType": "Patient"}),
		entry("DELETE", "Practitioner/"+gone.ID, nil),
		entry("PUT", "Organization/"+org.ID, Document{"resourceType": "Organization", "name": "Acme Ltd"}),
		entry("POST", "Practitioner", Document{"resourceType": "Practitioner"}),
		entry("GET", "Organization/"+org.ID, nil),
		entry("DELETE", "Patient/"+doomed.ID, nil),
		entry("POST", "Organization", Document{"resourceType": "Organization", "name": "Umbrella"}),
		entry("PUT", "Practitioner/"+pract.ID, Document{"resourceType": "Practitioner"}),
	)

	bundle, err := coord.Process(ctx, doc)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	// All deletes run first, then creates, then updates, then reads, and
	// within each phase the caller's relative order is preserved.
	want := []string{
		"delete Practitioner",
		"delete Patient",
		"create Patient",
		"create Practitioner",
		"create Organization",
		"update Patient",
		"update Organization",
		"update Practitioner",
		"read Patient",
		"read Organization",
	}
	if len(executed) != len(want) {
		t.Fatalf("executed %d interactions, want %d: %v", len(executed), len(want), executed)
	}
	for i := range want {
		if executed[i] != want[i] {
			t.Errorf("executed[%d] = %q, want %q", i, executed[i], want[i])
		}
	}

	// Responses come back in the caller's entry order regardless.
	statuses := make([]string, len(bundle.Entry))
	for i, e := range bundle.Entry {
		statuses[i] = e.Response.Status
	}
	wantStatuses := []string{
		"200 OK", "200 OK", "201 Created", "204 No Content", "200 OK",
		"201 Created", "200 OK", "204 No Content", "201 Created", "200 OK",
	}
	for i := range wantStatuses {
		if statuses[i] != wantStatuses[i] {
			t.Errorf("entry %d status = %q, want %q", i, statuses[i], wantStatuses[i])
		}
	}
}

func TestTransactionURNRewrite(t *testing.T) {
	coord, store := newCoordinator(t)
	ctx := context.Background()

	doc := Document{
		"resourceType": "Bundle",
		"type":         "transaction",
		"entry": []interface{}{
			map[string]interface{}{
				"fullUrl": "urn:uuid:temp-patient",
				"request": map[string]interface{}{"method": "POST", "url": "Patient"},
				"resource": map[string]interface{}{
					"resourceType": "Patient",
					"gender":       "female",
				},
			},
			map[string]interface{}{
				"request": map[string]interface{}{"method": "POST", "url": "Observation"},
				"resource": map[string]interface{}{
					"resourceType": "Observation",
					"status":       "final",
					"subject":      map[string]interface{}{"reference": "urn:uuid:temp-patient"},
				},
			},
		},
	}

	bundle, err := coord.Process(ctx, doc)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	patient := bundle.Entry[0].Resource
	obs := bundle.Entry[1].Resource
	subject, _ := obs["subject"].(map[string]interface{})
	want := "Patient/" + patient.ID()
	if subject["reference"] != want {
		t.Errorf("subject.reference = %v, want %s", subject["reference"], want)
	}

	// The reference resolves against live storage.
	if _, err := store.Read(ctx, "Patient", patient.ID()); err != nil {
		t.Errorf("referenced patient not readable: %v", err)
	}
}

func TestTransactionRollsBackCreates(t *testing.T) {
	coord, store := newCoordinator(t)
	ctx := context.Background()

	existing := mustCreate(t, store, "Patient", Document{"gender": "male"})

	doc := transactionDoc("transaction",
		entry("POST", "Patient", Document{"resourceType": "Patient", "gender": "female"}),
		// Body id disagrees with the url id, which fails validation.
		entry("PUT", "Patient/"+existing.ID, Document{"resourceType": "Patient", "id": "other-id"}),
	)

	_, err := coord.Process(ctx, doc)
	if err == nil {
		t.Fatal("expected the transaction to fail")
	}

	// The committed create was compensated with a hard delete; the id
	// reads as never-existing.
	all, aerr := store.All(ctx, "Patient")
	if aerr != nil {
		t.Fatalf("all: %v", aerr)
	}
	if len(all) != 1 || all[0].ID != existing.ID {
		t.Errorf("after rollback %d patients remain, want only the pre-existing one", len(all))
	}
}

func TestTransactionGETFailureDoesNotAbort(t *testing.T) {
	coord, store := newCoordinator(t)
	ctx := context.Background()

	doc := transactionDoc("transaction",
		entry("POST", "Patient", Document{"resourceType": "Patient"}),
		entry("GET", "Patient/no-such-id", nil),
	)

	bundle, err := coord.Process(ctx, doc)
	if err != nil {
		t.Fatalf("a failing read must not abort the transaction: %v", err)
	}
	if got := bundle.Entry[0].Response.Status; got != "201 Created" {
		t.Errorf("POST entry status = %q", got)
	}
	if got := bundle.Entry[1].Response.Status; got != "404" {
		t.Errorf("failed GET entry status = %q, want 404", got)
	}
	if bundle.Entry[1].Response.Outcome == nil {
		t.Error("failed GET entry should carry an outcome")
	}

	// The create stands.
	all, _ := store.All(ctx, "Patient")
	if len(all) != 1 {
		t.Errorf("created patient missing after transaction with failed read")
	}
}

func TestBatchIsBestEffort(t *testing.T) {
	coord, store := newCoordinator(t)
	ctx := context.Background()

	doc := transactionDoc("batch",
		entry("POST", "Patient", Document{"resourceType": "Patient"}),
		// Client-supplied id on create fails this entry alone.
		entry("POST", "Patient", Document{"resourceType": "Patient", "id": "nope"}),
		entry("POST", "Patient", Document{"resourceType": "Patient"}),
	)

	bundle, err := coord.Process(ctx, doc)
	if err != nil {
		t.Fatalf("batch must not fail as a whole: %v", err)
	}
	if bundle.Type != "batch-response" {
		t.Errorf("bundle type = %q, want batch-response", bundle.Type)
	}
	statuses := []string{
		bundle.Entry[0].Response.Status,
		bundle.Entry[1].Response.Status,
		bundle.Entry[2].Response.Status,
	}
	if statuses[0] != "201 Created" || statuses[1] != "400" || statuses[2] != "201 Created" {
		t.Errorf("entry statuses = %v", statuses)
	}

	// Successful entries stay committed.
	all, _ := store.All(ctx, "Patient")
	if len(all) != 2 {
		t.Errorf("%d patients committed, want 2", len(all))
	}
}

func TestTransactionBundledSearch(t *testing.T) {
	coord, store := newCoordinator(t)
	ctx := context.Background()

	mustCreate(t, store, "Patient", Document{"gender": "female", "name": []interface{}{
		map[string]interface{}{"family": "Chalmers"},
	}})
	mustCreate(t, store, "Patient", Document{"gender": "male"})

	doc := transactionDoc("transaction", entry("GET", "Patient?gender=female", nil))
	bundle, err := coord.Process(ctx, doc)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	res := bundle.Entry[0].Resource
	if res["resourceType"] != "Bundle" {
		t.Fatalf("search entry resource = %v, want a nested Bundle", res["resourceType"])
	}
	if total, _ := res["total"].(float64); total != 1 {
		t.Errorf("nested search total = %v, want 1", res["total"])
	}
}

func TestTransactionConditionalVersionedUpdate(t *testing.T) {
	coord, store := newCoordinator(t)
	ctx := context.Background()

	existing := mustCreate(t, store, "Patient", Document{"gender": "male"})

	doc := Document{
		"resourceType": "Bundle",
		"type":         "transaction",
		"entry": []interface{}{
			map[string]interface{}{
				"request": map[string]interface{}{
					"method":  "PUT",
					"url":     "Patient/" + existing.ID,
					"ifMatch": `W/"99"`,
				},
				"resource": map[string]interface{}{"resourceType": "Patient"},
			},
		},
	}

	_, err := coord.Process(ctx, doc)
	if err == nil {
		t.Fatal("stale ifMatch inside a bundle should fail")
	}
	if got := statusOf(t, err); got != http.StatusConflict {
		t.Errorf("status = %d, want 409", got)
	}
}
