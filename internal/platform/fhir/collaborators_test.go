package fhir

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/clinrepo/clinrepo/internal/platform/blobstore"
	"github.com/clinrepo/clinrepo/internal/platform/queue"
)

func TestMatchEnqueueHookFeedsQueue(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemQueue()
	hooks := NewHooks()
	hooks.Register([]Interaction{InteractionCreate, InteractionUpdate}, []string{"Patient"},
		NewMatchEnqueueHook(q, zerolog.Nop()))
	store := NewStore(NewMemBackend(), DefaultRegistry(), hooks, true, zerolog.Nop())

	stored := mustCreate(t, store, "Patient", Document{"gender": "female"})
	if _, _, _, err := store.Update(ctx, "Patient", stored.ID, Document{"gender": "male"}, 0); err != nil {
		t.Fatalf("update: %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("queue depth = %d, want one job per write", depth)
	}

	jobs := q.Pending()
	var payload Document
	if err := json.Unmarshal(jobs[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.ID() != stored.ID {
		t.Errorf("job payload id = %q, want %q", payload.ID(), stored.ID)
	}
	if payload.ResourceType() != "Patient" {
		t.Errorf("job payload type = %q", payload.ResourceType())
	}
}

func TestMatchEnqueueHookIgnoresOtherTypes(t *testing.T) {
	q := queue.NewMemQueue()
	hooks := NewHooks()
	hooks.Register([]Interaction{InteractionCreate, InteractionUpdate}, []string{"Patient"},
		NewMatchEnqueueHook(q, zerolog.Nop()))
	store := NewStore(NewMemBackend(), DefaultRegistry(), hooks, true, zerolog.Nop())

	mustCreate(t, store, "Organization", Document{"name": "Acme"})

	depth, _ := q.Depth(context.Background())
	if depth != 0 {
		t.Errorf("queue depth = %d, want 0 for non-Patient writes", depth)
	}
}

func TestBinaryBlobHookRoundTrip(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemStore()
	hooks := NewHooks()
	hooks.Register([]Interaction{InteractionCreate, InteractionUpdate, InteractionRead}, []string{"Binary"},
		NewBinaryBlobHook(blobs, zerolog.Nop()))
	backend := NewMemBackend()
	store := NewStore(backend, DefaultRegistry(), hooks, true, zerolog.Nop())

	content := []byte("PDF-ish payload bytes")
	encoded := base64.StdEncoding.EncodeToString(content)

	stored := mustCreate(t, store, "Binary", Document{
		"contentType": "application/pdf",
		"data":        encoded,
	})

	// The persisted document carries no inline content, only the blob
	// ref in its derived transforms.
	raw, err := backend.GetCurrent(ctx, "Binary", stored.ID)
	if err != nil {
		t.Fatalf("get current: %v", err)
	}
	if _, ok := raw.Resource["data"]; ok {
		t.Error("inline data survived into the stored document")
	}
	blob, _ := raw.Transforms["blob"].(map[string]interface{})
	ref, _ := blob["ref"].(string)
	if ref == "" {
		t.Fatal("blob ref missing from stored transforms")
	}

	rc, err := blobs.Get(ctx, ref)
	if err != nil {
		t.Fatalf("blob get: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if string(got) != string(content) {
		t.Errorf("stored blob = %q, want %q", got, content)
	}

	// Read inflates the content back.
	read, err := store.Read(ctx, "Binary", stored.ID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if read.Resource["data"] != encoded {
		t.Errorf("read data = %v, want the original base64 payload", read.Resource["data"])
	}
	if read.Resource["contentType"] != "application/pdf" {
		t.Errorf("contentType lost on round trip")
	}
}

func TestBinaryBlobHookRejectsBadBase64(t *testing.T) {
	blobs := blobstore.NewMemStore()
	hooks := NewHooks()
	hooks.Register([]Interaction{InteractionCreate}, []string{"Binary"},
		NewBinaryBlobHook(blobs, zerolog.Nop()))
	store := NewStore(NewMemBackend(), DefaultRegistry(), hooks, true, zerolog.Nop())

	_, _, err := store.Create(context.Background(), "Binary", Document{"data": "%%% not base64 %%%"})
	if err == nil {
		t.Fatal("expected error for invalid base64")
	}
}

func TestBinaryBlobHookPassesThroughWithoutData(t *testing.T) {
	blobs := blobstore.NewMemStore()
	hooks := NewHooks()
	hooks.Register([]Interaction{InteractionCreate, InteractionRead}, []string{"Binary"},
		NewBinaryBlobHook(blobs, zerolog.Nop()))
	store := NewStore(NewMemBackend(), DefaultRegistry(), hooks, true, zerolog.Nop())

	stored := mustCreate(t, store, "Binary", Document{"contentType": "text/plain"})
	read, err := store.Read(context.Background(), "Binary", stored.ID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, ok := read.Resource["data"]; ok {
		t.Error("data appeared out of nowhere")
	}
}
