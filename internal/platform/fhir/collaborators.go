package fhir

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/clinrepo/clinrepo/internal/platform/blobstore"
	"github.com/clinrepo/clinrepo/internal/platform/queue"
)

// NewMatchEnqueueHook returns the post hook that feeds the matching
// queue: every Patient create and update enqueues one job carrying the
// written resource. Register it for create/update on Patient.
func NewMatchEnqueueHook(q queue.Queue, log zerolog.Logger) Hook {
	log = log.With().Str("component", "match-enqueue").Logger()
	return HookFuncs{
		AfterFunc: func(ctx context.Context, in Interaction, resourceType string, data Document) (Document, *OperationOutcome, error) {
			if data == nil {
				return nil, nil, nil
			}
			payload, err := json.Marshal(data)
			if err != nil {
				log.Error().Err(err).Msg("skipping unserializable match job")
				return nil, nil, nil
			}
			id, err := q.Enqueue(ctx, payload)
			if err != nil {
				// The write itself succeeded; a lost job is logged, not
				// surfaced to the client.
				log.Error().Err(err).Str("resource", data.ID()).Msg("match job enqueue failed")
				return nil, nil, nil
			}
			log.Debug().Str("job", id).Str("resource", data.ID()).Msg("match job enqueued")
			return nil, nil, nil
		},
	}
}

// NewBinaryBlobHook returns the pair of hooks that keep Binary content
// out of the document store. Before create/update the base64 payload
// moves into the blob store and only the ref is kept, as a derived
// transform. After read the content is inflated back from the ref.
// Register it for create/update/read on Binary.
func NewBinaryBlobHook(blobs blobstore.Store, log zerolog.Logger) Hook {
	log = log.With().Str("component", "binary-blob").Logger()
	return HookFuncs{
		BeforeFunc: func(ctx context.Context, in Interaction, resourceType string, resource Document) (Document, *OperationOutcome, error) {
			if resource == nil {
				return nil, nil, nil
			}
			encoded, ok := resource["data"].(string)
			if !ok || encoded == "" {
				return nil, nil, nil
			}
			content, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return nil, nil, ValidationError("Binary.data is not valid base64")
			}
			ref, err := blobs.Put(ctx, bytes.NewReader(content))
			if err != nil {
				return nil, nil, InternalError("%s", err.Error())
			}

			altered := resource.Clone()
			delete(altered, "data")
			altered["_transforms"] = map[string]interface{}{
				"blob": map[string]interface{}{"ref": ref},
			}
			log.Debug().Str("ref", ref).Int("bytes", len(content)).Msg("binary content stored")
			return altered, nil, nil
		},
		AfterFunc: func(ctx context.Context, in Interaction, resourceType string, data Document) (Document, *OperationOutcome, error) {
			if in != InteractionRead || data == nil {
				return nil, nil, nil
			}
			ref := blobRef(data)
			if ref == "" {
				return nil, nil, nil
			}
			rc, err := blobs.Get(ctx, ref)
			if err != nil {
				return nil, nil, InternalError("%s", err.Error())
			}
			defer rc.Close()

			var buf bytes.Buffer
			if _, err := buf.ReadFrom(rc); err != nil {
				return nil, nil, InternalError("%s", err.Error())
			}
			altered := data.Clone()
			altered["data"] = base64.StdEncoding.EncodeToString(buf.Bytes())
			return altered, nil, nil
		},
	}
}

func blobRef(data Document) string {
	tr, ok := data["_transforms"].(map[string]interface{})
	if !ok {
		return ""
	}
	blob, ok := tr["blob"].(map[string]interface{})
	if !ok {
		return ""
	}
	ref, _ := blob["ref"].(string)
	return ref
}
