package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

func TestMemStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	content := []byte("binary payload")
	ref, err := s.Put(ctx, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ref == "" {
		t.Fatal("empty ref")
	}

	rc, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("content = %q, want %q", got, content)
	}
}

func TestMemStoreRefsAreUnique(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	a, _ := s.Put(ctx, bytes.NewReader([]byte("same")))
	b, _ := s.Put(ctx, bytes.NewReader([]byte("same")))
	if a == b {
		t.Error("identical content produced the same ref")
	}
}

func TestMemStoreGetMissing(t *testing.T) {
	s := NewMemStore()
	if _, err := s.Get(context.Background(), "no-such-ref"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("err = %v, want ErrBlobNotFound", err)
	}
}

func TestMemStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	ref, _ := s.Put(ctx, bytes.NewReader([]byte("x")))
	if err := s.Delete(ctx, ref); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, ref); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("get after delete = %v, want ErrBlobNotFound", err)
	}
	if err := s.Delete(ctx, ref); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("second delete = %v, want ErrBlobNotFound", err)
	}
}
