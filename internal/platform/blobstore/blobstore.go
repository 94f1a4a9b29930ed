// Package blobstore stores opaque binary content referenced from
// resources. Binary payloads are moved here at write time and the
// stored document keeps only the returned ref.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrBlobNotFound = errors.New("blob not found")

// MaxBlobSize caps one stored payload at 100 MB.
const MaxBlobSize = 100 * 1024 * 1024

var ErrBlobTooLarge = errors.New("blob exceeds maximum allowed size")

// Store is the blob storage contract.
type Store interface {
	// Put reads the content and returns the ref under which it was
	// stored.
	Put(ctx context.Context, r io.Reader) (string, error)
	// Get opens the content stored under ref.
	Get(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}

// MemStore is the in-memory Store for tests and the dev server.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{blobs: map[string][]byte{}}
}

func (s *MemStore) Put(ctx context.Context, r io.Reader) (string, error) {
	data, err := readCapped(r)
	if err != nil {
		return "", err
	}

	ref := uuid.NewString()
	s.mu.Lock()
	s.blobs[ref] = data
	s.mu.Unlock()
	return ref, nil
}

func (s *MemStore) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	s.mu.RLock()
	data, ok := s.blobs[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemStore) Delete(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[ref]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, ref)
	return nil
}

// PgStore keeps blob content in the blobs table as bytea.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Put(ctx context.Context, r io.Reader) (string, error) {
	data, err := readCapped(r)
	if err != nil {
		return "", err
	}

	ref := uuid.NewString()
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO blobs (ref, content, created_at) VALUES ($1, $2, now())`,
		ref, data,
	); err != nil {
		return "", fmt.Errorf("store blob: %w", err)
	}
	return ref, nil
}

func (s *PgStore) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT content FROM blobs WHERE ref = $1`, ref).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load blob: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *PgStore) Delete(ctx context.Context, ref string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM blobs WHERE ref = $1`, ref)
	if err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBlobNotFound
	}
	return nil
}

func readCapped(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxBlobSize+1))
	if err != nil {
		return nil, fmt.Errorf("read blob content: %w", err)
	}
	if len(data) > MaxBlobSize {
		return nil, ErrBlobTooLarge
	}
	return data, nil
}
