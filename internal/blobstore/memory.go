package blobstore

import (
	"bytes"
	"context"
	"iter"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps blobs in process memory. It backs tests and the
// "memory" backend for local runs.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[Collection]map[string]*Blob
	now   func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[Collection]map[string]*Blob),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Put(ctx context.Context, collection Collection, data []byte, mediaType, filename string) (Ref, error) {
	if err := checkPut(collection, data); err != nil {
		return Ref{}, err
	}
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	id, err := NewID()
	if err != nil {
		return Ref{}, err
	}

	ref := Ref{ID: id, Collection: collection, MediaType: mediaType, Filename: filename}
	blob := &Blob{
		Metadata: Metadata{Ref: ref, Size: int64(len(data)), CreatedAt: s.now()},
		Data:     bytes.Clone(data),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blobs[collection] == nil {
		s.blobs[collection] = make(map[string]*Blob)
	}
	s.blobs[collection][id] = blob
	return ref, nil
}

func (s *MemoryStore) Get(ctx context.Context, collection Collection, id string) (*Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return &Blob{Metadata: blob.Metadata, Data: bytes.Clone(blob.Data)}, nil
}

func (s *MemoryStore) Stat(ctx context.Context, collection Collection, id string) (Metadata, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[collection][id]
	if !ok {
		return Metadata{}, ErrNotFound
	}
	return blob.Metadata, nil
}

func (s *MemoryStore) List(ctx context.Context, collection Collection) iter.Seq2[Metadata, error] {
	return func(yield func(Metadata, error) bool) {
		s.mu.RLock()
		snapshot := make([]Metadata, 0, len(s.blobs[collection]))
		for _, blob := range s.blobs[collection] {
			snapshot = append(snapshot, blob.Metadata)
		}
		s.mu.RUnlock()

		sort.Slice(snapshot, func(i, j int) bool {
			if !snapshot[i].CreatedAt.Equal(snapshot[j].CreatedAt) {
				return snapshot[i].CreatedAt.Before(snapshot[j].CreatedAt)
			}
			return snapshot[i].ID < snapshot[j].ID
		})
		for _, meta := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(Metadata{}, err)
				return
			}
			if !yield(meta, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	return nil
}
