// Package blobstore persists immutable image payloads with metadata.
//
// Every Put yields a fresh identifier; stored blobs are never mutated, so
// backends need no cross-request locking beyond their own write-once contract.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a reference does not resolve.
	ErrNotFound = errors.New("blob not found")
	// ErrStoreUnavailable is returned when the backing store cannot be reached.
	ErrStoreUnavailable = errors.New("blob store unavailable")
)

// Collection groups blobs by their role in a swap.
type Collection string

const (
	CollectionSource Collection = "source"
	CollectionTarget Collection = "target"
	CollectionResult Collection = "result"
)

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	switch c {
	case CollectionSource, CollectionTarget, CollectionResult:
		return true
	}
	return false
}

// Ref names a stored payload together with its declared media type and
// original filename.
type Ref struct {
	ID         string     `json:"id"`
	Collection Collection `json:"collection"`
	MediaType  string     `json:"content_type"`
	Filename   string     `json:"filename"`
}

// Metadata describes a blob without its payload.
type Metadata struct {
	Ref
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Blob is a payload with its metadata.
type Blob struct {
	Metadata
	Data []byte `json:"-"`
}

// Store is the blob persistence capability consumed by the rest of the
// service. Implementations are safe for concurrent use.
type Store interface {
	// Put stores data and returns a fresh reference.
	Put(ctx context.Context, collection Collection, data []byte, mediaType, filename string) (Ref, error)
	// Get returns the payload and metadata for id.
	Get(ctx context.Context, collection Collection, id string) (*Blob, error)
	// Stat returns metadata for id without reading the payload.
	Stat(ctx context.Context, collection Collection, id string) (Metadata, error)
	// List yields metadata of every blob in collection, oldest first. Each
	// call re-reads current state; no cursor survives between calls.
	List(ctx context.Context, collection Collection) iter.Seq2[Metadata, error]
	// Ping checks connectivity to the backing store.
	Ping(ctx context.Context) error
	// Close releases resources held by the store.
	Close() error
}

// NewID returns a time-ordered identifier, so lexical order of IDs follows
// creation order.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func checkPut(collection Collection, data []byte) error {
	if !collection.Valid() {
		return fmt.Errorf("unknown collection %q", collection)
	}
	if len(data) == 0 {
		return errors.New("empty payload")
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}

// Collect drains a List sequence. It is a convenience for callers that need
// the whole collection at once.
func Collect(seq iter.Seq2[Metadata, error]) ([]Metadata, error) {
	var out []Metadata
	for meta, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, nil
}
