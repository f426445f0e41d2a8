// Package ingest accepts source and target images into the blob store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/example/faceswap/internal/blobstore"
	"github.com/example/faceswap/internal/logging"
)

var (
	// ErrUnsupportedMedia is returned for payloads that are not images.
	ErrUnsupportedMedia = errors.New("unsupported media type")
	// ErrTooLarge is returned for payloads above the upload limit.
	ErrTooLarge = errors.New("image exceeds upload limit")
	// ErrEmpty is returned for zero-length uploads.
	ErrEmpty = errors.New("image is empty")
	// ErrCollection is returned when uploading outside the input collections.
	ErrCollection = errors.New("uploads are accepted for source and target images only")
)

// DefaultMaxSize is the upload limit when none is configured.
const DefaultMaxSize int64 = 10 << 20

// Service validates and stores input images.
type Service struct {
	blobs   blobstore.Store
	maxSize int64
	logger  *zap.Logger
}

// NewService constructs an ingestion service. maxSize <= 0 selects DefaultMaxSize.
func NewService(blobs blobstore.Store, maxSize int64, logger *zap.Logger) *Service {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Service{blobs: blobs, maxSize: maxSize, logger: logger.Named("ingest")}
}

// MaxSize reports the upload limit in bytes.
func (s *Service) MaxSize() int64 {
	return s.maxSize
}

// Upload stores data as a new source or target image. The media type is
// sniffed from the content; the client-declared type is not trusted.
func (s *Service) Upload(ctx context.Context, collection blobstore.Collection, filename string, data []byte) (blobstore.Metadata, error) {
	mediaType, err := s.validate(collection, data)
	if err != nil {
		return blobstore.Metadata{}, err
	}

	ref, err := s.blobs.Put(ctx, collection, data, mediaType, filename)
	if err != nil {
		return blobstore.Metadata{}, logging.NewOperationError("ingest.upload", filename, err)
	}
	meta, err := s.blobs.Stat(ctx, collection, ref.ID)
	if err != nil {
		return blobstore.Metadata{}, logging.NewOperationError("ingest.upload", ref.ID, err)
	}

	logging.WithOperation(s.logger, "ingest.upload", ref.ID).Info("image stored",
		zap.String("collection", string(collection)),
		zap.String("filename", filename),
		zap.String("media_type", mediaType),
		zap.Int("bytes", len(data)),
	)
	return meta, nil
}

// Open returns a stored input image.
func (s *Service) Open(ctx context.Context, collection blobstore.Collection, id string) (*blobstore.Blob, error) {
	return s.blobs.Get(ctx, collection, id)
}

// List returns metadata of every image in collection, oldest first.
func (s *Service) List(ctx context.Context, collection blobstore.Collection) ([]blobstore.Metadata, error) {
	return blobstore.Collect(s.blobs.List(ctx, collection))
}

// Ping reports whether the blob store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.blobs.Ping(ctx)
}

func (s *Service) validate(collection blobstore.Collection, data []byte) (string, error) {
	if collection != blobstore.CollectionSource && collection != blobstore.CollectionTarget {
		return "", fmt.Errorf("%w: %q", ErrCollection, collection)
	}
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if int64(len(data)) > s.maxSize {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(data), s.maxSize)
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMedia, mt.String())
	}
	return mt.String(), nil
}
