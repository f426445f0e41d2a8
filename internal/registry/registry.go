// Package registry records terminal swap outcomes and serves them back by
// identifier, by input pair, or as a full listing.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/faceswap/internal/blobstore"
	"github.com/example/faceswap/internal/logging"
	"github.com/example/faceswap/internal/repository"
)

// ErrNotFound is returned when a result or its payload does not exist.
var ErrNotFound = errors.New("result not found")

// Status is the terminal state of a swap request.
type Status string

const (
	StatusSucceeded Status = "Succeeded"
	StatusFailed    Status = "Failed"
)

// SwapResult is the immutable record of one swap request's outcome.
// ResultRef is set if and only if Status is StatusSucceeded.
type SwapResult struct {
	ID          string         `json:"id"`
	ResultRef   *blobstore.Ref `json:"result_ref,omitempty"`
	SourceRef   blobstore.Ref  `json:"source_ref"`
	TargetRef   blobstore.Ref  `json:"target_ref"`
	Status      Status         `json:"status"`
	ErrorKind   string         `json:"error_kind,omitempty"`
	ErrorDetail string         `json:"error_detail,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Validate checks the status/payload invariant.
func (r *SwapResult) Validate() error {
	switch r.Status {
	case StatusSucceeded:
		if r.ResultRef == nil || r.ResultRef.ID == "" {
			return errors.New("succeeded result without result ref")
		}
		if r.ErrorKind != "" {
			return errors.New("succeeded result with error kind")
		}
	case StatusFailed:
		if r.ResultRef != nil {
			return errors.New("failed result with result ref")
		}
		if r.ErrorKind == "" {
			return errors.New("failed result without error kind")
		}
	default:
		return fmt.Errorf("non-terminal status %q", r.Status)
	}
	if r.ID == "" {
		return errors.New("result id is required")
	}
	return nil
}

// Payload is the result image of a succeeded swap.
type Payload struct {
	Data      []byte
	MediaType string
	Filename  string
}

// Records is the persistence the registry indexes results with.
type Records interface {
	SaveResult(ctx context.Context, record *repository.SwapRecord) error
	FindByID(ctx context.Context, id string) (*repository.SwapRecord, error)
	FindByPair(ctx context.Context, sourceID, targetID string) ([]*repository.SwapRecord, error)
	List(ctx context.Context) ([]*repository.SwapRecord, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Registry is read-only for everyone except the orchestrator, which calls Record.
type Registry struct {
	records        Records
	blobs          blobstore.Store
	cache          Cache
	cacheTTL       time.Duration
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// New constructs a registry. A nil cache disables caching.
func New(records Records, blobs blobstore.Store, cache Cache, cacheTTL time.Duration, logger *zap.Logger) *Registry {
	if cache == nil {
		cache = NopCache{}
	}
	return &Registry{
		records:        records,
		blobs:          blobs,
		cache:          cache,
		cacheTTL:       cacheTTL,
		logger:         logger.Named("result_registry"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Record persists a terminal result. CreatedAt is normalized in place to UTC
// at microsecond precision, the resolution of the records table, so cached
// and stored copies stay identical.
func (r *Registry) Record(ctx context.Context, result *SwapResult) error {
	if err := result.Validate(); err != nil {
		return logging.NewOperationError("registry.record", result.ID, err)
	}
	result.CreatedAt = Timestamp(result.CreatedAt)
	if err := r.records.SaveResult(ctx, toRecord(result)); err != nil {
		return logging.NewOperationError("registry.record", result.ID, err)
	}

	r.cacheResult(ctx, result.ID, result)
	if result.ResultRef != nil {
		r.cacheResult(ctx, result.ResultRef.ID, result)
	}
	return nil
}

// Get returns the result with the given SwapResult ID or result blob ID.
func (r *Registry) Get(ctx context.Context, id string) (*SwapResult, error) {
	opLogger := logging.WithOperation(r.logger, "registry.get", id)

	key := cacheKey(id)
	var cached string
	err := r.withRedisRetry(ctx, id, "cache.get.result", func() error {
		value, err := r.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		cached = value
		return nil
	})
	switch {
	case err == nil:
		var result SwapResult
		decodeErr := json.Unmarshal([]byte(cached), &result)
		if decodeErr == nil {
			return &result, nil
		}
		opLogger.Warn("failed to decode cached result", zap.Error(decodeErr))
	case !errors.Is(err, ErrCacheMiss):
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	record, err := r.records.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, logging.NewOperationError("registry.get", id, err)
	}
	result := fromRecord(record)
	r.cacheResult(ctx, id, result)
	return result, nil
}

// Payload returns the result image bytes for a succeeded swap.
func (r *Registry) Payload(ctx context.Context, id string) (*Payload, error) {
	result, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if result.ResultRef == nil {
		return nil, fmt.Errorf("swap %s has status %s: %w", result.ID, result.Status, ErrNotFound)
	}
	blob, err := r.blobs.Get(ctx, blobstore.CollectionResult, result.ResultRef.ID)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("result blob %s: %w", result.ResultRef.ID, ErrNotFound)
		}
		return nil, logging.NewOperationError("registry.payload", id, err)
	}
	return &Payload{Data: blob.Data, MediaType: blob.MediaType, Filename: blob.Filename}, nil
}

// List returns metadata of every result, oldest first.
func (r *Registry) List(ctx context.Context) ([]SwapResult, error) {
	records, err := r.records.List(ctx)
	if err != nil {
		return nil, logging.NewOperationError("registry.list", "", err)
	}
	return fromRecords(records), nil
}

// ByPair returns every result produced from the given inputs, oldest first.
func (r *Registry) ByPair(ctx context.Context, sourceID, targetID string) ([]SwapResult, error) {
	records, err := r.records.FindByPair(ctx, sourceID, targetID)
	if err != nil {
		return nil, logging.NewOperationError("registry.by_pair", sourceID+"/"+targetID, err)
	}
	return fromRecords(records), nil
}

func (r *Registry) cacheResult(ctx context.Context, id string, result *SwapResult) {
	serialized, err := json.Marshal(result)
	if err != nil {
		r.logger.Warn("failed to serialize result for cache", zap.String("swap_id", result.ID), zap.Error(err))
		return
	}
	if err := r.withRedisRetry(ctx, id, "cache.set.result", func() error {
		return r.cache.Set(ctx, cacheKey(id), string(serialized), r.cacheTTL)
	}); err != nil {
		logging.WithOperation(r.logger, "registry.cache_result", id).Warn("failed to cache result", zap.Error(err))
	}
}

// Timestamp truncates t to the precision results are stored with.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func cacheKey(id string) string {
	return "swap_result:" + id
}

func toRecord(result *SwapResult) *repository.SwapRecord {
	rec := &repository.SwapRecord{
		ID:              result.ID,
		Status:          string(result.Status),
		ErrorKind:       result.ErrorKind,
		ErrorDetail:     result.ErrorDetail,
		SourceBlobID:    result.SourceRef.ID,
		SourceMediaType: result.SourceRef.MediaType,
		SourceFilename:  result.SourceRef.Filename,
		TargetBlobID:    result.TargetRef.ID,
		TargetMediaType: result.TargetRef.MediaType,
		TargetFilename:  result.TargetRef.Filename,
		CreatedAt:       result.CreatedAt,
	}
	if result.ResultRef != nil {
		id := result.ResultRef.ID
		rec.ResultBlobID = &id
		rec.ResultMediaType = result.ResultRef.MediaType
		rec.ResultFilename = result.ResultRef.Filename
	}
	return rec
}

func fromRecord(rec *repository.SwapRecord) *SwapResult {
	result := &SwapResult{
		ID: rec.ID,
		SourceRef: blobstore.Ref{
			ID:         rec.SourceBlobID,
			Collection: blobstore.CollectionSource,
			MediaType:  rec.SourceMediaType,
			Filename:   rec.SourceFilename,
		},
		TargetRef: blobstore.Ref{
			ID:         rec.TargetBlobID,
			Collection: blobstore.CollectionTarget,
			MediaType:  rec.TargetMediaType,
			Filename:   rec.TargetFilename,
		},
		Status:      Status(rec.Status),
		ErrorKind:   rec.ErrorKind,
		ErrorDetail: rec.ErrorDetail,
		CreatedAt:   Timestamp(rec.CreatedAt),
	}
	if rec.ResultBlobID != nil {
		result.ResultRef = &blobstore.Ref{
			ID:         *rec.ResultBlobID,
			Collection: blobstore.CollectionResult,
			MediaType:  rec.ResultMediaType,
			Filename:   rec.ResultFilename,
		}
	}
	return result
}

func fromRecords(records []*repository.SwapRecord) []SwapResult {
	out := make([]SwapResult, 0, len(records))
	for _, rec := range records {
		out = append(out, *fromRecord(rec))
	}
	return out
}
