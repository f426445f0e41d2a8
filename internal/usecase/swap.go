package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/example/faceswap/internal/blobstore"
	"github.com/example/faceswap/internal/logging"
	"github.com/example/faceswap/internal/provider"
	"github.com/example/faceswap/internal/registry"
)

// Invoker calls the face-swap provider. *provider.Adapter satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, source, target []byte) (*provider.Result, error)
}

// ResultRecorder stores terminal swap outcomes. *registry.Registry satisfies it.
type ResultRecorder interface {
	Record(ctx context.Context, result *registry.SwapResult) error
}

// BlobStore is the part of blobstore.Store the orchestrator reads and writes.
type BlobStore interface {
	Put(ctx context.Context, collection blobstore.Collection, data []byte, mediaType, filename string) (blobstore.Ref, error)
	Get(ctx context.Context, collection blobstore.Collection, id string) (*blobstore.Blob, error)
	Stat(ctx context.Context, collection blobstore.Collection, id string) (blobstore.Metadata, error)
}

// SwapUseCase drives one swap request from its inputs to a recorded outcome.
type SwapUseCase struct {
	blobs    BlobStore
	invoker  Invoker
	recorder ResultRecorder
	logger   *zap.Logger
	now      func() time.Time
	newID    func() (string, error)
}

// NewSwapUseCase constructs a new orchestrator instance.
func NewSwapUseCase(blobs BlobStore, invoker Invoker, recorder ResultRecorder, logger *zap.Logger) *SwapUseCase {
	return &SwapUseCase{
		blobs:    blobs,
		invoker:  invoker,
		recorder: recorder,
		logger:   logger.Named("swap_usecase"),
		now:      time.Now,
		newID:    blobstore.NewID,
	}
}

// SubmitSwap runs the swap of sourceID onto targetID to completion. When its
// status is Failed the error is a *SwapError carrying the failure kind. The
// result is nil only if no swap ID could be allocated; nothing is recorded
// and the error is not a *SwapError.
//
// Inputs are checked before the request is accepted. A missing input or an
// unreachable store at that point yields a Failed result that is not recorded.
// Every accepted request is recorded exactly once.
//
// Caller cancellation does not abort an accepted swap; only the provider
// deadline bounds it.
func (uc *SwapUseCase) SubmitSwap(ctx context.Context, sourceID, targetID string) (*registry.SwapResult, error) {
	ctx = context.WithoutCancel(ctx)

	swapID, err := uc.newID()
	if err != nil {
		return nil, logging.NewOperationError("usecase.submit_swap", "", err)
	}
	run := &swapRun{
		id:     swapID,
		state:  StateReceived,
		logger: logging.WithSwap(uc.logger, swapID, sourceID, targetID),
		result: &registry.SwapResult{
			ID:        swapID,
			SourceRef: blobstore.Ref{ID: sourceID, Collection: blobstore.CollectionSource},
			TargetRef: blobstore.Ref{ID: targetID, Collection: blobstore.CollectionTarget},
		},
	}
	run.logger.Info("swap received")

	sourceMeta, err := uc.blobs.Stat(ctx, blobstore.CollectionSource, sourceID)
	if err != nil {
		return uc.reject(run, storeKind(err), fmt.Errorf("source image %s: %w", sourceID, err))
	}
	targetMeta, err := uc.blobs.Stat(ctx, blobstore.CollectionTarget, targetID)
	if err != nil {
		return uc.reject(run, storeKind(err), fmt.Errorf("target image %s: %w", targetID, err))
	}
	run.result.SourceRef = sourceMeta.Ref
	run.result.TargetRef = targetMeta.Ref

	run.advance(StateFetchingInputs)
	source, err := uc.blobs.Get(ctx, blobstore.CollectionSource, sourceID)
	if err != nil {
		return uc.fail(ctx, run, storeKind(err), fmt.Errorf("read source image %s: %w", sourceID, err))
	}
	target, err := uc.blobs.Get(ctx, blobstore.CollectionTarget, targetID)
	if err != nil {
		return uc.fail(ctx, run, storeKind(err), fmt.Errorf("read target image %s: %w", targetID, err))
	}

	run.advance(StateInvoking)
	started := uc.now()
	res, err := uc.invoker.Invoke(ctx, source.Data, target.Data)
	if err != nil {
		return uc.fail(ctx, run, providerKind(err), err)
	}
	run.logger.Info("provider returned result",
		zap.Int("result_bytes", len(res.Data)),
		zap.String("media_type", res.MediaType),
		zap.Duration("latency", uc.now().Sub(started)),
	)

	run.advance(StatePersisting)
	ref, err := uc.blobs.Put(ctx, blobstore.CollectionResult, res.Data, res.MediaType, resultFilename(uc.now(), res.MediaType))
	if err != nil {
		return uc.fail(ctx, run, KindResultPersistFailure, fmt.Errorf("store result: %w", err))
	}

	run.result.Status = registry.StatusSucceeded
	run.result.ResultRef = &ref
	run.result.CreatedAt = registry.Timestamp(uc.now())
	if err := uc.recorder.Record(ctx, run.result); err != nil {
		// The result blob stays behind unreferenced.
		run.logger.Error("failed to record swap result", zap.String("result_id", ref.ID), zap.Error(err))
		run.result.Status = registry.StatusFailed
		run.result.ResultRef = nil
		return uc.terminate(run, KindResultPersistFailure, fmt.Errorf("record result: %w", err))
	}
	run.advance(StateSucceeded)
	return run.result, nil
}

// reject ends a request that was never accepted.
func (uc *SwapUseCase) reject(run *swapRun, kind ErrorKind, err error) (*registry.SwapResult, error) {
	run.result.CreatedAt = registry.Timestamp(uc.now())
	return uc.terminate(run, kind, err)
}

// fail records an accepted request's failure.
func (uc *SwapUseCase) fail(ctx context.Context, run *swapRun, kind ErrorKind, err error) (*registry.SwapResult, error) {
	run.result.CreatedAt = registry.Timestamp(uc.now())
	result, swapErr := uc.terminate(run, kind, err)
	if recErr := uc.recorder.Record(ctx, result); recErr != nil {
		run.logger.Error("failed to record swap failure",
			zap.String("error_kind", string(kind)),
			zap.Error(recErr),
		)
	}
	return result, swapErr
}

func (uc *SwapUseCase) terminate(run *swapRun, kind ErrorKind, err error) (*registry.SwapResult, error) {
	run.result.Status = registry.StatusFailed
	run.result.ErrorKind = string(kind)
	run.result.ErrorDetail = describe(kind, err)
	run.advance(StateFailed)
	run.logger.Warn("swap failed", zap.String("error_kind", string(kind)), zap.Error(err))
	return run.result, &SwapError{Kind: kind, SwapID: run.id, Err: err}
}

func storeKind(err error) ErrorKind {
	if errors.Is(err, blobstore.ErrNotFound) {
		return KindInputNotFound
	}
	return KindStoreUnavailable
}

// resultFilename names a result after its UTC creation second.
func resultFilename(now time.Time, mediaType string) string {
	ext := ".png"
	if mt := mimetype.Lookup(mediaType); mt != nil && mt.Extension() != "" {
		ext = mt.Extension()
	}
	return "faceswap_result_" + now.UTC().Format("20060102_150405") + ext
}
