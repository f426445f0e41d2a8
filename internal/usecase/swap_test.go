package usecase

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/faceswap/internal/blobstore"
	"github.com/example/faceswap/internal/provider"
	"github.com/example/faceswap/internal/registry"
	"github.com/example/faceswap/internal/repository"
)

type stubInvoker struct {
	mu     sync.Mutex
	calls  int
	result *provider.Result
	err    error
}

func (s *stubInvoker) Invoke(ctx context.Context, source, target []byte) (*provider.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubRecorder struct {
	recorded []*registry.SwapResult
	err      error
}

func (s *stubRecorder) Record(ctx context.Context, result *registry.SwapResult) error {
	if s.err != nil {
		return s.err
	}
	cp := *result
	s.recorded = append(s.recorded, &cp)
	return nil
}

// faultyStore fails selected operations of an otherwise working store.
type faultyStore struct {
	*blobstore.MemoryStore
	statErr error
	getErr  error
	putErr  error
}

func (s *faultyStore) Stat(ctx context.Context, c blobstore.Collection, id string) (blobstore.Metadata, error) {
	if s.statErr != nil {
		return blobstore.Metadata{}, s.statErr
	}
	return s.MemoryStore.Stat(ctx, c, id)
}

func (s *faultyStore) Get(ctx context.Context, c blobstore.Collection, id string) (*blobstore.Blob, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.MemoryStore.Get(ctx, c, id)
}

func (s *faultyStore) Put(ctx context.Context, c blobstore.Collection, data []byte, mediaType, filename string) (blobstore.Ref, error) {
	if s.putErr != nil && c == blobstore.CollectionResult {
		return blobstore.Ref{}, s.putErr
	}
	return s.MemoryStore.Put(ctx, c, data, mediaType, filename)
}

// scriptedTransport replays provider outcomes in order.
type scriptedTransport struct {
	mu     sync.Mutex
	calls  int
	script []error
	result *provider.Result
}

func (s *scriptedTransport) Name() string { return "scripted" }

func (s *scriptedTransport) Send(ctx context.Context, client *http.Client, source, target []byte) (*provider.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= len(s.script) {
		return nil, s.script[s.calls-1]
	}
	return s.result, nil
}

func pngPayload(size int) []byte {
	header := []byte("\x89PNG\r\n\x1a\n")
	return append(header, bytes.Repeat([]byte{0x42}, size-len(header))...)
}

func seedInputs(t *testing.T, store *blobstore.MemoryStore) (string, string) {
	t.Helper()
	ctx := context.Background()
	src, err := store.Put(ctx, blobstore.CollectionSource, bytes.Repeat([]byte{1}, 500), "image/jpeg", "face.jpg")
	if err != nil {
		t.Fatalf("seed source: %v", err)
	}
	tgt, err := store.Put(ctx, blobstore.CollectionTarget, bytes.Repeat([]byte{2}, 800), "image/jpeg", "scene.jpg")
	if err != nil {
		t.Fatalf("seed target: %v", err)
	}
	return src.ID, tgt.ID
}

func fixedClock() func() time.Time {
	return func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC) }
}

func TestSubmitSwapTimestampsAtStoredPrecision(t *testing.T) {
	store := blobstore.NewMemoryStore()
	sourceID, targetID := seedInputs(t, store)
	invoker := &stubInvoker{result: &provider.Result{Data: pngPayload(64), MediaType: "image/png"}}
	uc := NewSwapUseCase(store, invoker, &stubRecorder{}, zap.NewNop())
	uc.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 987654321, time.FixedZone("CET", 3600)) }

	result, err := uc.SubmitSwap(context.Background(), sourceID, targetID)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	want := time.Date(2024, 5, 6, 6, 8, 9, 987654000, time.UTC)
	if !result.CreatedAt.Equal(want) || result.CreatedAt.Location() != time.UTC {
		t.Fatalf("expected %s, got %s", want, result.CreatedAt)
	}
}

func TestSubmitSwapWithoutIDReturnsNoResult(t *testing.T) {
	store := blobstore.NewMemoryStore()
	sourceID, targetID := seedInputs(t, store)
	invoker := &stubInvoker{result: &provider.Result{Data: pngPayload(64), MediaType: "image/png"}}
	recorder := &stubRecorder{}
	uc := NewSwapUseCase(store, invoker, recorder, zap.NewNop())
	uc.newID = func() (string, error) { return "", errors.New("entropy exhausted") }

	result, err := uc.SubmitSwap(context.Background(), sourceID, targetID)
	if err == nil {
		t.Fatal("expected an error")
	}
	if result != nil {
		t.Fatalf("expected nil result, got %+v", result)
	}
	var swapErr *SwapError
	if errors.As(err, &swapErr) {
		t.Fatalf("expected a plain error, got %v", swapErr)
	}
	if invoker.calls != 0 || len(recorder.recorded) != 0 {
		t.Fatalf("expected no provider call and no record, got %d calls %d records", invoker.calls, len(recorder.recorded))
	}
}

func TestSubmitSwapSucceeds(t *testing.T) {
	store := blobstore.NewMemoryStore()
	sourceID, targetID := seedInputs(t, store)
	invoker := &stubInvoker{result: &provider.Result{Data: pngPayload(1200), MediaType: "image/png"}}
	recorder := &stubRecorder{}
	uc := NewSwapUseCase(store, invoker, recorder, zap.NewNop())
	uc.now = fixedClock()

	result, err := uc.SubmitSwap(context.Background(), sourceID, targetID)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.Status != registry.StatusSucceeded {
		t.Fatalf("expected Succeeded, got %s", result.Status)
	}
	if result.ResultRef == nil {
		t.Fatal("expected result ref")
	}
	if result.SourceRef.ID != sourceID || result.TargetRef.ID != targetID {
		t.Fatalf("unexpected input refs: %+v %+v", result.SourceRef, result.TargetRef)
	}
	if result.SourceRef.Filename != "face.jpg" {
		t.Fatalf("expected source metadata on ref, got %+v", result.SourceRef)
	}
	if invoker.calls != 1 {
		t.Fatalf("expected one provider call, got %d", invoker.calls)
	}
	if len(recorder.recorded) != 1 || recorder.recorded[0].ID != result.ID {
		t.Fatalf("expected the result to be recorded once, got %d", len(recorder.recorded))
	}

	blob, err := store.Get(context.Background(), blobstore.CollectionResult, result.ResultRef.ID)
	if err != nil {
		t.Fatalf("result blob missing: %v", err)
	}
	if len(blob.Data) != 1200 {
		t.Fatalf("expected 1200 byte result, got %d", len(blob.Data))
	}
	if blob.MediaType != "image/png" {
		t.Fatalf("unexpected media type %q", blob.MediaType)
	}
	if blob.Filename != "faceswap_result_20240506_070809.png" {
		t.Fatalf("unexpected filename %q", blob.Filename)
	}
}

func TestSubmitSwapMissingSourceSkipsProvider(t *testing.T) {
	store := blobstore.NewMemoryStore()
	_, targetID := seedInputs(t, store)
	invoker := &stubInvoker{result: &provider.Result{Data: pngPayload(64), MediaType: "image/png"}}
	recorder := &stubRecorder{}
	uc := NewSwapUseCase(store, invoker, recorder, zap.NewNop())

	result, err := uc.SubmitSwap(context.Background(), "does-not-exist", targetID)
	if KindOf(err) != KindInputNotFound {
		t.Fatalf("expected InputNotFound, got %v", err)
	}
	if !errors.Is(err, blobstore.ErrNotFound) {
		t.Fatalf("expected wrapped ErrNotFound, got %v", err)
	}
	if result.Status != registry.StatusFailed || result.ResultRef != nil {
		t.Fatalf("expected Failed without result ref, got %+v", result)
	}
	if !strings.HasPrefix(result.ErrorDetail, "InputNotFound") {
		t.Fatalf("error detail should name the kind, got %q", result.ErrorDetail)
	}
	if invoker.calls != 0 {
		t.Fatalf("provider must not be called, got %d calls", invoker.calls)
	}
	if len(recorder.recorded) != 0 {
		t.Fatalf("unaccepted request must not be recorded, got %d", len(recorder.recorded))
	}
}

func TestSubmitSwapStoreDownBeforeAcceptance(t *testing.T) {
	store := &faultyStore{MemoryStore: blobstore.NewMemoryStore(), statErr: blobstore.ErrStoreUnavailable}
	invoker := &stubInvoker{}
	recorder := &stubRecorder{}
	uc := NewSwapUseCase(store, invoker, recorder, zap.NewNop())

	_, err := uc.SubmitSwap(context.Background(), "a", "b")
	if KindOf(err) != KindStoreUnavailable {
		t.Fatalf("expected StoreUnavailable, got %v", err)
	}
	if invoker.calls != 0 || len(recorder.recorded) != 0 {
		t.Fatalf("expected no provider call and no record, got %d calls %d records", invoker.calls, len(recorder.recorded))
	}
}

func TestSubmitSwapFetchFailureIsRecorded(t *testing.T) {
	mem := blobstore.NewMemoryStore()
	sourceID, targetID := seedInputs(t, mem)
	store := &faultyStore{MemoryStore: mem, getErr: blobstore.ErrStoreUnavailable}
	invoker := &stubInvoker{}
	recorder := &stubRecorder{}
	uc := NewSwapUseCase(store, invoker, recorder, zap.NewNop())

	result, err := uc.SubmitSwap(context.Background(), sourceID, targetID)
	if KindOf(err) != KindStoreUnavailable {
		t.Fatalf("expected StoreUnavailable, got %v", err)
	}
	if invoker.calls != 0 {
		t.Fatalf("provider must not be called, got %d", invoker.calls)
	}
	if len(recorder.recorded) != 1 || recorder.recorded[0].ID != result.ID {
		t.Fatalf("expected accepted failure to be recorded once, got %d", len(recorder.recorded))
	}
}

func TestSubmitSwapRetriesColdStartThroughAdapter(t *testing.T) {
	store := blobstore.NewMemoryStore()
	sourceID, targetID := seedInputs(t, store)
	transport := &scriptedTransport{
		script: []error{
			&provider.Error{Kind: provider.KindUnavailable, Status: http.StatusServiceUnavailable, Err: errors.New("loading")},
			&provider.Error{Kind: provider.KindUnavailable, Status: http.StatusNotFound, Err: errors.New("not ready")},
		},
		result: &provider.Result{Data: pngPayload(1200), MediaType: "image/png"},
	}
	adapter := provider.NewAdapter(transport, provider.Options{
		MaxAttempts:   3,
		RetryDelay:    time.Millisecond,
		RetryBackoff:  1,
		MaxRetryDelay: time.Millisecond,
		Deadline:      5 * time.Second,
	}, zap.NewNop())
	recorder := &stubRecorder{}
	uc := NewSwapUseCase(store, adapter, recorder, zap.NewNop())

	result, err := uc.SubmitSwap(context.Background(), sourceID, targetID)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if transport.calls != 3 {
		t.Fatalf("expected 3 provider calls, got %d", transport.calls)
	}
	if result.Status != registry.StatusSucceeded {
		t.Fatalf("expected Succeeded, got %s", result.Status)
	}
}

func TestSubmitSwapProviderRejectionIsNotRetried(t *testing.T) {
	store := blobstore.NewMemoryStore()
	sourceID, targetID := seedInputs(t, store)
	transport := &scriptedTransport{
		script: []error{&provider.Error{Kind: provider.KindRejected, Status: http.StatusBadRequest, Err: errors.New("no face detected")}},
	}
	adapter := provider.NewAdapter(transport, provider.Options{MaxAttempts: 3, RetryDelay: time.Millisecond, Deadline: time.Second}, zap.NewNop())
	recorder := &stubRecorder{}
	uc := NewSwapUseCase(store, adapter, recorder, zap.NewNop())

	result, err := uc.SubmitSwap(context.Background(), sourceID, targetID)
	if KindOf(err) != KindProviderRejected {
		t.Fatalf("expected ProviderRejected, got %v", err)
	}
	if transport.calls != 1 {
		t.Fatalf("expected exactly one provider call, got %d", transport.calls)
	}
	if result.ResultRef != nil || result.Status != registry.StatusFailed {
		t.Fatalf("expected Failed without result, got %+v", result)
	}
	if len(recorder.recorded) != 1 {
		t.Fatalf("expected failure to be recorded, got %d", len(recorder.recorded))
	}
	if got := recorder.recorded[0].ErrorKind; got != string(KindProviderRejected) {
		t.Fatalf("unexpected recorded kind %q", got)
	}
}

func TestSubmitSwapMapsProviderKinds(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{&provider.Error{Kind: provider.KindTimeout}, KindProviderTimeout},
		{&provider.Error{Kind: provider.KindUnavailable}, KindProviderUnavailable},
		{&provider.Error{Kind: provider.KindProtocol}, KindProviderProtocol},
		{errors.New("unclassified"), KindProviderUnavailable},
	}
	for _, tc := range cases {
		store := blobstore.NewMemoryStore()
		sourceID, targetID := seedInputs(t, store)
		uc := NewSwapUseCase(store, &stubInvoker{err: tc.err}, &stubRecorder{}, zap.NewNop())

		_, err := uc.SubmitSwap(context.Background(), sourceID, targetID)
		if KindOf(err) != tc.want {
			t.Fatalf("error %v: expected %s, got %s", tc.err, tc.want, KindOf(err))
		}
	}
}

func TestSubmitSwapResultPersistFailure(t *testing.T) {
	mem := blobstore.NewMemoryStore()
	sourceID, targetID := seedInputs(t, mem)
	store := &faultyStore{MemoryStore: mem, putErr: blobstore.ErrStoreUnavailable}
	invoker := &stubInvoker{result: &provider.Result{Data: pngPayload(100), MediaType: "image/png"}}
	recorder := &stubRecorder{}
	uc := NewSwapUseCase(store, invoker, recorder, zap.NewNop())

	result, err := uc.SubmitSwap(context.Background(), sourceID, targetID)
	if KindOf(err) != KindResultPersistFailure {
		t.Fatalf("expected ResultPersistFailure, got %v", err)
	}
	if result.ResultRef != nil {
		t.Fatalf("failed result must not carry a ref: %+v", result.ResultRef)
	}
	if len(recorder.recorded) != 1 || recorder.recorded[0].Status != registry.StatusFailed {
		t.Fatalf("expected a recorded failure, got %+v", recorder.recorded)
	}
}

func TestSubmitSwapRegistryFailure(t *testing.T) {
	store := blobstore.NewMemoryStore()
	sourceID, targetID := seedInputs(t, store)
	invoker := &stubInvoker{result: &provider.Result{Data: pngPayload(100), MediaType: "image/png"}}
	recorder := &stubRecorder{err: errors.New("database is down")}
	uc := NewSwapUseCase(store, invoker, recorder, zap.NewNop())

	result, err := uc.SubmitSwap(context.Background(), sourceID, targetID)
	if KindOf(err) != KindResultPersistFailure {
		t.Fatalf("expected ResultPersistFailure, got %v", err)
	}
	if result.Status != registry.StatusFailed || result.ResultRef != nil {
		t.Fatalf("expected Failed without ref, got %+v", result)
	}
}

func TestSubmitSwapIgnoresCallerCancellation(t *testing.T) {
	store := blobstore.NewMemoryStore()
	sourceID, targetID := seedInputs(t, store)
	invoker := &stubInvoker{result: &provider.Result{Data: pngPayload(100), MediaType: "image/png"}}
	uc := NewSwapUseCase(store, invoker, &stubRecorder{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := uc.SubmitSwap(ctx, sourceID, targetID)
	if err != nil {
		t.Fatalf("expected success despite cancelled caller, got %v", err)
	}
	if result.Status != registry.StatusSucceeded {
		t.Fatalf("expected Succeeded, got %s", result.Status)
	}
}

func TestSubmitSwapRoundTripThroughRegistry(t *testing.T) {
	store := blobstore.NewMemoryStore()
	sourceID, targetID := seedInputs(t, store)
	reg := registry.New(repository.NewMemorySwapRepository(), store, nil, time.Minute, zap.NewNop())
	payload := pngPayload(1200)
	uc := NewSwapUseCase(store, &stubInvoker{result: &provider.Result{Data: payload, MediaType: "image/png"}}, reg, zap.NewNop())

	result, err := uc.SubmitSwap(context.Background(), sourceID, targetID)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	got, err := reg.Get(context.Background(), result.ID)
	if err != nil {
		t.Fatalf("expected recorded result, got %v", err)
	}
	if got.ResultRef == nil || got.ResultRef.ID != result.ResultRef.ID {
		t.Fatalf("unexpected recorded ref %+v", got.ResultRef)
	}
	data, err := reg.Payload(context.Background(), result.ID)
	if err != nil {
		t.Fatalf("expected payload, got %v", err)
	}
	if !bytes.Equal(data.Data, payload) {
		t.Fatal("payload differs from provider output")
	}

	// Identical pairs are recomputed, and both outcomes stay discoverable.
	if _, err := uc.SubmitSwap(context.Background(), sourceID, targetID); err != nil {
		t.Fatalf("second swap failed: %v", err)
	}
	history, err := reg.ByPair(context.Background(), sourceID, targetID)
	if err != nil {
		t.Fatalf("by pair: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 results for the pair, got %d", len(history))
	}
}

func TestStateTransitions(t *testing.T) {
	if !StateReceived.CanTransition(StateFetchingInputs) {
		t.Fatal("Received should lead to FetchingInputs")
	}
	if StateReceived.CanTransition(StateInvoking) {
		t.Fatal("Received must not skip to Invoking")
	}
	for _, s := range []State{StateReceived, StateFetchingInputs, StateInvoking, StatePersisting} {
		if !s.CanTransition(StateFailed) {
			t.Fatalf("%s should be able to fail", s)
		}
		if s.Terminal() {
			t.Fatalf("%s is not terminal", s)
		}
	}
	if StateSucceeded.CanTransition(StateFailed) || StateFailed.CanTransition(StateSucceeded) {
		t.Fatal("terminal states must not transition")
	}
}

func TestResultFilename(t *testing.T) {
	ts := time.Date(2023, 12, 31, 23, 59, 58, 0, time.FixedZone("x", 3600))
	if got := resultFilename(ts, "image/jpeg"); got != "faceswap_result_20231231_225958.jpg" {
		t.Fatalf("unexpected filename %q", got)
	}
	if got := resultFilename(ts, "application/x-unknown"); got != "faceswap_result_20231231_225958.png" {
		t.Fatalf("unexpected fallback filename %q", got)
	}
}
