package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemorySwapRepository keeps swap records in process memory. It backs the
// "memory" blob backend for local runs without a database.
type MemorySwapRepository struct {
	mu      sync.RWMutex
	records map[string]SwapRecord
}

// NewMemorySwapRepository returns an empty repository.
func NewMemorySwapRepository() *MemorySwapRepository {
	return &MemorySwapRepository{records: make(map[string]SwapRecord)}
}

func (r *MemorySwapRepository) SaveResult(ctx context.Context, record *SwapRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[record.ID]; exists {
		return fmt.Errorf("swap record %s already exists", record.ID)
	}
	r.records[record.ID] = copyRecord(record)
	return nil
}

func (r *MemorySwapRepository) FindByID(ctx context.Context, id string) (*SwapRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.records[id]; ok {
		out := copyRecord(&rec)
		return &out, nil
	}
	for _, rec := range r.records {
		if rec.ResultBlobID != nil && *rec.ResultBlobID == id {
			out := copyRecord(&rec)
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemorySwapRepository) FindByPair(ctx context.Context, sourceID, targetID string) ([]*SwapRecord, error) {
	return r.filter(func(rec *SwapRecord) bool {
		return rec.SourceBlobID == sourceID && rec.TargetBlobID == targetID
	}), nil
}

func (r *MemorySwapRepository) List(ctx context.Context) ([]*SwapRecord, error) {
	return r.filter(func(*SwapRecord) bool { return true }), nil
}

func (r *MemorySwapRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	agg := &MetricsAggregation{FailuresByKind: make(map[string]int64)}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		agg.TotalCount++
		if rec.ErrorKind == "" {
			agg.SuccessCount++
			continue
		}
		agg.FailuresByKind[rec.ErrorKind]++
	}
	return agg, nil
}

func (r *MemorySwapRepository) filter(keep func(*SwapRecord) bool) []*SwapRecord {
	r.mu.RLock()
	out := make([]*SwapRecord, 0, len(r.records))
	for _, rec := range r.records {
		if keep(&rec) {
			cp := copyRecord(&rec)
			out = append(out, &cp)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func copyRecord(rec *SwapRecord) SwapRecord {
	out := *rec
	if rec.ResultBlobID != nil {
		id := *rec.ResultBlobID
		out.ResultBlobID = &id
	}
	return out
}
