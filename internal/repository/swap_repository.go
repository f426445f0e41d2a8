package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/faceswap/internal/logging"
)

// ErrNotFound is returned when no swap record matches.
var ErrNotFound = errors.New("swap record not found")

// SwapRecord is the persisted terminal outcome of one swap request.
type SwapRecord struct {
	ID              string    `gorm:"column:id;primaryKey;size:36"`
	Status          string    `gorm:"column:status;size:16;not null;index"`
	ErrorKind       string    `gorm:"column:error_kind;size:32;index"`
	ErrorDetail     string    `gorm:"column:error_detail;type:text"`
	ResultBlobID    *string   `gorm:"column:result_blob_id;size:36;uniqueIndex"`
	ResultMediaType string    `gorm:"column:result_media_type;size:128"`
	ResultFilename  string    `gorm:"column:result_filename;size:255"`
	SourceBlobID    string    `gorm:"column:source_blob_id;size:36;not null;index:idx_swap_pair,priority:1"`
	SourceMediaType string    `gorm:"column:source_media_type;size:128"`
	SourceFilename  string    `gorm:"column:source_filename;size:255"`
	TargetBlobID    string    `gorm:"column:target_blob_id;size:36;not null;index:idx_swap_pair,priority:2"`
	TargetMediaType string    `gorm:"column:target_media_type;size:128"`
	TargetFilename  string    `gorm:"column:target_filename;size:255"`
	CreatedAt       time.Time `gorm:"column:created_at;not null;index"`
}

// TableName overrides the default table name.
func (SwapRecord) TableName() string {
	return "swap_results"
}

// MetricsAggregation holds raw counters over all swap records.
type MetricsAggregation struct {
	TotalCount     int64
	SuccessCount   int64
	FailuresByKind map[string]int64
}

// SwapRepository provides persistence APIs for swap records.
type SwapRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewSwapRepository creates a new repository instance.
func NewSwapRepository(db *gorm.DB, logger *zap.Logger) *SwapRepository {
	return &SwapRepository{
		db:             db,
		logger:         logger.Named("swap_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *SwapRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&SwapRecord{})
}

// SaveResult inserts a record. Records are never updated.
func (r *SwapRepository) SaveResult(ctx context.Context, record *SwapRecord) error {
	return r.executeWithRetry(ctx, "repository.save_result", record.ID, func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// FindByID looks a record up by its own ID or by its result blob ID.
func (r *SwapRepository) FindByID(ctx context.Context, id string) (*SwapRecord, error) {
	var record SwapRecord
	err := r.executeWithRetry(ctx, "repository.find_by_id", id, func() error {
		return r.db.WithContext(ctx).
			Where("id = ? OR result_blob_id = ?", id, id).
			First(&record).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

// FindByPair returns all records produced from the given inputs, oldest first.
func (r *SwapRepository) FindByPair(ctx context.Context, sourceID, targetID string) ([]*SwapRecord, error) {
	var records []*SwapRecord
	err := r.executeWithRetry(ctx, "repository.find_by_pair", sourceID+"/"+targetID, func() error {
		records = records[:0]
		return r.db.WithContext(ctx).
			Where("source_blob_id = ? AND target_blob_id = ?", sourceID, targetID).
			Order("created_at, id").
			Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// List returns every record ordered by creation time.
func (r *SwapRepository) List(ctx context.Context) ([]*SwapRecord, error) {
	var records []*SwapRecord
	err := r.executeWithRetry(ctx, "repository.list", "", func() error {
		records = records[:0]
		return r.db.WithContext(ctx).Order("created_at, id").Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// AggregateMetrics counts records by outcome.
func (r *SwapRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	type row struct {
		Status    string
		ErrorKind string
		Count     int64
	}
	var rows []row
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		rows = rows[:0]
		return r.db.WithContext(ctx).
			Model(&SwapRecord{}).
			Select("status, error_kind, COUNT(*) AS count").
			Group("status, error_kind").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	agg := &MetricsAggregation{FailuresByKind: make(map[string]int64)}
	for _, row := range rows {
		agg.TotalCount += row.Count
		if row.ErrorKind == "" {
			agg.SuccessCount += row.Count
			continue
		}
		agg.FailuresByKind[row.ErrorKind] += row.Count
	}
	return agg, nil
}

func (r *SwapRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
