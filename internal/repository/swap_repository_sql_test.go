package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var swapColumns = []string{
	"id", "status", "error_kind", "error_detail",
	"result_blob_id", "result_media_type", "result_filename",
	"source_blob_id", "source_media_type", "source_filename",
	"target_blob_id", "target_media_type", "target_filename",
	"created_at",
}

func newMockRepository(t *testing.T) (*SwapRepository, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Discard,
	})
	if err != nil {
		t.Fatalf("gorm open: %v", err)
	}
	repo := NewSwapRepository(db, zap.NewNop())
	repo.initialBackoff = time.Millisecond
	repo.maxBackoff = 2 * time.Millisecond
	return repo, mock
}

func TestSwapRepositorySaveResult(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectExec(`INSERT INTO "swap_results"`).WillReturnResult(sqlmock.NewResult(0, 1))

	record := &SwapRecord{ID: "swap-1", Status: "Failed", ErrorKind: "ProviderTimeout", SourceBlobID: "s", TargetBlobID: "t", CreatedAt: time.Now().UTC()}
	if err := repo.SaveResult(context.Background(), record); err != nil {
		t.Fatalf("SaveResult() err=%v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSwapRepositoryFindByIDMatchesResultBlob(t *testing.T) {
	repo, mock := newMockRepository(t)
	created := time.Date(2024, 4, 5, 6, 7, 8, 0, time.UTC)

	mock.ExpectQuery(`SELECT \* FROM "swap_results" WHERE \(?id = \$1 OR result_blob_id = \$2`).
		WillReturnRows(sqlmock.NewRows(swapColumns).AddRow(
			"swap-1", "Succeeded", "", "",
			"blob-9", "image/png", "faceswap_result.png",
			"s", "image/jpeg", "a.jpg",
			"t", "image/jpeg", "b.jpg",
			created,
		))

	record, err := repo.FindByID(context.Background(), "blob-9")
	if err != nil {
		t.Fatalf("FindByID() err=%v", err)
	}
	if record.ID != "swap-1" || record.ResultBlobID == nil || *record.ResultBlobID != "blob-9" {
		t.Fatalf("unexpected record %+v", record)
	}
	if !record.CreatedAt.Equal(created) {
		t.Fatalf("expected created_at %s, got %s", created, record.CreatedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSwapRepositoryFindByIDNotFound(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(`FROM "swap_results" WHERE`).WillReturnRows(sqlmock.NewRows(swapColumns))

	_, err := repo.FindByID(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSwapRepositoryFindByPairOrdered(t *testing.T) {
	repo, mock := newMockRepository(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM "swap_results" WHERE source_blob_id = \$1 AND target_blob_id = \$2 ORDER BY created_at, id`).
		WithArgs("s", "t").
		WillReturnRows(sqlmock.NewRows(swapColumns).
			AddRow("swap-1", "Succeeded", "", "", "blob-1", "image/png", "r.png", "s", "", "", "t", "", "", base).
			AddRow("swap-2", "Failed", "ProviderRejected", "ProviderRejected: no face", nil, "", "", "s", "", "", "t", "", "", base.Add(time.Minute)))

	records, err := repo.FindByPair(context.Background(), "s", "t")
	if err != nil {
		t.Fatalf("FindByPair() err=%v", err)
	}
	if len(records) != 2 || records[0].ID != "swap-1" || records[1].ID != "swap-2" {
		t.Fatalf("unexpected records %+v", records)
	}
	if records[1].ResultBlobID != nil {
		t.Fatal("expected failed record without result blob")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSwapRepositoryAggregateMetrics(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(`SELECT status, error_kind, COUNT\(\*\) AS count FROM "swap_results" GROUP BY status, error_kind`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "error_kind", "count"}).
			AddRow("Succeeded", "", 7).
			AddRow("Failed", "ProviderTimeout", 2).
			AddRow("Failed", "InputNotFound", 1))

	agg, err := repo.AggregateMetrics(context.Background())
	if err != nil {
		t.Fatalf("AggregateMetrics() err=%v", err)
	}
	if agg.TotalCount != 10 || agg.SuccessCount != 7 {
		t.Fatalf("unexpected totals %+v", agg)
	}
	if agg.FailuresByKind["ProviderTimeout"] != 2 || agg.FailuresByKind["InputNotFound"] != 1 {
		t.Fatalf("unexpected failures %+v", agg.FailuresByKind)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSwapRepositoryRetriesTransientQueryError(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(`FROM "swap_results" ORDER BY created_at, id`).WillReturnError(transientTestError{})
	mock.ExpectQuery(`FROM "swap_results" ORDER BY created_at, id`).
		WillReturnRows(sqlmock.NewRows(swapColumns).
			AddRow("swap-1", "Failed", "ProviderUnavailable", "ProviderUnavailable: refused", nil, "", "", "s", "", "", "t", "", "", time.Now().UTC()))

	records, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("List() err=%v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
