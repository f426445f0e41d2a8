package blobstore

import (
	"context"
	"errors"
	"iter"
	"time"

	"gorm.io/gorm"
)

// blobRow is the relational layout of a stored blob. Payloads live inline in
// a bytea column.
type blobRow struct {
	ID         string    `gorm:"column:id;primaryKey;size:36"`
	Collection string    `gorm:"column:collection;size:16;not null;index:idx_blobs_collection_created,priority:1"`
	Filename   string    `gorm:"column:filename;size:255"`
	MediaType  string    `gorm:"column:media_type;size:128"`
	Size       int64     `gorm:"column:size_bytes"`
	Data       []byte    `gorm:"column:data;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;index:idx_blobs_collection_created,priority:2"`
}

func (blobRow) TableName() string {
	return "blobs"
}

var metadataColumns = []string{"id", "collection", "filename", "media_type", "size_bytes", "created_at"}

func (r blobRow) metadata() Metadata {
	return Metadata{
		Ref: Ref{
			ID:         r.ID,
			Collection: Collection(r.Collection),
			MediaType:  r.MediaType,
			Filename:   r.Filename,
		},
		Size:      r.Size,
		CreatedAt: r.CreatedAt,
	}
}

// SQLStore keeps blobs in a relational database through gorm. The *gorm.DB
// handle is owned by the caller, who closes it on shutdown.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore wraps an open gorm handle.
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

// AutoMigrate ensures the blobs table exists.
func (s *SQLStore) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&blobRow{})
}

func (s *SQLStore) Put(ctx context.Context, collection Collection, data []byte, mediaType, filename string) (Ref, error) {
	if err := checkPut(collection, data); err != nil {
		return Ref{}, err
	}
	id, err := NewID()
	if err != nil {
		return Ref{}, err
	}
	row := &blobRow{
		ID:         id,
		Collection: string(collection),
		Filename:   filename,
		MediaType:  mediaType,
		Size:       int64(len(data)),
		Data:       data,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return Ref{}, unavailable("blobstore.sql.put", err)
	}
	return Ref{ID: id, Collection: collection, MediaType: mediaType, Filename: filename}, nil
}

func (s *SQLStore) Get(ctx context.Context, collection Collection, id string) (*Blob, error) {
	var row blobRow
	err := s.db.WithContext(ctx).
		Where("collection = ? AND id = ?", string(collection), id).
		First(&row).Error
	if err != nil {
		return nil, s.classify("blobstore.sql.get", err)
	}
	return &Blob{Metadata: row.metadata(), Data: row.Data}, nil
}

func (s *SQLStore) Stat(ctx context.Context, collection Collection, id string) (Metadata, error) {
	var row blobRow
	err := s.db.WithContext(ctx).
		Select(metadataColumns).
		Where("collection = ? AND id = ?", string(collection), id).
		First(&row).Error
	if err != nil {
		return Metadata{}, s.classify("blobstore.sql.stat", err)
	}
	return row.metadata(), nil
}

func (s *SQLStore) List(ctx context.Context, collection Collection) iter.Seq2[Metadata, error] {
	return func(yield func(Metadata, error) bool) {
		tx := s.db.WithContext(ctx).
			Model(&blobRow{}).
			Select(metadataColumns).
			Where("collection = ?", string(collection)).
			Order("created_at, id")
		rows, err := tx.Rows()
		if err != nil {
			yield(Metadata{}, unavailable("blobstore.sql.list", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var row blobRow
			if err := tx.ScanRows(rows, &row); err != nil {
				yield(Metadata{}, unavailable("blobstore.sql.list", err))
				return
			}
			if !yield(row.metadata(), nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Metadata{}, unavailable("blobstore.sql.list", err))
		}
	}
}

func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable("blobstore.sql.ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable("blobstore.sql.ping", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return nil
}

func (s *SQLStore) classify(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return unavailable(op, err)
}
