package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aaronbmoore/hobbes-processor/pkg/storage/repositories"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQL stores objects as rows. Each write bumps a per-key version counter.
type SQL struct {
	db     *gorm.DB
	bucket string
	table  string
}

type objectRow struct {
	ObjectKey   string    `gorm:"column:object_key;primaryKey;size:1024"`
	Body        []byte    `gorm:"column:body"`
	ContentType string    `gorm:"column:content_type;size:128"`
	Version     int64     `gorm:"column:version;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

// OpenSQL opens a GORM-backed object table.
func OpenSQL(cfg Config) (*SQL, error) {
	driver := repositories.NormalizeDriver(cfg.SQLDriver)
	if driver == "" {
		return nil, fmt.Errorf("unsupported object store sql driver: %q", cfg.SQLDriver)
	}
	if cfg.DSN == "" {
		return nil, errors.New("object store dsn is required")
	}
	db, err := repositories.OpenGorm(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return NewSQL(db, cfg)
}

// NewSQL wraps an existing GORM handle.
func NewSQL(db *gorm.DB, cfg Config) (*SQL, error) {
	table := cfg.Table
	if table == "" {
		table = "hobbes_objects"
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = table
	}
	store := &SQL{db: db, bucket: bucket, table: table}
	if cfg.AutoMigrate {
		if err := store.tableDB().AutoMigrate(&objectRow{}); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func (s *SQL) Bucket() string { return s.bucket }

func (s *SQL) Put(ctx context.Context, key string, body []byte, contentType string) error {
	now := time.Now().UTC()
	data := objectRow{ObjectKey: key, Body: body, ContentType: contentType, Version: 1, UpdatedAt: now}
	err := s.tableDB().
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "object_key"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"body":         body,
				"content_type": contentType,
				"version":      gorm.Expr("version + 1"),
				"updated_at":   now,
			}),
		}).
		Create(&data).Error
	if err != nil {
		return fmt.Errorf("sql put %s: %w", key, err)
	}
	return nil
}

func (s *SQL) Get(ctx context.Context, key string) (*Object, error) {
	var data objectRow
	err := s.tableDB().WithContext(ctx).Where("object_key = ?", key).Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sql get %s: %w", key, err)
	}
	return &Object{
		Key:         data.ObjectKey,
		Body:        data.Body,
		ContentType: data.ContentType,
		Version:     strconv.FormatInt(data.Version, 10),
	}, nil
}

func (s *SQL) PutIfMatch(ctx context.Context, key string, body []byte, contentType, version string) error {
	expected, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return ErrPreconditionFailed
	}
	result := s.tableDB().
		WithContext(ctx).
		Where("object_key = ? AND version = ?", key, expected).
		Updates(map[string]interface{}{
			"body":         body,
			"content_type": contentType,
			"version":      expected + 1,
			"updated_at":   time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("sql conditional put %s: %w", key, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrPreconditionFailed
	}
	return nil
}

func (s *SQL) tableDB() *gorm.DB {
	return s.db.Table(s.table)
}
