package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aaronbmoore/hobbes-processor/pkg/storage"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Config mirrors the database section of the service configuration.
type Config struct {
	Driver      string
	DSN         string
	Dialect     string
	AutoMigrate bool
}

// Store implements storage.Store on top of GORM.
type Store struct {
	db *gorm.DB
}

type repositoryRow struct {
	ID            int64      `gorm:"column:id;primaryKey;autoIncrement"`
	ProjectID     int64      `gorm:"column:project_id;not null;index"`
	GitAccountID  int64      `gorm:"column:git_account_id;not null;index"`
	Name          string     `gorm:"column:name;size:255;not null"`
	RepositoryURL string     `gorm:"column:repository_url;size:512;not null"`
	Branch        string     `gorm:"column:branch;size:255;not null;default:main"`
	WebhookSecret string     `gorm:"column:webhook_secret;size:255"`
	FilePatterns  string     `gorm:"column:file_patterns;type:text"`
	IsActive      bool       `gorm:"column:is_active;not null"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime"`
	LastSyncedAt  *time.Time `gorm:"column:last_synced_at"`
}

func (repositoryRow) TableName() string { return "repositories" }

type accountRow struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	ProviderID  int64     `gorm:"column:provider_id;index"`
	Name        string    `gorm:"column:name;size:255;not null"`
	AccessToken string    `gorm:"column:access_token;type:text"`
	IsActive    bool      `gorm:"column:is_active;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (accountRow) TableName() string { return "git_accounts" }

type providerRow struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Name       string    `gorm:"column:name;size:64;not null;uniqueIndex"`
	APIBaseURL string    `gorm:"column:api_base_url;size:512"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (providerRow) TableName() string { return "git_providers" }

// Open creates a GORM-backed repository store.
func Open(cfg Config) (*Store, error) {
	if cfg.Driver == "" && cfg.Dialect == "" {
		return nil, errors.New("storage driver or dialect is required")
	}
	if cfg.DSN == "" {
		return nil, errors.New("storage dsn is required")
	}
	driver := NormalizeDriver(cfg.Driver)
	if driver == "" {
		driver = NormalizeDriver(cfg.Dialect)
	}
	if driver == "" {
		return nil, errors.New("unsupported storage driver")
	}

	gormDB, err := OpenGorm(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	store := &Store{db: gormDB}
	if cfg.AutoMigrate {
		if err := store.migrate(); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Close closes the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LookupTarget reads the repository, its account and the account's provider
// inside one read-only transaction.
func (s *Store) LookupTarget(ctx context.Context, repositoryID int64) (*storage.Target, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	var target *storage.Target
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var repo repositoryRow
		err := tx.Where("id = ? AND is_active = ?", repositoryID, true).Take(&repo).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return storage.ErrRepositoryNotFound
		}
		if err != nil {
			return err
		}

		var account accountRow
		err = tx.Where("id = ? AND is_active = ?", repo.GitAccountID, true).Take(&account).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return storage.ErrAccountNotFound
		}
		if err != nil {
			return err
		}

		repoRecord, err := repositoryFromRow(repo)
		if err != nil {
			return err
		}
		target = &storage.Target{
			Repository: repoRecord,
			Account:    accountFromRow(account),
		}

		if account.ProviderID == 0 {
			return nil
		}
		var provider providerRow
		err = tx.Where("id = ?", account.ProviderID).Take(&provider).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		target.Provider = &storage.ProviderRecord{
			ID:         provider.ID,
			Name:       provider.Name,
			APIBaseURL: provider.APIBaseURL,
			CreatedAt:  provider.CreatedAt,
		}
		return nil
	}, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	return target, nil
}

// SaveProvider inserts or updates a provider keyed by name.
func (s *Store) SaveProvider(ctx context.Context, record *storage.ProviderRecord) error {
	data := providerRow{ID: record.ID, Name: record.Name, APIBaseURL: record.APIBaseURL, CreatedAt: record.CreatedAt}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"api_base_url"}),
		}).
		Create(&data).Error
	if err != nil {
		return err
	}
	record.ID = data.ID
	return nil
}

// SaveAccount inserts or updates a git account.
func (s *Store) SaveAccount(ctx context.Context, record *storage.AccountRecord) error {
	data := accountRow{
		ID:          record.ID,
		ProviderID:  record.ProviderID,
		Name:        record.Name,
		AccessToken: record.AccessToken,
		IsActive:    record.IsActive,
		CreatedAt:   record.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Save(&data).Error; err != nil {
		return err
	}
	record.ID = data.ID
	return nil
}

// SaveRepository inserts or updates a repository.
func (s *Store) SaveRepository(ctx context.Context, record *storage.RepositoryRecord) error {
	data, err := repositoryToRow(*record)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Save(&data).Error; err != nil {
		return err
	}
	record.ID = data.ID
	return nil
}

func (s *Store) migrate() error {
	return s.db.AutoMigrate(&providerRow{}, &accountRow{}, &repositoryRow{})
}

func repositoryToRow(record storage.RepositoryRecord) (repositoryRow, error) {
	patterns := ""
	if record.FilePatterns != nil {
		raw, err := json.Marshal(record.FilePatterns)
		if err != nil {
			return repositoryRow{}, fmt.Errorf("encode file_patterns: %w", err)
		}
		patterns = string(raw)
	}
	branch := record.Branch
	if branch == "" {
		branch = "main"
	}
	return repositoryRow{
		ID:            record.ID,
		ProjectID:     record.ProjectID,
		GitAccountID:  record.GitAccountID,
		Name:          record.Name,
		RepositoryURL: record.RepositoryURL,
		Branch:        branch,
		WebhookSecret: record.WebhookSecret,
		FilePatterns:  patterns,
		IsActive:      record.IsActive,
		CreatedAt:     record.CreatedAt,
		LastSyncedAt:  record.LastSyncedAt,
	}, nil
}

func repositoryFromRow(data repositoryRow) (storage.RepositoryRecord, error) {
	record := storage.RepositoryRecord{
		ID:            data.ID,
		ProjectID:     data.ProjectID,
		GitAccountID:  data.GitAccountID,
		Name:          data.Name,
		RepositoryURL: data.RepositoryURL,
		Branch:        data.Branch,
		WebhookSecret: data.WebhookSecret,
		IsActive:      data.IsActive,
		CreatedAt:     data.CreatedAt,
		LastSyncedAt:  data.LastSyncedAt,
	}
	raw := strings.TrimSpace(data.FilePatterns)
	if raw == "" || raw == "null" {
		return record, nil
	}
	var patterns storage.FilePatterns
	if err := json.Unmarshal([]byte(raw), &patterns); err != nil {
		return storage.RepositoryRecord{}, fmt.Errorf("repository %d file_patterns: %w", data.ID, err)
	}
	record.FilePatterns = &patterns
	return record, nil
}

func accountFromRow(data accountRow) storage.AccountRecord {
	return storage.AccountRecord{
		ID:          data.ID,
		ProviderID:  data.ProviderID,
		Name:        data.Name,
		AccessToken: data.AccessToken,
		IsActive:    data.IsActive,
		CreatedAt:   data.CreatedAt,
	}
}

// NormalizeDriver maps driver aliases onto the GORM dialect names.
func NormalizeDriver(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "postgres", "postgresql", "pgx":
		return "postgres"
	case "mysql":
		return "mysql"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return ""
	}
}

// OpenGorm opens a GORM handle for a normalized driver name.
func OpenGorm(driver, dsn string) (*gorm.DB, error) {
	switch driver {
	case "postgres":
		return gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "mysql":
		return gorm.Open(mysql.Open(dsn), &gorm.Config{})
	case "sqlite":
		return gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
