package domain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/isometry/ipa-tuura/internal/logging"
)

// ErrNotFound is returned when no domain is configured.
var ErrNotFound = errors.New("domain not found")

// DatabaseType selects the gorm dialector.
type DatabaseType = string

const (
	DatabaseTypeSQLite   DatabaseType = "sqlite"
	DatabaseTypePostgres DatabaseType = "postgres"
)

// StoreConfig selects and locates the database.
type StoreConfig struct {
	Type     DatabaseType   `mapstructure:"type" default:"sqlite" validate:"oneof=sqlite postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig locates the database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path" default:"/var/lib/ipa-tuura/ipa-tuura.db"`
}

// PostgresConfig holds a libpq-style connection string.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// Store persists the singleton Record.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured database and migrates the schema.
func Open(cfg StoreConfig) (*Store, error) {
	var dialector gorm.Dialector

	switch cfg.Type {
	case DatabaseTypeSQLite, "":
		if cfg.SQLite.Path == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dialector = sqlite.Open(cfg.SQLite.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")

	case DatabaseTypePostgres:
		if cfg.Postgres.DSN == "" {
			return nil, fmt.Errorf("postgres dsn is required")
		}
		dialector = postgres.Open(cfg.Postgres.DSN)

	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to run database migration: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Get returns the active domain or ErrNotFound.
func (s *Store) Get(ctx context.Context) (*Record, error) {
	var rec Record
	if err := s.db.WithContext(ctx).First(&rec, SingletonID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load domain: %w", err)
	}
	return &rec, nil
}

// List returns zero or one records.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	rec, err := s.Get(ctx)
	if errors.Is(err, ErrNotFound) {
		return []*Record{}, nil
	}
	if err != nil {
		return nil, err
	}
	return []*Record{rec}, nil
}

// Save applies defaults and writes rec under the singleton key, replacing
// any existing record.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	if err := rec.ApplyDefaults(); err != nil {
		return err
	}
	rec.ID = SingletonID

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to save domain: %w", err)
	}

	tflog.SubsystemDebug(ctx, logging.SubsystemDomain, "Domain saved", map[string]any{
		"name":     rec.Name,
		"provider": string(rec.Provider),
	})
	return nil
}

// Delete removes the record. Deleting an absent record is not an error.
func (s *Store) Delete(ctx context.Context) error {
	result := s.db.WithContext(ctx).Delete(&Record{}, SingletonID)
	if result.Error != nil {
		return fmt.Errorf("failed to delete domain: %w", result.Error)
	}

	tflog.SubsystemDebug(ctx, logging.SubsystemDomain, "Domain deleted", map[string]any{
		"rows_affected": result.RowsAffected,
	})
	return nil
}
