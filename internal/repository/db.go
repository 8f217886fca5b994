package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/timmy/xbutler/internal/config"
	"github.com/timmy/xbutler/internal/domain"
	applog "github.com/timmy/xbutler/internal/logger"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/dbresolver"
)

// InitDB opens the metadata store, registers read replicas and runs migrations.
// Parameters:
//   - cfg: database configuration including driver and connection settings.
//
// Returns:
//   - *gorm.DB: pooled database handle, safe for concurrent use.
//   - error: non-nil if connection or migration fails.
func InitDB(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	}

	log := applog.GetDefault().WithField(applog.FieldComponent, "db")
	log.Infof("Initializing database with driver %q", cfg.Driver)

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case "postgres":
		db, err = initPostgres(cfg.DSN(), gormConfig)
	case "sqlite", "":
		db, err = initSQLite(cfg, gormConfig)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if len(cfg.Replicas) > 0 {
		replicas := make([]gorm.Dialector, 0, len(cfg.Replicas))
		for _, dsn := range cfg.Replicas {
			if cfg.Driver == "postgres" {
				replicas = append(replicas, postgres.New(postgres.Config{DSN: dsn, PreferSimpleProtocol: true}))
			} else {
				replicas = append(replicas, sqlite.Open(dsn))
			}
		}
		if err := db.Use(dbresolver.Register(dbresolver.Config{
			Replicas: replicas,
			Policy:   dbresolver.RandomPolicy{},
		})); err != nil {
			return nil, fmt.Errorf("failed to register read replicas: %w", err)
		}
		log.Infof("Registered %d read replica(s)", len(replicas))
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if cfg.AutoMigrate {
		if err := Migrate(db); err != nil {
			return nil, err
		}
	}

	return db, nil
}

// Migrate creates or updates every table the pipeline uses.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&domain.ResourceTypeRecord{},
		&domain.KeywordCategory{},
		&domain.Keyword{},
		&domain.Resource{},
		&domain.ResourceKeyword{},
		&domain.IngestJob{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// SeedVocabulary inserts the resource types and the given keyword categories if absent.
// It is idempotent and safe to run on every start.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - db: database handle.
//   - categories: keyword category names, usually the prompt set's suffix keys.
//
// Returns:
//   - error: non-nil if any insert fails.
func SeedVocabulary(ctx context.Context, db *gorm.DB, categories []string) error {
	return db.WithContext(ctx).Clauses(dbresolver.Write).Transaction(func(tx *gorm.DB) error {
		for _, t := range domain.ResourceTypes() {
			rec := domain.ResourceTypeRecord{Type: t}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
				return fmt.Errorf("seed resource type %s: %w", t, err)
			}
		}
		for _, name := range categories {
			if name == "" {
				continue
			}
			cat := domain.KeywordCategory{Name: name}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&cat).Error; err != nil {
				return fmt.Errorf("seed keyword category %s: %w", name, err)
			}
		}
		return nil
	})
}

// initPostgres opens PostgreSQL with the simple protocol so transaction poolers work.
func initPostgres(dsn string, gormConfig *gorm.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return db, nil
}

func initSQLite(cfg *config.DatabaseConfig, gormConfig *gorm.Config) (*gorm.DB, error) {
	if cfg.Path != "" && cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA foreign_keys=ON")
	db.Exec("PRAGMA busy_timeout=5000")

	return db, nil
}

// readErr maps a gorm read error onto the tri-state contract:
// nil, domain.ErrNotFound, or an error wrapping domain.ErrStoreUnavailable.
func readErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrStoreUnavailable, err)
}
