// Package storage is the SQLite persistence layer: bots, users and roles,
// processed Telegram updates and ledger entries with their sync state.
package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/HugeFrog24/sheetbot/internal/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	ErrNotFound    = errors.New("record not found")
	ErrOwnerExists = errors.New("an owner already exists for this bot")
	ErrOwnerRole   = errors.New("the owner's role cannot be changed")
)

// Store wraps the gorm handle used by every bot in the process.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open connects to the SQLite database at path, applies pending
// migrations and seeds the default roles. Use ":memory:" in tests.
func Open(ctx context.Context, path string, log *zap.Logger) (*Store, error) {
	gormLog := gormlogger.New(
		logger.Std(log.Named("gorm"), zapcore.WarnLevel),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn(path)), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql handle: %w", err)
	}
	// SQLite allows a single writer; one connection also keeps ":memory:"
	// databases alive across queries.
	sqlDB.SetMaxOpenConns(1)

	s := &Store{db: db, log: log}
	if err := s.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := s.createDefaultRoles(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_foreign_keys=on&_busy_timeout=5000"
}

func (s *Store) migrate(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql handle: %w", err)
	}

	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, sqlDB, migrations)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to migrate database schema: %w", err)
	}
	for _, r := range results {
		s.log.Info("Applied migration",
			zap.Int64("version", r.Source.Version),
			zap.String("file", r.Source.Path),
			zap.Duration("took", r.Duration))
	}
	return nil
}

func (s *Store) createDefaultRoles(ctx context.Context) error {
	for _, roleName := range []string{RoleUser, RoleAdmin, RoleOwner} {
		var role Role
		if err := s.db.WithContext(ctx).FirstOrCreate(&role, Role{Name: roleName}).Error; err != nil {
			return fmt.Errorf("failed to create default role %s: %w", roleName, err)
		}
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
