package threadstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/hasura/promptql-chat-sdk/ids"
)

const defaultSQLiteFile = "promptql-chat.db"

type threadIdentityRow struct {
	ScopeKey  string    `gorm:"column:scope_key;primaryKey"`
	ThreadID  string    `gorm:"column:thread_id"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (threadIdentityRow) TableName() string {
	return "thread_identities"
}

type GormStore struct {
	db    *gorm.DB
	scope string
}

// NewGormStore opens the durable identity store. sqlite is the local
// per-installation default; postgres serves deployments that hold widget
// state centrally.
func NewGormStore(driver, dsn, scope string) (*GormStore, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	gormDB, err := openDatabase(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open thread store: %w", err)
	}

	store := &GormStore{db: gormDB, scope: scope}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func openDatabase(driver, dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		return openSQLiteFile(dsn)
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("dsn is required for the postgres driver")
		}
		return gorm.Open(postgres.Open(dsn), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported thread store driver %q", driver)
	}
}

// openSQLiteFile treats the DSN as a plain file path; the store creates
// the parent directory so a fresh installation works without setup.
// ":memory:" is accepted for throwaway stores.
func openSQLiteFile(path string) (*gorm.DB, error) {
	if path == "" {
		path = defaultSQLiteFile
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create thread store dir: %w", err)
			}
		}
	}
	return gorm.Open(sqlite.Open(path), &gorm.Config{})
}

func (s *GormStore) migrate() error {
	return s.db.AutoMigrate(&threadIdentityRow{})
}

func (s *GormStore) Get(ctx context.Context) (string, error) {
	var row threadIdentityRow
	err := s.db.WithContext(ctx).
		Where("scope_key = ?", scopeKey(s.scope)).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("get thread id: %w", err)
	}
	if !ids.ValidThreadID(row.ThreadID) {
		return "", nil
	}
	return row.ThreadID, nil
}

func (s *GormStore) Set(ctx context.Context, threadID string) error {
	if err := validateThreadID(threadID); err != nil {
		return err
	}
	row := threadIdentityRow{
		ScopeKey:  scopeKey(s.scope),
		ThreadID:  threadID,
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("persist thread id: %w", err)
	}
	return nil
}

func (s *GormStore) Clear(ctx context.Context) error {
	err := s.db.WithContext(ctx).
		Where("scope_key = ?", scopeKey(s.scope)).
		Delete(&threadIdentityRow{}).Error
	if err != nil {
		return fmt.Errorf("clear thread id: %w", err)
	}
	return nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("access underlying db: %w", err)
	}
	return sqlDB.Close()
}
