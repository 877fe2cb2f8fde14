// Package journal persists the runtime's activity feed using GORM. SQLite
// via modernc (pure Go, no CGO) through the glebarez driver is the default;
// PostgreSQL is available for deployments that already run one. The journal
// is an audit trail for the operator: writes are best-effort and never block
// or fail signal handling.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/nookplot/internal/protocol"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures the journal backend.
type Config struct {
	Driver  string // "sqlite" (default) or "postgres"
	Path    string // SQLite file path
	DSN     string // PostgreSQL DSN
	MaxRows int    // Oldest entries beyond this are pruned. 0 disables pruning.
}

// Entry is one persisted activity record.
type Entry struct {
	ID         string    `gorm:"type:text;primaryKey" json:"id"`
	Kind       string    `gorm:"index" json:"kind"`
	Summary    string    `json:"summary"`
	Details    string    `gorm:"type:text" json:"details,omitempty"`
	SignalType string    `gorm:"index" json:"signalType,omitempty"`
	ActionType string    `gorm:"index" json:"actionType,omitempty"`
	CreatedAt  time.Time `gorm:"index" json:"createdAt"`
}

// TableName keeps the table name stable across backends.
func (Entry) TableName() string { return "activity_journal" }

// Journal is a GORM-backed activity store.
type Journal struct {
	db      *gorm.DB
	logger  *slog.Logger
	driver  string
	maxRows int
}

// Open connects to the configured backend and migrates the schema.
func Open(cfg Config, slogger *slog.Logger) (*Journal, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gormCfg := &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var db *gorm.DB
	var err error
	switch driver {
	case DriverSQLite:
		path := cfg.Path
		if path == "" {
			path = "nookplot.db"
		}
		if dir := filepath.Dir(path); dir != "." {
			if mkErr := os.MkdirAll(dir, 0750); mkErr != nil {
				return nil, fmt.Errorf("creating journal directory %s: %w", dir, mkErr)
			}
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres journal requires a dsn")
		}
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	default:
		return nil, fmt.Errorf("unknown journal driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s journal: %w", driver, err)
	}

	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrating journal schema: %w", err)
	}

	slogger.Info("activity journal opened", slog.String("driver", driver))
	return &Journal{db: db, logger: slogger, driver: driver, maxRows: cfg.MaxRows}, nil
}

// Driver returns the backend name.
func (j *Journal) Driver() string { return j.driver }

// Record persists one activity event. Details that fail to serialize are
// dropped rather than blocking the write.
func (j *Journal) Record(ctx context.Context, kind protocol.ActivityKind, summary string, details map[string]any) error {
	entry := Entry{
		ID:        uuid.NewString(),
		Kind:      string(kind),
		Summary:   summary,
		CreatedAt: time.Now().UTC(),
	}
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			entry.Details = string(raw)
		}
		if v, ok := details["signalType"].(string); ok {
			entry.SignalType = v
		}
		if v, ok := details["action"].(string); ok {
			entry.ActionType = v
		}
	}
	if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("recording activity: %w", err)
	}
	return nil
}

// Recent returns the newest entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var entries []Entry
	err := j.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("listing activity: %w", err)
	}
	return entries, nil
}

// ByKind returns the newest entries of one activity kind.
func (j *Journal) ByKind(ctx context.Context, kind protocol.ActivityKind, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var entries []Entry
	err := j.db.WithContext(ctx).
		Where("kind = ?", string(kind)).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("listing activity: %w", err)
	}
	return entries, nil
}

// Prune deletes the oldest rows beyond the configured cap.
func (j *Journal) Prune(ctx context.Context) error {
	if j.maxRows <= 0 {
		return nil
	}
	var count int64
	if err := j.db.WithContext(ctx).Model(&Entry{}).Count(&count).Error; err != nil {
		return err
	}
	excess := count - int64(j.maxRows)
	if excess <= 0 {
		return nil
	}
	return j.db.WithContext(ctx).
		Where("id IN (?)", j.db.Model(&Entry{}).
			Select("id").
			Order("created_at ASC").
			Limit(int(excess)),
		).
		Delete(&Entry{}).Error
}

// Ping verifies the underlying connection is alive.
func (j *Journal) Ping(ctx context.Context) error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
