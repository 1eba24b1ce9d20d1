// Package audit keeps a durable log of executions for operators. Sessions
// themselves are never persisted; only what ran, for whom, and how it ended.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Execution is one finished run of the media tool.
type Execution struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Owner       string    `gorm:"size:128;not null;index" json:"owner"`
	Platform    string    `gorm:"size:16" json:"platform"`
	ChannelID   string    `gorm:"size:128" json:"channel_id"`
	WorkspaceID string    `gorm:"size:64" json:"workspace_id"`
	Kind        string    `gorm:"size:32;not null;index" json:"kind"`
	Argv        string    `gorm:"type:text" json:"argv"` // JSON array, sensitive values redacted
	Files       int       `json:"files"`
	ExitCode    int       `json:"exit_code"`
	Signal      string    `gorm:"size:16" json:"signal,omitempty"`
	Stderr      string    `gorm:"type:text" json:"stderr,omitempty"`
	Error       string    `gorm:"size:512" json:"error,omitempty"`
	OutputBytes int64     `json:"output_bytes"`
	DurationMS  int64     `json:"duration_ms"`
	Delivered   bool      `json:"delivered"`
	Stopped     bool      `json:"stopped"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

// SetArgv stores argv as a JSON array.
func (e *Execution) SetArgv(argv []string) error {
	b, err := json.Marshal(argv)
	if err != nil {
		return fmt.Errorf("audit: marshal argv: %w", err)
	}
	e.Argv = string(b)
	return nil
}

// ArgvList decodes the stored argument vector.
func (e *Execution) ArgvList() ([]string, error) {
	if e.Argv == "" {
		return nil, nil
	}
	var argv []string
	if err := json.Unmarshal([]byte(e.Argv), &argv); err != nil {
		return nil, fmt.Errorf("audit: unmarshal argv for execution %d: %w", e.ID, err)
	}
	return argv, nil
}

// Open connects to the audit database. driver is "sqlite" or "mysql".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("audit: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", driver, err)
	}
	return db, nil
}

// Migrate creates or updates the audit tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Execution{}); err != nil {
		return fmt.Errorf("audit: auto-migrate: %w", err)
	}
	return nil
}

// Store reads and writes executions.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an open, migrated database.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("audit: store: db is required")
	}
	return &Store{db: db}, nil
}

// Record inserts e.
func (s *Store) Record(ctx context.Context, e *Execution) error {
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("audit: record execution for %s: %w", e.Owner, err)
	}
	return nil
}

// Recent returns up to limit executions, newest first. An empty owner
// matches everyone.
func (s *Store) Recent(ctx context.Context, owner string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	q := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit)
	if owner != "" {
		q = q.Where("owner = ?", owner)
	}
	var out []Execution
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("audit: recent executions: %w", err)
	}
	return out, nil
}

// CountByKind tallies executions recorded at or after since.
func (s *Store) CountByKind(ctx context.Context, since time.Time) (map[string]int64, error) {
	var rows []struct {
		Kind  string
		Total int64
	}
	err := s.db.WithContext(ctx).Model(&Execution{}).
		Select("kind, COUNT(*) AS total").
		Where("created_at >= ?", since).
		Group("kind").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("audit: count by kind: %w", err)
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Kind] = r.Total
	}
	return counts, nil
}

// Prune deletes executions recorded before the cutoff and returns how many.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", before).Delete(&Execution{})
	if res.Error != nil {
		return 0, fmt.Errorf("audit: prune before %s: %w", before.Format(time.RFC3339), res.Error)
	}
	return res.RowsAffected, nil
}
