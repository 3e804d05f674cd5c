package quota

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DefaultFreeRows is the monthly row allowance for callers without a paid plan.
const DefaultFreeRows = 50

// CallerPlan marks a caller as paid. Callers without a row are on the free plan.
type CallerPlan struct {
	CallerID  string    `gorm:"primaryKey;type:text" json:"caller_id"`
	Paid      bool      `gorm:"not null;default:false" json:"paid"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// UsageRecord is one completed run.
type UsageRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CallerID  string    `gorm:"index:idx_usage_caller_period;not null" json:"caller_id"`
	Period    string    `gorm:"index:idx_usage_caller_period;not null" json:"period"` // YYYY-MM
	RowCount  int       `gorm:"not null" json:"row_count"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (CallerPlan) TableName() string  { return "caller_plans" }
func (UsageRecord) TableName() string { return "usage_records" }

// Store is a gorm-backed Quota. Free callers get freeRows per calendar month (UTC).
type Store struct {
	db       *gorm.DB
	freeRows int
	now      func() time.Time
}

// Open opens (and migrates) a SQLite quota database.
func Open(dsn string, freeRows int) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("quota dsn is required")
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open quota db: %w", err)
	}
	return NewStore(db, freeRows)
}

// NewStore migrates db and returns a Store over it. freeRows < 0 uses DefaultFreeRows.
func NewStore(db *gorm.DB, freeRows int) (*Store, error) {
	if err := db.AutoMigrate(&CallerPlan{}, &UsageRecord{}); err != nil {
		return nil, fmt.Errorf("migrate quota tables: %w", err)
	}
	if freeRows < 0 {
		freeRows = DefaultFreeRows
	}
	return &Store{db: db, freeRows: freeRows, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) period() string {
	return s.now().UTC().Format("2006-01")
}

func (s *Store) Limits(ctx context.Context, caller string) (Limits, error) {
	caller = strings.TrimSpace(caller)

	var plan CallerPlan
	err := s.db.WithContext(ctx).Where("caller_id = ?", caller).Limit(1).Find(&plan).Error
	if err != nil {
		return Limits{}, fmt.Errorf("load plan: %w", err)
	}
	if plan.Paid {
		return Limits{}, nil
	}

	used, err := s.Usage(ctx, caller)
	if err != nil {
		return Limits{}, err
	}
	return Limits{Limited: true, MaxRows: max(s.freeRows-used, 0)}, nil
}

// Usage returns the rows recorded for caller in the current period.
func (s *Store) Usage(ctx context.Context, caller string) (int, error) {
	var used int64
	err := s.db.WithContext(ctx).
		Model(&UsageRecord{}).
		Where("caller_id = ? AND period = ?", strings.TrimSpace(caller), s.period()).
		Select("COALESCE(SUM(row_count), 0)").
		Scan(&used).Error
	if err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return int(used), nil
}

func (s *Store) Record(ctx context.Context, caller string, rows int) error {
	if rows <= 0 {
		return nil
	}
	rec := UsageRecord{
		CallerID:  strings.TrimSpace(caller),
		Period:    s.period(),
		RowCount:  rows,
		CreatedAt: s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// SetPaid upserts the caller's plan.
func (s *Store) SetPaid(ctx context.Context, caller string, paid bool) error {
	now := s.now().UTC()
	plan := CallerPlan{CallerID: strings.TrimSpace(caller), Paid: paid, CreatedAt: now, UpdatedAt: now}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "caller_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"paid", "updated_at"}),
	}).Create(&plan).Error
	if err != nil {
		return fmt.Errorf("set plan: %w", err)
	}
	return nil
}
