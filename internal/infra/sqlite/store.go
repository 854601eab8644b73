// Package sqlite is the local projection store: the same contract as the
// BigQuery store on a SQLite file through gorm.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/civil"
	"github.com/allmantool/hbudget-ledger/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	sqlitedriver "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// HistoryEntry is one row of the balance projection.
type HistoryEntry struct {
	ID              uint            `gorm:"primaryKey"`
	AccountID       string          `gorm:"not null;index:idx_history_period,priority:1;index:idx_history_operation,priority:1"`
	Period          string          `gorm:"not null;index:idx_history_period,priority:2"`
	Position        int             `gorm:"not null"`
	OperationID     string          `gorm:"not null;index:idx_history_operation,priority:2"`
	OperationDay    string          `gorm:"not null"`
	Amount          decimal.Decimal `gorm:"type:text;not null"`
	CategoryID      string          `gorm:"not null"`
	ContractorID    string
	Comment         string
	TransactionType string
	IngestionTS     int64
	Balance         decimal.Decimal `gorm:"type:text;not null"`
	UpdatedAt       time.Time
}

// TableName keeps the table name aligned with the BigQuery store.
func (HistoryEntry) TableName() string {
	return "payment_operation_history"
}

// Store is the projection store backed by SQLite.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the database file and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlitedriver.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.AutoMigrate(&HistoryEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ReplaceAll swaps every row of the period inside one transaction.
func (s *Store) ReplaceAll(ctx context.Context, period domain.PeriodKey, records []domain.PaymentOperationHistoryRecord) error {
	err := s.ReplacePeriods(ctx, period.AccountID,
		map[domain.PeriodKey][]domain.PaymentOperationHistoryRecord{period: records})
	if err != nil {
		return fmt.Errorf("ReplaceAll: %s: %w", period, err)
	}
	return nil
}

// ReplacePeriods swaps every row of each listed period of accountID inside
// one transaction.
func (s *Store) ReplacePeriods(ctx context.Context, accountID string, periods map[domain.PeriodKey][]domain.PaymentOperationHistoryRecord) error {
	keys := make([]domain.PeriodKey, 0, len(periods))
	for key := range periods {
		if key.AccountID != accountID {
			return fmt.Errorf("ReplacePeriods: %w: period %s is not of account %s", domain.ErrValidation, key, accountID)
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].YearMonth() < keys[j].YearMonth() })

	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, key := range keys {
			if err := tx.Where("account_id = ? AND period = ?", accountID, key.YearMonth()).
				Delete(&HistoryEntry{}).Error; err != nil {
				return fmt.Errorf("delete period %s: %w", key.YearMonth(), err)
			}
			records := periods[key]
			if len(records) == 0 {
				continue
			}
			entries := make([]HistoryEntry, 0, len(records))
			for i, rec := range records {
				entries = append(entries, toEntry(key, i, rec, now))
			}
			if err := tx.Create(&entries).Error; err != nil {
				return fmt.Errorf("insert period %s: %w", key.YearMonth(), err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ReplacePeriods: %s: %w", accountID, err)
	}
	return nil
}

// GetByID returns domain.ErrNotFound when the operation has no record.
func (s *Store) GetByID(ctx context.Context, accountID string, operationID uuid.UUID) (domain.PaymentOperationHistoryRecord, error) {
	var entry HistoryEntry
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND operation_id = ?", accountID, operationID.String()).
		Order("updated_at DESC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.PaymentOperationHistoryRecord{}, fmt.Errorf("GetByID: operation %s: %w", operationID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.PaymentOperationHistoryRecord{}, fmt.Errorf("GetByID: %w", err)
	}
	return entry.record()
}

// GetAll returns the account's records in projection order.
func (s *Store) GetAll(ctx context.Context, accountID string) ([]domain.PaymentOperationHistoryRecord, error) {
	var entries []HistoryEntry
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("period, position").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("GetAll: %w", err)
	}

	records := make([]domain.PaymentOperationHistoryRecord, 0, len(entries))
	for _, e := range entries {
		rec, err := e.record()
		if err != nil {
			return nil, fmt.Errorf("GetAll: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func toEntry(period domain.PeriodKey, position int, rec domain.PaymentOperationHistoryRecord, now time.Time) HistoryEntry {
	tx := rec.Record
	return HistoryEntry{
		AccountID:       period.AccountID,
		Period:          period.YearMonth(),
		Position:        position,
		OperationID:     tx.Key.String(),
		OperationDay:    tx.OperationDay.String(),
		Amount:          tx.Amount,
		CategoryID:      tx.CategoryID,
		ContractorID:    tx.ContractorID,
		Comment:         tx.Comment,
		TransactionType: string(tx.Kind),
		IngestionTS:     tx.IngestionTimestamp,
		Balance:         rec.Balance,
		UpdatedAt:       now,
	}
}

func (e HistoryEntry) record() (domain.PaymentOperationHistoryRecord, error) {
	key, err := uuid.Parse(e.OperationID)
	if err != nil {
		return domain.PaymentOperationHistoryRecord{}, fmt.Errorf("operation id %q: %w", e.OperationID, err)
	}
	day, err := civil.ParseDate(e.OperationDay)
	if err != nil {
		return domain.PaymentOperationHistoryRecord{}, fmt.Errorf("operation day %q: %w", e.OperationDay, err)
	}
	return domain.PaymentOperationHistoryRecord{
		Record: domain.FinancialTransaction{
			Key:                key,
			AccountID:          e.AccountID,
			Amount:             e.Amount,
			CategoryID:         e.CategoryID,
			ContractorID:       e.ContractorID,
			Comment:            e.Comment,
			OperationDay:       day,
			Kind:               domain.TransactionKind(e.TransactionType),
			IngestionTimestamp: e.IngestionTS,
		},
		Balance: e.Balance,
	}, nil
}
