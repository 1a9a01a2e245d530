// Package sqlstore persists the tally ledger in SQLite through gorm.
package sqlstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"ex-tally/pkg/otogi"
	"ex-tally/pkg/tally"
)

const checkpointRowID = 1

type entryModel struct {
	Account string `gorm:"primaryKey;size:255"`
	Total   int64  `gorm:"not null"`
	Seq     int64  `gorm:"not null;index"`
}

func (entryModel) TableName() string {
	return "ledger_entries"
}

type checkpointModel struct {
	ID       int   `gorm:"primaryKey;autoIncrement:false"`
	RecordID int64 `gorm:"not null"`
}

func (checkpointModel) TableName() string {
	return "ledger_checkpoints"
}

// Store is a tally.Store applying each change inside one transaction.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite database at dsn and migrates the ledger tables.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("open sql store: empty dsn")
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sql store %s: %w", dsn, err)
	}

	store, err := New(db)
	if err != nil {
		return nil, errors.Join(err, closeDB(db))
	}

	return store, nil
}

// New wraps an existing gorm handle and migrates the ledger tables.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("new sql store: nil db")
	}
	if err := db.AutoMigrate(&entryModel{}, &checkpointModel{}); err != nil {
		return nil, fmt.Errorf("new sql store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Load reads all entries and the checkpoint.
func (s *Store) Load(ctx context.Context) (tally.Snapshot, error) {
	var rows []entryModel
	if err := s.db.WithContext(ctx).Order("seq ASC").Find(&rows).Error; err != nil {
		return tally.Snapshot{}, fmt.Errorf("load ledger entries: %w", err)
	}

	snapshot := tally.Snapshot{Entries: make([]tally.Entry, 0, len(rows))}
	for _, row := range rows {
		snapshot.Entries = append(snapshot.Entries, tally.Entry{
			Account: row.Account,
			Total:   row.Total,
			Seq:     row.Seq,
		})
	}

	var checkpoint checkpointModel
	err := s.db.WithContext(ctx).Where("id = ?", checkpointRowID).Take(&checkpoint).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return tally.Snapshot{}, fmt.Errorf("load ledger checkpoint: %w", err)
	default:
		id := otogi.RecordID(checkpoint.RecordID)
		snapshot.Checkpoint = &id
	}

	return snapshot, nil
}

// Persist applies change transactionally. next is not consulted: the change carries
// every row that differs.
func (s *Store) Persist(ctx context.Context, _ tally.Snapshot, change tally.Change) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if change.Reset {
			if err := tx.Where("1 = 1").Delete(&entryModel{}).Error; err != nil {
				return fmt.Errorf("clear entries: %w", err)
			}
			if err := tx.Where("1 = 1").Delete(&checkpointModel{}).Error; err != nil {
				return fmt.Errorf("clear checkpoint: %w", err)
			}
		}

		for _, entry := range change.Upserts {
			row := entryModel{Account: entry.Account, Total: entry.Total, Seq: entry.Seq}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "account"}},
				DoUpdates: clause.AssignmentColumns([]string{"total", "seq"}),
			}).Create(&row).Error; err != nil {
				return fmt.Errorf("upsert entry %s: %w", entry.Account, err)
			}
		}

		if change.Checkpoint != nil {
			row := checkpointModel{ID: checkpointRowID, RecordID: int64(*change.Checkpoint)}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"record_id"}),
			}).Create(&row).Error; err != nil {
				return fmt.Errorf("upsert checkpoint: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("persist ledger change: %w", err)
	}

	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return closeDB(s.db)
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("close sql store: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close sql store: %w", err)
	}

	return nil
}
