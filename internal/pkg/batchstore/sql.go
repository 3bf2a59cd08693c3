package batchstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mx-space/imagetag/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLStore keeps items in the batch_items table.
type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

func (s *SQLStore) Replace(ctx context.Context, items []models.BatchItem) error {
	base := s.now().UnixNano()
	records := make([]models.BatchRecord, 0, len(items))
	seen := make(map[string]int, len(items))
	for _, item := range items {
		rec, err := s.record(item, base+int64(len(records)))
		if err != nil {
			return err
		}
		if i, dup := seen[item.ID]; dup {
			records[i].Payload = rec.Payload
			continue
		}
		seen[item.ID] = len(records)
		records = append(records, rec)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.BatchRecord{}).Error; err != nil {
			return fmt.Errorf("clear batch: %w", err)
		}
		if len(records) == 0 {
			return nil
		}
		if err := tx.Create(&records).Error; err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		return nil
	})
}

// Save inserts item at the end or updates it in place.
func (s *SQLStore) Save(ctx context.Context, item models.BatchItem) error {
	rec, err := s.record(item, s.now().UnixNano())
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save batch item %s: %w", item.ID, err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]models.BatchItem, error) {
	var records []models.BatchRecord
	if err := s.db.WithContext(ctx).Order("position ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list batch: %w", err)
	}
	out := make([]models.BatchItem, 0, len(records))
	for _, rec := range records {
		var item models.BatchItem
		if err := json.Unmarshal([]byte(rec.Payload), &item); err != nil {
			return nil, fmt.Errorf("decode batch item %s: %w", rec.ID, err)
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *SQLStore) Clear(ctx context.Context) error {
	return s.Replace(ctx, nil)
}

func (s *SQLStore) record(item models.BatchItem, position int64) (models.BatchRecord, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return models.BatchRecord{}, fmt.Errorf("encode batch item %s: %w", item.ID, err)
	}
	return models.BatchRecord{
		ID:        item.ID,
		Position:  position,
		Payload:   string(payload),
		UpdatedAt: s.now(),
	}, nil
}
