package models

import "time"

// BatchRecord is the SQL row for one batch item. Payload holds the item as
// JSON; Position keeps insertion order.
type BatchRecord struct {
	ID        string    `gorm:"type:char(36);primaryKey"`
	Position  int64     `gorm:"not null;index"`
	Payload   string    `gorm:"type:longtext;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (BatchRecord) TableName() string { return "batch_items" }
