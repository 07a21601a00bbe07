package models

import "time"

// FeedingHistory is an append-only record of a dispense command that reached the broker.
type FeedingHistory struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CatID     uint      `gorm:"not null;index:idx_history_cat_time,priority:1" json:"catId"`
	DeviceID  string    `gorm:"type:varchar(64);not null" json:"deviceId"`
	Amount    int       `gorm:"not null" json:"amount"`
	Timestamp time.Time `gorm:"not null;index;index:idx_history_cat_time,priority:2" json:"timestamp"`

	Cat *Cat `gorm:"foreignKey:CatID" json:"-"`
}

// TableName pins the history table name.
func (FeedingHistory) TableName() string {
	return "feeding_histories"
}
