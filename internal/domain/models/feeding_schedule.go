package models

// FeedingSchedule is one recurring daily feeding of a cat at a device.
// (cat_id, device_id, time) is unique; time is 24-hour "HH:MM" in the feeding timezone.
type FeedingSchedule struct {
	BaseModel
	CatID    uint   `gorm:"not null;uniqueIndex:idx_schedule_key,priority:1" json:"catId"`
	DeviceID string `gorm:"type:varchar(64);not null;uniqueIndex:idx_schedule_key,priority:2" json:"deviceId"`
	Time     string `gorm:"type:char(5);not null;uniqueIndex:idx_schedule_key,priority:3" json:"time"`
	Amount   int    `gorm:"not null" json:"amount"`
	IsActive bool   `gorm:"not null;default:true;index" json:"isActive"`

	Cat *Cat `gorm:"foreignKey:CatID" json:"-"`
}
