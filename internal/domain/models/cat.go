package models

// Cat is owned by the cats module; the feeder only reads it for identity checks and names.
type Cat struct {
	BaseModel
	Name     string   `gorm:"type:varchar(100);not null" json:"name"`
	Weight   *float64 `json:"weight,omitempty"`
	Breed    string   `gorm:"type:varchar(100)" json:"breed,omitempty"`
	ImageURL string   `gorm:"column:image_url;type:varchar(255)" json:"imageUrl,omitempty"`
	UserID   uint     `gorm:"index" json:"userId"`
}
