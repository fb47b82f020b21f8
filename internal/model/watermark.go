package model

import "time"

// ReadWatermark records how far a user has read in a room.
type ReadWatermark struct {
	UserID     string    `gorm:"primaryKey;type:varchar(255)" json:"userId"`
	Room       string    `gorm:"primaryKey;type:varchar(255)" json:"room"`
	LastReadAt time.Time `gorm:"not null" json:"lastReadAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (ReadWatermark) TableName() string {
	return "read_watermarks"
}
