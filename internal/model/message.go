package model

import (
	"time"
)

const (
	// CurrentSchemaVersion is stamped on every newly created message.
	CurrentSchemaVersion = 1

	// SystemSender is the sender of synthetic system messages.
	SystemSender = "system"
)

// Message is a persisted chat or system message. Rooms are not stored
// entities; Room is only the partition key.
type Message struct {
	ID            int64     `gorm:"primaryKey;autoIncrement:false" json:"id,string"`
	Room          string    `gorm:"type:varchar(255);not null;index:idx_messages_room_created,priority:1" json:"room"`
	SenderID      string    `gorm:"type:varchar(255);not null" json:"senderId"`
	Content       string    `gorm:"type:text;not null" json:"content"`
	IsSystem      bool      `gorm:"not null" json:"isSystem"`
	IsEdited      bool      `gorm:"not null" json:"isEdited"`
	SchemaVersion int       `gorm:"not null;default:1" json:"schemaVersion"`
	CreatedAt     time.Time `gorm:"not null;index:idx_messages_room_created,priority:2" json:"createdAt"`
}

func (Message) TableName() string {
	return "messages"
}
