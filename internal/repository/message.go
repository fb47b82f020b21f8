package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/Gopher0727/ChatCore/internal/model"
)

// Precision is the resolution every stored timestamp is truncated to. It
// matches the microsecond resolution of Postgres timestamps.
const Precision = time.Microsecond

// Normalize returns t in UTC truncated to Precision.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(Precision)
}

// IMessageRepository is the message store contract.
type IMessageRepository interface {
	Create(ctx context.Context, message *model.Message) error
	FindBefore(ctx context.Context, room string, cursor *Cursor, limit int) ([]*model.Message, error)
	CountAfter(ctx context.Context, room string, after time.Time) (int64, error)
	CountAll(ctx context.Context, room string) (int64, error)
}

// MessageRepository stores chat and system messages with gorm.
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository creates a new message repository
//
// Parameters:
//   - db: gorm handle with the messages table migrated
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create persists message. CreatedAt is normalised with Normalize so cursors
// and read watermarks compare against it exactly.
func (r *MessageRepository) Create(ctx context.Context, message *model.Message) error {
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}
	message.CreatedAt = Normalize(message.CreatedAt)
	if message.SchemaVersion == 0 {
		message.SchemaVersion = model.CurrentSchemaVersion
	}
	return r.db.WithContext(ctx).Create(message).Error
}

// FindBefore returns up to limit messages of room older than cursor, newest
// first. A nil cursor starts from the newest message.
func (r *MessageRepository) FindBefore(ctx context.Context, room string, cursor *Cursor, limit int) ([]*model.Message, error) {
	var messages []*model.Message

	query := r.db.WithContext(ctx).Where("room = ?", room)
	if cursor != nil {
		if cursor.ID > 0 {
			query = query.Where("(created_at < ? OR (created_at = ? AND id < ?))", cursor.At, cursor.At, cursor.ID)
		} else {
			query = query.Where("created_at < ?", cursor.At)
		}
	}
	err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// CountAfter counts messages of room created strictly after the given time.
func (r *MessageRepository) CountAfter(ctx context.Context, room string, after time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("room = ? AND created_at > ?", room, Normalize(after)).
		Count(&n).Error
	return n, err
}

// CountAll counts every message of room.
func (r *MessageRepository) CountAll(ctx context.Context, room string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Message{}).Where("room = ?", room).Count(&n).Error
	return n, err
}
