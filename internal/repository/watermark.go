package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Gopher0727/ChatCore/internal/model"
)

// ErrNotFound is returned when no watermark exists for a (user, room).
var ErrNotFound = errors.New("record not found")

// IWatermarkRepository is the read watermark store contract.
type IWatermarkRepository interface {
	Upsert(ctx context.Context, userID, room string, at time.Time) error
	Get(ctx context.Context, userID, room string) (*model.ReadWatermark, error)
	ListByUser(ctx context.Context, userID string) ([]*model.ReadWatermark, error)
}

// WatermarkRepository stores one read watermark per (user, room).
type WatermarkRepository struct {
	db *gorm.DB
}

func NewWatermarkRepository(db *gorm.DB) *WatermarkRepository {
	return &WatermarkRepository{db: db}
}

// Upsert sets the (userID, room) watermark to at, creating it if needed.
func (r *WatermarkRepository) Upsert(ctx context.Context, userID, room string, at time.Time) error {
	wm := &model.ReadWatermark{UserID: userID, Room: room, LastReadAt: Normalize(at)}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "room"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_read_at", "updated_at"}),
	}).Create(wm).Error
}

// Get returns the watermark of (userID, room) or ErrNotFound.
func (r *WatermarkRepository) Get(ctx context.Context, userID, room string) (*model.ReadWatermark, error) {
	var wm model.ReadWatermark
	err := r.db.WithContext(ctx).Where("user_id = ? AND room = ?", userID, room).First(&wm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wm, nil
}

// ListByUser returns every watermark of userID ordered by room.
func (r *WatermarkRepository) ListByUser(ctx context.Context, userID string) ([]*model.ReadWatermark, error) {
	var wms []*model.ReadWatermark
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("room").Find(&wms).Error; err != nil {
		return nil, err
	}
	return wms, nil
}
