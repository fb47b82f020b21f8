// Package unread maintains per-user read watermarks and unread counts.
package unread

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gopher0727/ChatCore/internal/model"
	"github.com/Gopher0727/ChatCore/internal/repository"
)

// MessageCounter counts the messages of a room.
type MessageCounter interface {
	CountAfter(ctx context.Context, room string, after time.Time) (int64, error)
	CountAll(ctx context.Context, room string) (int64, error)
}

// WatermarkStore persists one read watermark per (user, room).
type WatermarkStore interface {
	Upsert(ctx context.Context, userID, room string, at time.Time) error
	Get(ctx context.Context, userID, room string) (*model.ReadWatermark, error)
	ListByUser(ctx context.Context, userID string) ([]*model.ReadWatermark, error)
}

// Count is the payload of the unread event.
type Count struct {
	Room   string `json:"room"`
	Unread int64  `json:"unread"`
}

// Tracker derives unread counts from read watermarks.
type Tracker struct {
	messages   MessageCounter
	watermarks WatermarkStore
	now        func() time.Time
}

// NewTracker builds a Tracker. now defaults to time.Now.
func NewTracker(messages MessageCounter, watermarks WatermarkStore, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{messages: messages, watermarks: watermarks, now: now}
}

// MarkRead moves the watermark of (identity, room) to at, or to now when at
// is nil, and returns the recomputed unread count. Watermarks in the future
// are clamped to now.
func (t *Tracker) MarkRead(ctx context.Context, identity, room string, at *time.Time) (int64, error) {
	now := t.now()
	mark := now
	if at != nil && at.Before(now) {
		mark = *at
	}
	if err := t.watermarks.Upsert(ctx, identity, room, mark); err != nil {
		return 0, fmt.Errorf("upsert watermark: %w", err)
	}
	n, err := t.messages.CountAfter(ctx, room, mark)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// ComputeUnread counts messages in room newer than the watermark of identity,
// or every message when identity has never marked the room read.
func (t *Tracker) ComputeUnread(ctx context.Context, identity, room string) (int64, error) {
	wm, err := t.watermarks.Get(ctx, identity, room)
	if errors.Is(err, repository.ErrNotFound) {
		return t.messages.CountAll(ctx, room)
	}
	if err != nil {
		return 0, fmt.Errorf("load watermark: %w", err)
	}
	return t.messages.CountAfter(ctx, room, wm.LastReadAt)
}

// Restore recomputes the unread count of every room identity has a
// watermark for. Rooms whose count fails are skipped; the first such error is
// returned alongside the counts that succeeded.
func (t *Tracker) Restore(ctx context.Context, identity string) ([]Count, error) {
	wms, err := t.watermarks.ListByUser(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("list watermarks: %w", err)
	}

	var firstErr error
	counts := make([]Count, 0, len(wms))
	for _, wm := range wms {
		n, err := t.messages.CountAfter(ctx, wm.Room, wm.LastReadAt)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("count unread for %s: %w", wm.Room, err)
			}
			continue
		}
		counts = append(counts, Count{Room: wm.Room, Unread: n})
	}
	return counts, firstErr
}
