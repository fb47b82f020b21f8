// Package chat coordinates sends, history reads and read marks for a
// connection.
package chat

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Gopher0727/ChatCore/internal/model"
	"github.com/Gopher0727/ChatCore/internal/moderation"
	"github.com/Gopher0727/ChatCore/internal/protocol"
	"github.com/Gopher0727/ChatCore/internal/repository"
	"github.com/Gopher0727/ChatCore/internal/room"
	"github.com/Gopher0727/ChatCore/internal/unread"
	"github.com/Gopher0727/ChatCore/utils/ratelimit"
)

const backgroundTimeout = 5 * time.Second

// MessageStore persists messages and serves history pages.
type MessageStore interface {
	Create(ctx context.Context, message *model.Message) error
	FindBefore(ctx context.Context, room string, cursor *repository.Cursor, limit int) ([]*model.Message, error)
}

// Rooms is the room registry the coordinator fans out through.
type Rooms interface {
	// Broadcast delivers event to every occupant of room except exceptID.
	Broadcast(ctx context.Context, room, event string, payload any, exceptID string) int
	Occupants(room string) []room.Member
	RoomsOf(identity string) []string
}

// IDGenerator mints time-ordered message ids.
type IDGenerator interface {
	NextID() (int64, error)
}

// Exporter publishes persisted messages downstream.
type Exporter interface {
	Export(ctx context.Context, msg *model.Message) error
}

// Jobs runs best-effort background work.
type Jobs interface {
	TrySubmit(job func()) bool
}

// Options configures a Coordinator. Store, Rooms, both limiters, Moderation,
// Unread and IDs are required.
type Options struct {
	Store         MessageStore
	Rooms         Rooms
	GlobalLimiter ratelimit.Limiter
	RoomLimiter   ratelimit.Limiter
	Moderation    *moderation.Engine
	Unread        *unread.Tracker
	IDs           IDGenerator

	// Exporter receives every persisted message when set.
	Exporter Exporter
	// Jobs runs unread fan-out and export; without it they run inline.
	Jobs   Jobs
	Logger *zap.Logger
	Now    func() time.Time

	// DefaultHistoryLimit applies when a request has no limit (default 50).
	DefaultHistoryLimit int
	// MaxHistoryLimit caps requested limits (default 200).
	MaxHistoryLimit int
}

// Coordinator runs the per-connection message pipeline: sends, history
// reads, read marks and synthetic system messages. It is safe for concurrent
// use; each call runs on the caller's goroutine.
type Coordinator struct {
	store         MessageStore
	rooms         Rooms
	globalLimiter ratelimit.Limiter
	roomLimiter   ratelimit.Limiter
	moderation    *moderation.Engine
	unread        *unread.Tracker
	ids           IDGenerator
	exporter      Exporter
	jobs          Jobs
	logger        *zap.Logger
	now           func() time.Time
	validate      *validator.Validate

	defaultLimit int
	maxLimit     int
}

// NewCoordinator wires the send pipeline and registers itself as the
// moderation engine's mute notifier.
func NewCoordinator(opts Options) *Coordinator {
	c := &Coordinator{
		store:         opts.Store,
		rooms:         opts.Rooms,
		globalLimiter: opts.GlobalLimiter,
		roomLimiter:   opts.RoomLimiter,
		moderation:    opts.Moderation,
		unread:        opts.Unread,
		ids:           opts.IDs,
		exporter:      opts.Exporter,
		jobs:          opts.Jobs,
		logger:        opts.Logger,
		now:           opts.Now,
		validate:      newValidator(),
		defaultLimit:  opts.DefaultHistoryLimit,
		maxLimit:      opts.MaxHistoryLimit,
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.defaultLimit <= 0 {
		c.defaultLimit = 50
	}
	if c.maxLimit <= 0 {
		c.maxLimit = 200
	}
	c.moderation.SetNotifier(c.NotifyMute)
	return c
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// RoomLimitKey is the per-connection per-room rate limit key.
func RoomLimitKey(roomName, connID string) string {
	return roomName + ":" + connID
}

// Send runs one send attempt for sender. Checks run in order: payload shape,
// active mute, global rate, room rate, content screening. On success the
// sender gets an optimistic ack, then the persisted message is delivered to
// the sender and the room. A non-nil error is always an *Error; with
// PERSIST_FAILED the sender has already received the ack.
func (c *Coordinator) Send(ctx context.Context, sender room.Member, req SendRequest) error {
	req.Room = strings.TrimSpace(req.Room)
	req.Content = strings.TrimSpace(req.Content)
	if err := c.validate.Struct(req); err != nil {
		return invalid(CodeInvalidPayload, err)
	}

	identity := sender.Identity()
	if until, muted := c.moderation.MutedUntil(identity); muted {
		return newError(CodeMuteActive, map[string]any{"until": until.UnixMilli()})
	}

	if ok, err := c.globalLimiter.Allow(ctx, sender.ID()); !ok {
		if err != nil {
			c.logger.Warn("global rate limiter unavailable", zap.Error(err))
		}
		return newError(CodeRateLimitGlobal, nil)
	}
	if ok, err := c.roomLimiter.Allow(ctx, RoomLimitKey(req.Room, sender.ID())); !ok {
		if err != nil {
			c.logger.Warn("room rate limiter unavailable", zap.Error(err))
		}
		return newError(CodeRateLimitRoom, map[string]any{"room": req.Room})
	}

	switch v := c.moderation.Check(identity, req.Content); v.Outcome {
	case moderation.Blocked:
		return newError(CodeProfanityBlocked, map[string]any{"count": v.Count})
	case moderation.MuteApplied:
		return newError(CodeProfanityMute, map[string]any{"until": v.Until.UnixMilli()})
	case moderation.MuteActive:
		return newError(CodeMuteActive, map[string]any{"until": v.Until.UnixMilli()})
	}

	now := c.now()
	provisional := uuid.NewString()
	sender.Deliver(protocol.EventAck, MessageView{
		ID:         provisional,
		TempID:     req.TempID,
		Room:       req.Room,
		SenderID:   identity,
		Content:    req.Content,
		Timestamp:  now.UnixMilli(),
		Optimistic: true,
	})

	msg, err := c.persist(ctx, req.Room, identity, req.Content, false, now)
	if err != nil {
		c.logger.Error("failed to persist message",
			zap.String("room", req.Room), zap.String("identity", identity), zap.Error(err))
		return &Error{
			Code:   CodePersistFailed,
			Fields: map[string]any{"room": req.Room, "tempId": req.TempID, "provisionalId": provisional},
			Err:    err,
		}
	}

	view := ViewOf(msg)
	c.rooms.Broadcast(ctx, msg.Room, protocol.EventMessage, view, sender.ID())
	view.TempID = req.TempID
	sender.Deliver(protocol.EventMessage, view)

	c.afterPersist(msg, identity)
	return nil
}

// RecordSystemMessage persists a synthetic system message in roomName and
// delivers it like a user message.
func (c *Coordinator) RecordSystemMessage(ctx context.Context, roomName, content string, at time.Time) (*model.Message, error) {
	msg, err := c.persist(ctx, roomName, model.SystemSender, content, true, at)
	if err != nil {
		return nil, err
	}
	c.rooms.Broadcast(ctx, roomName, protocol.EventMessage, ViewOf(msg), "")
	c.afterPersist(msg, model.SystemSender)
	return msg, nil
}

func (c *Coordinator) persist(ctx context.Context, roomName, sender, content string, system bool, at time.Time) (*model.Message, error) {
	id, err := c.ids.NextID()
	if err != nil {
		return nil, fmt.Errorf("mint message id: %w", err)
	}
	msg := &model.Message{
		ID:            id,
		Room:          roomName,
		SenderID:      sender,
		Content:       content,
		IsSystem:      system,
		SchemaVersion: model.CurrentSchemaVersion,
		CreatedAt:     at,
	}
	if err := c.store.Create(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *Coordinator) afterPersist(msg *model.Message, author string) {
	c.submit("unread fan-out", func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		c.pushUnreadUpdates(ctx, msg.Room, author)
	})
	if c.exporter == nil {
		return
	}
	c.submit("message export", func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		if err := c.exporter.Export(ctx, msg); err != nil {
			c.logger.Warn("failed to export message", zap.Int64("id", msg.ID), zap.Error(err))
		}
	})
}

// pushUnreadUpdates recomputes the unread count of every local occupant of
// roomName other than author.
func (c *Coordinator) pushUnreadUpdates(ctx context.Context, roomName, author string) {
	byIdentity := lo.GroupBy(c.rooms.Occupants(roomName), func(m room.Member) string { return m.Identity() })
	delete(byIdentity, author)

	for identity, members := range byIdentity {
		n, err := c.unread.ComputeUnread(ctx, identity, roomName)
		if err != nil {
			c.logger.Warn("failed to compute unread", zap.String("room", roomName), zap.String("identity", identity), zap.Error(err))
			continue
		}
		update := UnreadUpdate{Room: roomName, UserID: identity, Unread: n}
		for _, m := range members {
			m.Deliver(protocol.EventUnreadUpdate, update)
		}
	}
}

func (c *Coordinator) submit(name string, job func()) {
	if c.jobs == nil {
		job()
		return
	}
	if !c.jobs.TrySubmit(job) {
		c.logger.Warn("background queue full, dropping job", zap.String("job", name))
	}
}

// NotifyMute tells every room identity occupies that it has been muted.
// Delivery is best effort.
func (c *Coordinator) NotifyMute(identity string, until time.Time) {
	now := c.now()
	minutes := int(until.Sub(now).Round(time.Minute) / time.Minute)
	for _, roomName := range c.rooms.RoomsOf(identity) {
		c.rooms.Broadcast(context.Background(), roomName, protocol.EventSystem, MuteNotice{
			Kind:      "moderation-mute",
			Room:      roomName,
			UserID:    identity,
			Until:     until.UnixMilli(),
			Message:   fmt.Sprintf("%s has been muted for %d minutes", identity, minutes),
			Timestamp: now.UnixMilli(),
		}, "")
	}
}

// History returns one page of room history, oldest first. NextCursor is set
// only when the page is full.
func (c *Coordinator) History(ctx context.Context, req HistoryRequest) (*HistoryPage, error) {
	req.Room = strings.TrimSpace(req.Room)
	if err := c.validate.Struct(req); err != nil {
		return nil, invalid(CodeInvalidHistoryPayload, err)
	}

	limit := c.defaultLimit
	if req.Limit != nil {
		switch {
		case *req.Limit < 0:
			return nil, newError(CodeInvalidHistoryPayload, map[string]any{"field": "limit", "reason": "negative"})
		case *req.Limit > 0:
			limit = min(*req.Limit, c.maxLimit)
		}
	}

	var cursor *repository.Cursor
	if req.Cursor != "" {
		parsed, err := repository.ParseCursor(req.Cursor)
		if err != nil {
			return nil, &Error{Code: CodeInvalidHistoryPayload, Fields: map[string]any{"field": "cursor", "reason": "malformed"}, Err: err}
		}
		cursor = &parsed
	}

	msgs, err := c.store.FindBefore(ctx, req.Room, cursor, limit)
	if err != nil {
		return nil, &Error{Code: CodeHistoryFailed, Fields: map[string]any{"room": req.Room}, Err: err}
	}

	page := &HistoryPage{Room: req.Room, Messages: make([]MessageView, 0, len(msgs))}
	if len(msgs) == limit {
		oldest := msgs[len(msgs)-1]
		next := repository.CursorFor(oldest.CreatedAt, oldest.ID).String()
		page.NextCursor = &next
	}
	for _, m := range lo.Reverse(msgs) {
		page.Messages = append(page.Messages, ViewOf(m))
	}
	return page, nil
}

// MarkRead moves identity's watermark for the room and returns the fresh
// unread count.
func (c *Coordinator) MarkRead(ctx context.Context, identity string, req ReadMarkRequest) (*unread.Count, error) {
	req.Room = strings.TrimSpace(req.Room)
	if err := c.validate.Struct(req); err != nil {
		return nil, invalid(CodeInvalidPayload, err)
	}
	var at *time.Time
	if req.At != nil && !req.At.IsZero() {
		at = &req.At.Time
	}
	n, err := c.unread.MarkRead(ctx, identity, req.Room, at)
	if err != nil {
		return nil, &Error{Code: CodeReadMarkFailed, Fields: map[string]any{"room": req.Room}, Err: err}
	}
	return &unread.Count{Room: req.Room, Unread: n}, nil
}

// RestoreUnread pushes the unread count of every room member's identity has
// marked read before.
func (c *Coordinator) RestoreUnread(member room.Member) {
	c.submit("unread restore", func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		counts, err := c.unread.Restore(ctx, member.Identity())
		if err != nil {
			c.logger.Warn("partial unread restore", zap.String("identity", member.Identity()), zap.Error(err))
		}
		for _, count := range counts {
			member.Deliver(protocol.EventUnread, count)
		}
	})
}

func invalid(code Code, err error) *Error {
	fields := map[string]any{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fields["field"] = verrs[0].Field()
		fields["reason"] = verrs[0].Tag()
	}
	return &Error{Code: code, Fields: fields, Err: err}
}
