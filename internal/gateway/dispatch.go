package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/Gopher0727/ChatCore/internal/chat"
	"github.com/Gopher0727/ChatCore/internal/events"
	"github.com/Gopher0727/ChatCore/internal/protocol"
	"github.com/Gopher0727/ChatCore/internal/room"
	"github.com/Gopher0727/ChatCore/internal/unread"
)

const maxRoomName = 255

// Chat is the message pipeline behind a connection.
type Chat interface {
	Send(ctx context.Context, sender room.Member, req chat.SendRequest) error
	History(ctx context.Context, req chat.HistoryRequest) (*chat.HistoryPage, error)
	MarkRead(ctx context.Context, identity string, req chat.ReadMarkRequest) (*unread.Count, error)
	RestoreUnread(member room.Member)
}

// Rooms is the membership registry connections join and broadcast through.
type Rooms interface {
	Join(ctx context.Context, m room.Member, roomName string) bool
	Leave(ctx context.Context, m room.Member, roomName string) bool
	JoinDirect(ctx context.Context, m room.Member, peer string) string
	Subscribe(m room.Member, roomName string)
	LeaveAll(ctx context.Context, m room.Member)
	Broadcast(ctx context.Context, roomName, event string, payload any, exceptID string) int
}

type roomAck struct {
	Room string `json:"room"`
}

type typingNotice struct {
	Room   string `json:"room"`
	UserID string `json:"userId"`
	Typing bool   `json:"typing"`
}

// isSystemChannel reports whether name is a system event subscription, which
// clients may subscribe to but never post in.
func isSystemChannel(name string) bool {
	return name == events.ChannelSystem || strings.HasPrefix(name, events.ChannelSystem+":")
}

// dispatch decodes one inbound frame and runs its handler synchronously, so
// a connection's requests are processed in arrival order.
func (m *Manager) dispatch(c *Connection, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		m.fail(c, &chat.Error{Code: chat.CodeInvalidPayload, Fields: map[string]any{"reason": "malformed frame"}, Err: err})
		return
	}

	event, legacy := protocol.Canonical(env.Event)
	if legacy && c.firstUse(env.Event) {
		c.Deliver(protocol.EventDeprecated, protocol.Deprecation{Event: env.Event, Use: event})
	}

	// in-flight requests finish even if the client drops mid-way
	ctx := context.WithoutCancel(c.Context())
	var err error
	switch event {
	case protocol.EventJoin:
		err = m.handleJoin(ctx, c, env.Data)
	case protocol.EventLeave:
		err = m.handleLeave(ctx, c, env.Data)
	case protocol.EventDirectJoin:
		err = m.handleDirectJoin(ctx, c, env.Data)
	case protocol.EventTypingStart, protocol.EventTypingStop:
		err = m.handleTyping(ctx, c, env.Data, event == protocol.EventTypingStart)
	case protocol.EventSend:
		err = m.handleSend(ctx, c, env.Data)
	case protocol.EventHistoryRequest:
		err = m.handleHistory(ctx, c, env.Data)
	case protocol.EventReadMark:
		err = m.handleReadMark(ctx, c, env.Data)
	default:
		err = &chat.Error{Code: chat.CodeInvalidPayload, Fields: map[string]any{"event": env.Event, "reason": "unknown event"}}
	}
	if err != nil {
		m.fail(c, err)
	}
}

func (m *Manager) fail(c *Connection, err error) {
	var cerr *chat.Error
	if !errors.As(err, &cerr) {
		cerr = &chat.Error{Code: chat.CodeInvalidPayload, Err: err}
	}
	if cerr.Err != nil {
		c.logger.Debug("request failed", zap.String("code", string(cerr.Code)), zap.Error(cerr.Err))
	}
	c.Deliver(protocol.EventError, cerr.Payload())
}

func decodeRoom(data json.RawMessage) (string, error) {
	var p protocol.RoomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", &chat.Error{Code: chat.CodeInvalidPayload, Fields: map[string]any{"field": "room"}, Err: err}
	}
	name := strings.TrimSpace(p.Room)
	if name == "" || len(name) > maxRoomName {
		return "", &chat.Error{Code: chat.CodeInvalidPayload, Fields: map[string]any{"field": "room"}}
	}
	return name, nil
}

func decodeInto(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (m *Manager) handleJoin(ctx context.Context, c *Connection, data json.RawMessage) error {
	name, err := decodeRoom(data)
	if err != nil {
		return err
	}
	if isSystemChannel(name) {
		m.rooms.Subscribe(c, name)
	} else {
		m.rooms.Join(ctx, c, name)
	}
	c.Deliver(protocol.EventJoined, roomAck{Room: name})
	return nil
}

func (m *Manager) handleLeave(ctx context.Context, c *Connection, data json.RawMessage) error {
	name, err := decodeRoom(data)
	if err != nil {
		return err
	}
	m.rooms.Leave(ctx, c, name)
	c.Deliver(protocol.EventLeft, roomAck{Room: name})
	return nil
}

func (m *Manager) handleDirectJoin(ctx context.Context, c *Connection, data json.RawMessage) error {
	var p protocol.DirectPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return &chat.Error{Code: chat.CodeInvalidPayload, Fields: map[string]any{"field": "otherIdentity"}, Err: err}
	}
	peer := strings.TrimSpace(p.OtherIdentity)
	if peer == "" {
		return &chat.Error{Code: chat.CodeInvalidPayload, Fields: map[string]any{"field": "otherIdentity"}}
	}
	name := m.rooms.JoinDirect(ctx, c, peer)
	c.Deliver(protocol.EventJoined, roomAck{Room: name})
	return nil
}

func (m *Manager) handleTyping(ctx context.Context, c *Connection, data json.RawMessage, typing bool) error {
	name, err := decodeRoom(data)
	if err != nil {
		return err
	}
	m.rooms.Broadcast(ctx, name, protocol.EventTyping, typingNotice{Room: name, UserID: c.Identity(), Typing: typing}, c.ID())
	return nil
}

func (m *Manager) handleSend(ctx context.Context, c *Connection, data json.RawMessage) error {
	var req chat.SendRequest
	if err := decodeInto(data, &req); err != nil {
		return &chat.Error{Code: chat.CodeInvalidPayload, Err: err}
	}
	if isSystemChannel(strings.TrimSpace(req.Room)) {
		return &chat.Error{Code: chat.CodeInvalidPayload, Fields: map[string]any{"field": "room", "reason": "reserved"}}
	}
	return m.chat.Send(ctx, c, req)
}

func (m *Manager) handleHistory(ctx context.Context, c *Connection, data json.RawMessage) error {
	var req chat.HistoryRequest
	if err := decodeInto(data, &req); err != nil {
		return &chat.Error{Code: chat.CodeInvalidHistoryPayload, Err: err}
	}
	page, err := m.chat.History(ctx, req)
	if err != nil {
		return err
	}
	c.Deliver(protocol.EventHistory, page)
	return nil
}

func (m *Manager) handleReadMark(ctx context.Context, c *Connection, data json.RawMessage) error {
	var req chat.ReadMarkRequest
	if err := decodeInto(data, &req); err != nil {
		return &chat.Error{Code: chat.CodeInvalidPayload, Err: err}
	}
	count, err := m.chat.MarkRead(ctx, c.Identity(), req)
	if err != nil {
		return err
	}
	c.Deliver(protocol.EventUnread, count)
	return nil
}
