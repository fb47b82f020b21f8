package chat

import (
	"strconv"

	"github.com/Gopher0727/ChatCore/internal/model"
	"github.com/Gopher0727/ChatCore/internal/protocol"
)

// MaxContentLength is the longest accepted message, in runes.
const MaxContentLength = 500

// SendRequest is the data of a send event.
type SendRequest struct {
	Room    string `json:"room" validate:"required,max=255"`
	Content string `json:"content" validate:"required,max=500"`
	TempID  string `json:"tempId" validate:"max=128"`
}

// HistoryRequest is the data of history:request. A nil Limit uses the
// default page size.
type HistoryRequest struct {
	Room   string `json:"room" validate:"required,max=255"`
	Cursor string `json:"cursor"`
	Limit  *int   `json:"limit"`
}

// ReadMarkRequest is the data of read:mark. A nil At marks everything read.
type ReadMarkRequest struct {
	Room string              `json:"room" validate:"required,max=255"`
	At   *protocol.Timestamp `json:"at"`
}

// MessageView is the wire form of ack, message and history entries.
type MessageView struct {
	ID         string `json:"id"`
	TempID     string `json:"tempId,omitempty"`
	Room       string `json:"room"`
	SenderID   string `json:"senderId"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
	Optimistic bool   `json:"optimistic"`
	IsSystem   bool   `json:"isSystem,omitempty"`
	IsEdited   bool   `json:"isEdited,omitempty"`
}

// ViewOf renders a persisted message.
func ViewOf(m *model.Message) MessageView {
	return MessageView{
		ID:        strconv.FormatInt(m.ID, 10),
		Room:      m.Room,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Timestamp: m.CreatedAt.UnixMilli(),
		IsSystem:  m.IsSystem,
		IsEdited:  m.IsEdited,
	}
}

// HistoryPage is one page of history, oldest first. NextCursor is nil once
// the room is exhausted.
type HistoryPage struct {
	Room       string        `json:"room"`
	Messages   []MessageView `json:"messages"`
	NextCursor *string       `json:"nextCursor"`
}

// UnreadUpdate tells an occupant its new unread count for room.
type UnreadUpdate struct {
	Room   string `json:"room"`
	UserID string `json:"userId"`
	Unread int64  `json:"unread"`
}

// MuteNotice is broadcast on the system event to the rooms a newly muted
// identity occupies.
type MuteNotice struct {
	Kind      string `json:"kind"`
	Room      string `json:"room"`
	UserID    string `json:"userId"`
	Until     int64  `json:"until"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}
