// Package protocol defines the JSON frames exchanged over a client
// connection.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Client to server events.
const (
	EventJoin           = "join"
	EventLeave          = "leave"
	EventDirectJoin     = "dm:join"
	EventTypingStart    = "typing:start"
	EventTypingStop     = "typing:stop"
	EventSend           = "send"
	EventHistoryRequest = "history:request"
	EventReadMark       = "read:mark"
)

// Server to client events.
const (
	EventAck          = "ack"
	EventMessage      = "message"
	EventError        = "error"
	EventHistory      = "history"
	EventUnread       = "unread"
	EventUnreadUpdate = "unread:update"
	EventSystem       = "system"
	EventUserJoined   = "user-joined"
	EventUserLeft     = "user-left"
	EventTyping       = "typing"
	EventJoined       = "joined"
	EventLeft         = "left"
	EventDeprecated   = "deprecated"
)

// LegacyAliases maps historical event names to their current names.
var LegacyAliases = map[string]string{
	"send-message": EventSend,
	"join-room":    EventJoin,
	"leave-room":   EventLeave,
	"join-dm":      EventDirectJoin,
	"get-history":  EventHistoryRequest,
	"mark-read":    EventReadMark,
	"typing":       EventTypingStart,
	"stop-typing":  EventTypingStop,
}

// Canonical resolves a possibly legacy event name. legacy reports whether an
// alias was translated.
func Canonical(event string) (canonical string, legacy bool) {
	if c, ok := LegacyAliases[event]; ok {
		return c, true
	}
	return event, false
}

// Envelope is one frame in either direction.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode renders an outbound frame.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Deprecation is sent when a client uses a legacy event name.
type Deprecation struct {
	Event string `json:"event"`
	Use   string `json:"use"`
}

// RoomPayload is the data of join, leave and typing events. Clients send
// either a bare string or {"room": "..."}.
type RoomPayload struct {
	Room string `json:"room"`
}

func (p *RoomPayload) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		p.Room = s
		return nil
	}
	type plain RoomPayload
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*p = RoomPayload(v)
	return nil
}

// DirectPayload is the data of dm:join: a bare identity string or
// {"otherIdentity": "..."} (also accepted as "userId" or "peer").
type DirectPayload struct {
	OtherIdentity string
}

func (p *DirectPayload) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		p.OtherIdentity = s
		return nil
	}
	var v struct {
		OtherIdentity string `json:"otherIdentity"`
		UserID        string `json:"userId"`
		Peer          string `json:"peer"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	p.OtherIdentity = firstNonEmpty(v.OtherIdentity, v.UserID, v.Peer)
	return nil
}

// Timestamp accepts unix milliseconds (number or numeric string) or an
// RFC 3339 string.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q", s)
	}
	t.Time = parsed.UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(t.UnixMilli(), 10)), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
