package chat

import (
	"fmt"
	"maps"
)

// Code identifies a client-visible failure. Every code is recoverable and
// reported only to the originating connection.
type Code string

const (
	CodeInvalidPayload        Code = "INVALID_PAYLOAD"
	CodeMuteActive            Code = "MUTE_ACTIVE"
	CodeProfanityBlocked      Code = "PROFANITY_BLOCKED"
	CodeProfanityMute         Code = "PROFANITY_MUTE"
	CodeRateLimitGlobal       Code = "RATE_LIMIT_GLOBAL"
	CodeRateLimitRoom         Code = "RATE_LIMIT_ROOM"
	CodePersistFailed         Code = "PERSIST_FAILED"
	CodeInvalidHistoryPayload Code = "INVALID_HISTORY_PAYLOAD"
	CodeHistoryFailed         Code = "HISTORY_FAILED"
	CodeReadMarkFailed        Code = "READ_MARK_FAILED"
)

// Error is a protocol error with context fields rendered next to the code.
type Error struct {
	Code   Code
	Fields map[string]any
	// Err is the internal cause; it is never sent to clients.
	Err error
}

func newError(code Code, fields map[string]any) *Error {
	return &Error{Code: code, Fields: fields}
}

// Error implements error.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Payload renders {code, ...fields}.
func (e *Error) Payload() map[string]any {
	p := make(map[string]any, len(e.Fields)+1)
	maps.Copy(p, e.Fields)
	p["code"] = e.Code
	return p
}
