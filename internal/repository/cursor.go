package repository

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned by ParseCursor for malformed input.
var ErrInvalidCursor = errors.New("invalid history cursor")

// Cursor marks the oldest message of a history page. Messages strictly older
// than (At, ID) come next. A zero ID compares on At only.
type Cursor struct {
	At time.Time
	ID int64
}

// CursorFor returns the cursor that continues after the given message.
func CursorFor(at time.Time, id int64) Cursor {
	return Cursor{At: Normalize(at), ID: id}
}

// ParseCursor accepts "<unixMicros>-<id>" as issued by String, or a bare
// "<unixMillis>" createdAt taken from a message timestamp.
func ParseCursor(s string) (Cursor, error) {
	timePart, idPart, hasID := strings.Cut(strings.TrimSpace(s), "-")
	n, err := strconv.ParseInt(timePart, 10, 64)
	if err != nil || n < 0 {
		return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidCursor, s)
	}
	if !hasID {
		return Cursor{At: time.UnixMilli(n).UTC()}, nil
	}
	c := Cursor{At: time.UnixMicro(n).UTC()}
	c.ID, err = strconv.ParseInt(idPart, 10, 64)
	if err != nil || c.ID <= 0 {
		return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidCursor, s)
	}
	return c, nil
}

// String renders c in the form ParseCursor accepts.
func (c Cursor) String() string {
	if c.ID == 0 {
		return strconv.FormatInt(c.At.UnixMilli(), 10)
	}
	return strconv.FormatInt(c.At.UnixMicro(), 10) + "-" + strconv.FormatInt(c.ID, 10)
}
