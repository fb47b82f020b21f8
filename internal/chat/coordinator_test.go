package chat

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/ChatCore/internal/protocol"
	"github.com/Gopher0727/ChatCore/internal/unread"
	"github.com/Gopher0727/ChatCore/utils/ratelimit"
)

func TestSend_HelloReachesSenderAndRoom(t *testing.T) {
	f := newFixture(t)
	u1 := &conn{id: "c1", identity: "U1"}
	u2 := &conn{id: "c2", identity: "U2"}
	f.join(t, u1, "global")
	f.join(t, u2, "global")
	u1.reset()

	require.NoError(t, f.coord.Send(context.Background(), u1, SendRequest{Room: "global", Content: "hello", TempID: "tmp-1"}))

	assert.Equal(t, []string{protocol.EventAck, protocol.EventMessage}, u1.events())
	ack := u1.frames[0].Payload.(MessageView)
	assert.True(t, ack.Optimistic)
	assert.Equal(t, "tmp-1", ack.TempID)
	assert.Equal(t, "hello", ack.Content)

	msg := u1.frames[1].Payload.(MessageView)
	assert.False(t, msg.Optimistic)
	assert.Equal(t, "tmp-1", msg.TempID)
	assert.NotEqual(t, ack.ID, msg.ID)
	_, err := strconv.ParseInt(msg.ID, 10, 64)
	assert.NoError(t, err, "persisted id is a numeric snowflake")
	assert.Equal(t, f.clock.Now().UnixMilli(), msg.Timestamp)

	assert.Equal(t, []string{protocol.EventMessage, protocol.EventUnreadUpdate}, u2.events())
	other := u2.frames[0].Payload.(MessageView)
	assert.Equal(t, msg.ID, other.ID)
	assert.False(t, other.Optimistic)
	assert.Empty(t, other.TempID)
	assert.Equal(t, UnreadUpdate{Room: "global", UserID: "U2", Unread: 1}, u2.frames[1].Payload)
}

func TestSend_InvalidPayload(t *testing.T) {
	f := newFixture(t)
	u := &conn{id: "c1", identity: "U1"}

	for name, req := range map[string]SendRequest{
		"empty content":    {Room: "global", Content: ""},
		"blank content":    {Room: "global", Content: "   \n"},
		"too long":         {Room: "global", Content: strings.Repeat("a", MaxContentLength+1)},
		"missing room":     {Room: " ", Content: "hi"},
		"oversized tempId": {Room: "global", Content: "hi", TempID: strings.Repeat("t", 129)},
	} {
		err := f.coord.Send(context.Background(), u, req)
		requireCode(t, err, CodeInvalidPayload)
		assert.Empty(t, u.events(), name)
	}

	// Length counts characters, not bytes.
	require.NoError(t, f.coord.Send(context.Background(), u, SendRequest{Room: "global", Content: strings.Repeat("é", MaxContentLength)}))
}

func TestSend_InvalidPayloadSkipsRateLimit(t *testing.T) {
	f := newFixture(t, func(o *fixtureOptions) { o.global = ratelimit.Rule{Max: 1, Window: time.Minute} })
	u := &conn{id: "c1", identity: "U1"}
	for range 5 {
		requireCode(t, f.coord.Send(context.Background(), u, SendRequest{Room: "global"}), CodeInvalidPayload)
	}
	require.NoError(t, f.coord.Send(context.Background(), u, SendRequest{Room: "global", Content: "ok"}))
}

func TestSend_ProfanityEscalation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u1 := &conn{id: "c1", identity: "U1"}
	u2 := &conn{id: "c2", identity: "U2"}
	f.join(t, u1, "global")
	f.join(t, u2, "global")

	err := requireCode(t, f.coord.Send(ctx, u2, SendRequest{Room: "global", Content: "darn it"}), CodeProfanityBlocked)
	assert.Equal(t, 1, err.Payload()["count"])
	err = requireCode(t, f.coord.Send(ctx, u2, SendRequest{Room: "global", Content: "DARN"}), CodeProfanityBlocked)
	assert.Equal(t, 2, err.Payload()["count"])

	u1.reset()
	err = requireCode(t, f.coord.Send(ctx, u2, SendRequest{Room: "global", Content: "darn again"}), CodeProfanityMute)
	until := err.Fields["until"].(int64)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute).UnixMilli(), until)

	notice, ok := u1.last(protocol.EventSystem)
	require.True(t, ok, "occupants are told about the mute")
	assert.Equal(t, "U2", notice.(MuteNotice).UserID)
	assert.Equal(t, "global", notice.(MuteNotice).Room)

	f.clock.Advance(time.Minute)
	err = requireCode(t, f.coord.Send(ctx, u2, SendRequest{Room: "global", Content: "hello"}), CodeMuteActive)
	assert.Greater(t, err.Fields["until"].(int64), f.clock.Now().UnixMilli())

	// Mute does not block reads.
	_, herr := f.coord.History(ctx, HistoryRequest{Room: "global"})
	assert.NoError(t, herr)

	f.clock.Advance(5 * time.Minute)
	assert.NoError(t, f.coord.Send(ctx, u2, SendRequest{Room: "global", Content: "hello"}))
}

func TestSend_GlobalRateLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := &conn{id: "c1", identity: "U1"}

	for i := range 10 {
		require.NoError(t, f.coord.Send(ctx, u, SendRequest{Room: "r" + strconv.Itoa(i%3), Content: "m"}))
	}
	requireCode(t, f.coord.Send(ctx, u, SendRequest{Room: "r0", Content: "m"}), CodeRateLimitGlobal)

	// Another connection of the same identity has its own budget.
	tab := &conn{id: "c2", identity: "U1"}
	assert.NoError(t, f.coord.Send(ctx, tab, SendRequest{Room: "r0", Content: "m"}))

	f.clock.Advance(10 * time.Second)
	assert.NoError(t, f.coord.Send(ctx, u, SendRequest{Room: "r0", Content: "m"}))
}

func TestSend_RoomRateLimit(t *testing.T) {
	f := newFixture(t, func(o *fixtureOptions) { o.global = ratelimit.Rule{Max: 1000, Window: 10 * time.Second} })
	ctx := context.Background()
	u := &conn{id: "c1", identity: "U1"}

	for range 40 {
		require.NoError(t, f.coord.Send(ctx, u, SendRequest{Room: "busy", Content: "m"}))
	}
	err := requireCode(t, f.coord.Send(ctx, u, SendRequest{Room: "busy", Content: "m"}), CodeRateLimitRoom)
	assert.Equal(t, "busy", err.Fields["room"])
	assert.NoError(t, f.coord.Send(ctx, u, SendRequest{Room: "quiet", Content: "m"}))

	f.clock.Advance(time.Minute)
	assert.NoError(t, f.coord.Send(ctx, u, SendRequest{Room: "busy", Content: "m"}))
}

func TestSend_MuteCheckedBeforeRateLimit(t *testing.T) {
	f := newFixture(t, func(o *fixtureOptions) { o.global = ratelimit.Rule{Max: 3, Window: time.Hour} })
	ctx := context.Background()
	u := &conn{id: "c1", identity: "U1"}
	for range 3 {
		_ = f.coord.Send(ctx, u, SendRequest{Room: "global", Content: "darn"})
	}
	requireCode(t, f.coord.Send(ctx, u, SendRequest{Room: "global", Content: "hi"}), CodeMuteActive)
}

func TestSend_PersistFailedLeavesOptimisticAck(t *testing.T) {
	fs := &failingStore{createErr: errors.New("disk full")}
	f := newFixture(t, func(o *fixtureOptions) {
		o.store = func(s MessageStore) MessageStore { fs.MessageStore = s; return fs }
	})
	ctx := context.Background()
	u1 := &conn{id: "c1", identity: "U1"}
	u2 := &conn{id: "c2", identity: "U2"}
	f.join(t, u2, "global")
	f.join(t, u1, "global")
	u2.reset()

	err := requireCode(t, f.coord.Send(ctx, u1, SendRequest{Room: "global", Content: "lost", TempID: "t-9"}), CodePersistFailed)
	assert.ErrorContains(t, err, "disk full")

	require.Equal(t, []string{protocol.EventAck}, u1.events(), "the ack is not retracted")
	ack := u1.frames[0].Payload.(MessageView)
	assert.Equal(t, ack.ID, err.Fields["provisionalId"])
	assert.Equal(t, "t-9", err.Fields["tempId"])
	assert.Empty(t, u2.events(), "nothing reaches the room")

	fs.createErr = nil
	page, herr := f.coord.History(ctx, HistoryRequest{Room: "global"})
	require.NoError(t, herr)
	assert.Empty(t, page.Messages, "the optimistic message was never stored")
}

func TestSend_ExportAndJobs(t *testing.T) {
	f := newFixture(t)
	exp := &recordingExporter{}
	jobs := &recordingJobs{}
	f.coord.exporter = exp
	f.coord.jobs = jobs

	u := &conn{id: "c1", identity: "U1"}
	require.NoError(t, f.coord.Send(context.Background(), u, SendRequest{Room: "global", Content: "hi"}))
	require.Len(t, jobs.queued, 2)
	assert.Empty(t, exp.rooms, "export runs on the pool")

	for _, job := range jobs.queued {
		job()
	}
	assert.Equal(t, []string{"global"}, exp.rooms)
}

func TestSend_DropsJobsWhenQueueFull(t *testing.T) {
	f := newFixture(t)
	f.coord.jobs = &recordingJobs{full: true}
	u := &conn{id: "c1", identity: "U1"}
	assert.NoError(t, f.coord.Send(context.Background(), u, SendRequest{Room: "global", Content: "hi"}))
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u1 := &conn{id: "c1", identity: "U1"}
	u2 := &conn{id: "c2", identity: "U2"}
	f.join(t, u1, "global")
	f.join(t, u2, "global")

	require.NoError(t, f.coord.Send(ctx, u1, SendRequest{Room: "global", Content: "one"}))
	f.clock.Advance(time.Second)
	require.NoError(t, f.coord.Send(ctx, u1, SendRequest{Room: "global", Content: "two"}))
	upd, _ := u2.last(protocol.EventUnreadUpdate)
	assert.Equal(t, int64(2), upd.(UnreadUpdate).Unread)

	f.clock.Advance(time.Second)
	count, err := f.coord.MarkRead(ctx, "U2", ReadMarkRequest{Room: "global"})
	require.NoError(t, err)
	assert.Equal(t, &unread.Count{Room: "global", Unread: 0}, count)

	f.clock.Advance(time.Second)
	require.NoError(t, f.coord.Send(ctx, u1, SendRequest{Room: "global", Content: "three"}))
	upd, _ = u2.last(protocol.EventUnreadUpdate)
	assert.Equal(t, int64(1), upd.(UnreadUpdate).Unread)

	_, err = f.coord.MarkRead(ctx, "U2", ReadMarkRequest{Room: ""})
	requireCode(t, err, CodeInvalidPayload)
}

func TestMarkReadAtTimestamp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u1 := &conn{id: "c1", identity: "U1"}

	require.NoError(t, f.coord.Send(ctx, u1, SendRequest{Room: "global", Content: "one"}))
	first := f.clock.Now()
	f.clock.Advance(time.Second)
	require.NoError(t, f.coord.Send(ctx, u1, SendRequest{Room: "global", Content: "two"}))
	f.clock.Advance(time.Second)

	count, err := f.coord.MarkRead(ctx, "U2", ReadMarkRequest{Room: "global", At: &protocol.Timestamp{Time: first}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count.Unread)
}

func TestRestoreUnread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u1 := &conn{id: "c1", identity: "U1"}

	_, err := f.coord.MarkRead(ctx, "U2", ReadMarkRequest{Room: "global"})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	require.NoError(t, f.coord.Send(ctx, u1, SendRequest{Room: "global", Content: "while away"}))

	back := &conn{id: "c9", identity: "U2"}
	f.coord.RestoreUnread(back)
	assert.Equal(t, []frame{{protocol.EventUnread, unread.Count{Room: "global", Unread: 1}}}, back.frames)
}

func TestRecordSystemMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u1 := &conn{id: "c1", identity: "U1"}
	f.join(t, u1, "global")

	msg, err := f.coord.RecordSystemMessage(ctx, "global", "Season 2 has started", f.clock.Now())
	require.NoError(t, err)
	assert.True(t, msg.IsSystem)
	assert.Equal(t, "system", msg.SenderID)

	assert.Equal(t, []string{protocol.EventMessage, protocol.EventUnreadUpdate}, u1.events())
	view := u1.frames[0].Payload.(MessageView)
	assert.True(t, view.IsSystem)
}

func TestErrorPayload(t *testing.T) {
	err := &Error{Code: CodeMuteActive, Fields: map[string]any{"until": int64(5), "code": "spoofed"}}
	assert.Equal(t, map[string]any{"code": CodeMuteActive, "until": int64(5)}, err.Payload())
	assert.Equal(t, "MUTE_ACTIVE", err.Error())
}
