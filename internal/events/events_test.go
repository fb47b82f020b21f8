package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/Gopher0727/ChatCore/internal/model"
	"github.com/Gopher0727/ChatCore/internal/pkg/kafka"
	"github.com/Gopher0727/ChatCore/internal/protocol"
)

type delivery struct {
	room    string
	event   string
	payload Payload
}

type fakeRooms struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (f *fakeRooms) Broadcast(_ context.Context, room, event string, payload any, _ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, delivery{room: room, event: event, payload: payload.(Payload)})
	return 1
}

type recorded struct {
	room    string
	content string
	at      time.Time
}

type fakeRecorder struct {
	calls []recorded
	err   error
}

func (f *fakeRecorder) RecordSystemMessage(_ context.Context, room, content string, at time.Time) (*model.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, recorded{room: room, content: content, at: at})
	return &model.Message{ID: int64(len(f.calls)), Room: room, Content: content, CreatedAt: at}, nil
}

func newTestBroadcaster(rec Recorder) (*Broadcaster, *fakeRooms) {
	rooms := &fakeRooms{}
	b := NewBroadcaster(rooms, rec, nil)
	b.now = func() time.Time { return time.UnixMilli(1_700_000_000_123).UTC() }
	return b, rooms
}

func TestPayload_JSONRoundTripKeepsVariant(t *testing.T) {
	raw := []byte(`{"type":"rank-change","userId":"alice","board":"weekly","oldRank":12,"newRank":4,"timestamp":1700000000000,"metadata":{"season":3}}`)

	var p Payload
	require.NoError(t, json.Unmarshal(raw, &p))
	assert.Equal(t, RankChange{UserID: "alice", Board: "weekly", OldRank: 12, NewRank: 4}, p.Event)
	assert.Equal(t, int64(1_700_000_000_000), p.Timestamp.UnixMilli())
	assert.Equal(t, float64(3), p.Metadata["season"])

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(out))
}

func TestPayload_DecodeErrors(t *testing.T) {
	var p Payload
	assert.ErrorIs(t, json.Unmarshal([]byte(`{"userId":"a"}`), &p), ErrMissingKind)
	assert.ErrorIs(t, json.Unmarshal([]byte(`{"type":"election-result"}`), &p), ErrUnknownKind)
	assert.Error(t, json.Unmarshal([]byte(`{"type":"achievement","points":"many"}`), &p))
}

func TestRoutes(t *testing.T) {
	assert.Equal(t, []string{ChannelSystem, ChannelAchievements}, Routes(KindAchievement))
	assert.Equal(t, []string{ChannelSystem, ChannelElections}, Routes(KindLegislationUpdate))
	assert.Equal(t, []string{ChannelSystem, ChannelElections}, Routes(KindLobbyAttempt))
	assert.Equal(t, []string{ChannelSystem, ChannelElections}, Routes(KindLeaderboardUpdate))
	assert.Equal(t, []string{ChannelSystem, ChannelRankings}, Routes(KindRankChange))
}

func TestShouldPersist(t *testing.T) {
	assert.True(t, ShouldPersist(Achievement{}, true))
	assert.False(t, ShouldPersist(Achievement{}, false))
	assert.False(t, ShouldPersist(LeaderboardUpdate{}, true))
	assert.True(t, ShouldPersist(RankChange{OldRank: 11, NewRank: 10}, true))
	assert.True(t, ShouldPersist(RankChange{OldRank: 3, NewRank: 0}, true))
	assert.False(t, ShouldPersist(RankChange{OldRank: 3, NewRank: 2}, false))
	assert.False(t, ShouldPersist(RankChange{OldRank: 11, NewRank: 25}, true))
	assert.False(t, ShouldPersist(RankChange{OldRank: 0, NewRank: 0}, true))
}

func TestShouldPersist_RankChangeProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		oldRank := rapid.IntRange(0, 100).Draw(t, "old")
		newRank := rapid.IntRange(0, 100).Draw(t, "new")
		requested := rapid.Bool().Draw(t, "requested")

		got := ShouldPersist(RankChange{OldRank: oldRank, NewRank: newRank}, requested)
		want := requested && ((oldRank >= 1 && oldRank <= 10) || (newRank >= 1 && newRank <= 10))
		if got != want {
			t.Fatalf("old=%d new=%d: got %v want %v", oldRank, newRank, got, want)
		}
	})
}

func TestFormat(t *testing.T) {
	assert.Equal(t, `alice unlocked "First Bill" (+50 points)`, Format(Achievement{UserID: "alice", Title: "First Bill", Points: 50}))
	assert.Equal(t, `Bill B-7 "Clean Air" is now passed (31 for, 9 against)`,
		Format(LegislationUpdate{BillID: "B-7", Title: "Clean Air", Status: "passed", VotesFor: 31, VotesAgainst: 9}))
	assert.Equal(t, "bob lobbied bill B-7 with 1500.00 and succeeded", Format(LobbyAttempt{LobbyistID: "bob", BillID: "B-7", Amount: 1500, Success: true}))
	assert.Equal(t, "Leaderboard weekly updated (0 entries)", Format(LeaderboardUpdate{Board: "weekly"}))
	assert.Equal(t, "alice moved from unranked to #8 on weekly", Format(RankChange{UserID: "alice", Board: "weekly", NewRank: 8}))
}

func TestPublish_RoutesAndStamps(t *testing.T) {
	rec := &fakeRecorder{}
	b, rooms := newTestBroadcaster(rec)

	res, err := b.Publish(context.Background(), Payload{
		Event: LegislationUpdate{BillID: "B-1", Title: "Budget", Status: "introduced"},
	}, PublishOptions{Persist: true})
	require.NoError(t, err)

	assert.Equal(t, KindLegislationUpdate, res.Kind)
	assert.Equal(t, 2, res.Recipients)
	assert.True(t, res.Persisted)
	assert.Equal(t, "1", res.MessageID)

	require.Len(t, rooms.deliveries, 2)
	for i, channel := range []string{ChannelSystem, ChannelElections} {
		d := rooms.deliveries[i]
		assert.Equal(t, channel, d.room)
		assert.Equal(t, protocol.EventSystem, d.event)
		assert.Equal(t, channel, d.payload.Channel)
		assert.Equal(t, int64(1_700_000_000_123), d.payload.Timestamp.UnixMilli())
	}

	require.Len(t, rec.calls, 1)
	assert.Equal(t, DefaultRoom, rec.calls[0].room)
	assert.Equal(t, `Bill B-1 "Budget" is now introduced (0 for, 0 against)`, rec.calls[0].content)
	assert.Equal(t, int64(1_700_000_000_123), rec.calls[0].at.UnixMilli())
}

func TestPublish_KeepsCallerTimestampAndRoom(t *testing.T) {
	rec := &fakeRecorder{}
	b, _ := newTestBroadcaster(rec)
	at := time.UnixMilli(1_600_000_000_000).UTC()

	_, err := b.Publish(context.Background(), Payload{
		Event:     Achievement{UserID: "alice", Title: "Orator"},
		Timestamp: at,
	}, PublishOptions{Persist: true, Room: "lobby"})
	require.NoError(t, err)

	require.Len(t, rec.calls, 1)
	assert.Equal(t, "lobby", rec.calls[0].room)
	assert.True(t, at.Equal(rec.calls[0].at))
}

func TestPublish_PolicyOverridesCaller(t *testing.T) {
	rec := &fakeRecorder{}
	b, rooms := newTestBroadcaster(rec)
	ctx := context.Background()

	res, err := b.Publish(ctx, Payload{Event: LeaderboardUpdate{Board: "weekly"}}, PublishOptions{Persist: true})
	require.NoError(t, err)
	assert.False(t, res.Persisted)

	res, err = b.Publish(ctx, Payload{Event: RankChange{UserID: "a", Board: "weekly", OldRank: 40, NewRank: 9}}, PublishOptions{Persist: true})
	require.NoError(t, err)
	assert.True(t, res.Persisted)

	res, err = b.Publish(ctx, Payload{Event: RankChange{UserID: "a", Board: "weekly", OldRank: 40, NewRank: 30}}, PublishOptions{Persist: true})
	require.NoError(t, err)
	assert.False(t, res.Persisted)

	res, err = b.Publish(ctx, Payload{Event: RankChange{UserID: "a", Board: "weekly", OldRank: 9, NewRank: 8}}, PublishOptions{})
	require.NoError(t, err)
	assert.False(t, res.Persisted, "unrequested rank changes are not persisted")

	assert.Len(t, rec.calls, 1)
	assert.Len(t, rooms.deliveries, 8)
}

func TestPublish_Invalid(t *testing.T) {
	b, rooms := newTestBroadcaster(nil)

	_, err := b.Publish(context.Background(), Payload{}, PublishOptions{})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = b.Publish(context.Background(), Payload{Event: Achievement{Title: "no user"}}, PublishOptions{})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	assert.Empty(t, rooms.deliveries)
}

func TestPublish_RecorderFailureStillDelivers(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("db down")}
	b, rooms := newTestBroadcaster(rec)

	res, err := b.Publish(context.Background(), Payload{Event: Achievement{UserID: "a", Title: "t"}}, PublishOptions{Persist: true})
	require.NoError(t, err)
	assert.False(t, res.Persisted)
	assert.Len(t, rooms.deliveries, 2)
}

func TestIngestAndHandleMessage(t *testing.T) {
	rec := &fakeRecorder{}
	b, rooms := newTestBroadcaster(rec)

	body := []byte(`{"event":{"type":"lobby-attempt","lobbyistId":"bob","billId":"B-2","amount":10,"success":false},"persist":true,"room":"senate"}`)
	res, err := b.Ingest(context.Background(), body)
	require.NoError(t, err)
	assert.Equal(t, KindLobbyAttempt, res.Kind)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "senate", rec.calls[0].room)

	require.NoError(t, b.HandleMessage(context.Background(), &sarama.ConsumerMessage{Value: body}))
	assert.Len(t, rooms.deliveries, 4)

	assert.ErrorIs(t, b.HandleMessage(context.Background(), &sarama.ConsumerMessage{Value: []byte(`{"event":{}}`)}), ErrInvalidEvent)
	err = b.HandleMessage(context.Background(), &sarama.ConsumerMessage{Value: []byte(`not json`)})
	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.ErrorIs(t, err, kafka.ErrPermanent, "undecodable events are not retried")
}
