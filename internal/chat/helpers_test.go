package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Gopher0727/ChatCore/internal/model"
	"github.com/Gopher0727/ChatCore/internal/moderation"
	"github.com/Gopher0727/ChatCore/internal/repository"
	"github.com/Gopher0727/ChatCore/internal/room"
	"github.com/Gopher0727/ChatCore/internal/storage/storagetest"
	"github.com/Gopher0727/ChatCore/internal/unread"
	"github.com/Gopher0727/ChatCore/utils/ratelimit"
	"github.com/Gopher0727/ChatCore/utils/snowflake"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type frame struct {
	Event   string
	Payload any
}

type conn struct {
	id, identity string

	mu     sync.Mutex
	frames []frame
}

func (c *conn) ID() string       { return c.id }
func (c *conn) Identity() string { return c.identity }

func (c *conn) Deliver(event string, payload any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame{event, payload})
	return true
}

func (c *conn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Event)
	}
	return out
}

func (c *conn) last(event string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].Event == event {
			return c.frames[i].Payload, true
		}
	}
	return nil, false
}

func (c *conn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

type fixture struct {
	coord    *Coordinator
	hub      *room.Hub
	messages *repository.MessageRepository
	engine   *moderation.Engine
	clock    *clock
}

type fixtureOptions struct {
	global, room ratelimit.Rule
	store        func(MessageStore) MessageStore
}

func newFixture(t *testing.T, opts ...func(*fixtureOptions)) *fixture {
	t.Helper()
	o := fixtureOptions{
		global: ratelimit.Rule{Max: 10, Window: 10 * time.Second},
		room:   ratelimit.Rule{Max: 40, Window: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(&o)
	}

	db := storagetest.NewDB(t)
	clk := &clock{t: time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)}
	messages := repository.NewMessageRepository(db)
	var store MessageStore = messages
	if o.store != nil {
		store = o.store(messages)
	}

	screener, err := moderation.NewScreener([]string{"darn"})
	require.NoError(t, err)
	engine := moderation.NewEngine(screener, moderation.Config{
		Threshold: 3, InfractionWindow: 10 * time.Minute, MuteDuration: 5 * time.Minute,
	}, moderation.WithClock(clk.Now))

	ids, err := snowflake.NewGenerator(1)
	require.NoError(t, err)

	hub := room.NewHub(nil, "test", zap.NewNop())
	coord := NewCoordinator(Options{
		Store:         store,
		Rooms:         hub,
		GlobalLimiter: ratelimit.NewSlidingWindow(o.global, ratelimit.WithClock(clk.Now)),
		RoomLimiter:   ratelimit.NewSlidingWindow(o.room, ratelimit.WithClock(clk.Now)),
		Moderation:    engine,
		Unread:        unread.NewTracker(messages, repository.NewWatermarkRepository(db), clk.Now),
		IDs:           ids,
		Now:           clk.Now,
	})
	return &fixture{coord: coord, hub: hub, messages: messages, engine: engine, clock: clk}
}

func (f *fixture) join(t *testing.T, c *conn, roomName string) {
	t.Helper()
	f.hub.Join(context.Background(), c, roomName)
}

func requireCode(t *testing.T, err error, code Code) *Error {
	t.Helper()
	require.Error(t, err)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, code, cerr.Code, cerr.Error())
	return cerr
}

type failingStore struct {
	MessageStore
	createErr, findErr error
	lastLimit          int
}

func (s *failingStore) Create(ctx context.Context, m *model.Message) error {
	if s.createErr != nil {
		return s.createErr
	}
	return s.MessageStore.Create(ctx, m)
}

func (s *failingStore) FindBefore(ctx context.Context, roomName string, cursor *repository.Cursor, limit int) ([]*model.Message, error) {
	s.lastLimit = limit
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.MessageStore.FindBefore(ctx, roomName, cursor, limit)
}

type recordingExporter struct {
	mu    sync.Mutex
	rooms []string
}

func (e *recordingExporter) Export(_ context.Context, m *model.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rooms = append(e.rooms, m.Room)
	return nil
}

type recordingJobs struct {
	full   bool
	queued []func()
}

func (j *recordingJobs) TrySubmit(job func()) bool {
	if j.full {
		return false
	}
	j.queued = append(j.queued, job)
	return true
}
