// Package room tracks which connections occupy which rooms and fans events
// out to them, optionally across nodes through Redis pub/sub.
package room

import (
	"context"
	"encoding/json"
	"slices"
	"strconv"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Gopher0727/ChatCore/internal/protocol"
)

const (
	// DirectPrefix prefixes canonical direct-message room names.
	DirectPrefix = "dm:"

	redisChannelName = "chatcore:rooms"
)

// Member is a connection that can receive room events.
type Member interface {
	ID() string
	Identity() string
	// Deliver queues an event for the member and reports whether it was
	// accepted.
	Deliver(event string, payload any) bool
}

// Presence is the payload of user-joined and user-left.
type Presence struct {
	Room   string `json:"room"`
	UserID string `json:"userId"`
}

type membership struct {
	member Member
	// announced memberships emit presence; silent ones are subscriptions.
	announced bool
}

// Hub is safe for concurrent use.
type Hub struct {
	mu sync.RWMutex
	// room -> connection id -> membership
	rooms map[string]map[string]*membership
	// connection id -> rooms
	joined map[string]map[string]struct{}

	redis  redis.UniversalClient
	nodeID string
	logger *zap.Logger
}

// relayMessage is the cross-node form of a room broadcast.
type relayMessage struct {
	Node    string          `json:"node"`
	Room    string          `json:"room"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Except  string          `json:"except,omitempty"`
}

// NewHub builds a Hub. redisClient may be nil for single-node delivery.
func NewHub(redisClient redis.UniversalClient, nodeID string, logger *zap.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[string]*membership),
		joined: make(map[string]map[string]struct{}),
		redis:  redisClient,
		nodeID: nodeID,
		logger: logger,
	}
}

// DirectRoomName returns the canonical room shared by a and b regardless of
// argument order. The first identity is length-prefixed, so identities
// containing the separator cannot collide with another pair.
func DirectRoomName(a, b string) string {
	pair := []string{a, b}
	slices.Sort(pair)
	return DirectPrefix + strconv.Itoa(len(pair[0])) + ":" + pair[0] + "|" + pair[1]
}

// Join adds m to room and announces it to the other occupants. It reports
// false when m was already an announced member.
func (h *Hub) Join(ctx context.Context, m Member, room string) bool {
	if !h.add(m, room, true) {
		return false
	}
	h.Broadcast(ctx, room, protocol.EventUserJoined, Presence{Room: room, UserID: m.Identity()}, m.ID())
	return true
}

// JoinDirect joins m to the direct-message room it shares with peer.
func (h *Hub) JoinDirect(ctx context.Context, m Member, peer string) string {
	name := DirectRoomName(m.Identity(), peer)
	h.Join(ctx, m, name)
	return name
}

// Subscribe adds m to room without presence events.
func (h *Hub) Subscribe(m Member, room string) {
	h.add(m, room, false)
}

// Leave removes m from room. It reports false when m was not a member.
func (h *Hub) Leave(ctx context.Context, m Member, room string) bool {
	h.mu.Lock()
	ms, ok := h.remove(m.ID(), room)
	h.mu.Unlock()
	if !ok {
		return false
	}
	if ms.announced {
		h.Broadcast(ctx, room, protocol.EventUserLeft, Presence{Room: room, UserID: m.Identity()}, m.ID())
	}
	return true
}

// LeaveAll removes m from every room, announcing its departure.
func (h *Hub) LeaveAll(ctx context.Context, m Member) {
	h.mu.Lock()
	var announced []string
	for room := range h.joined[m.ID()] {
		if ms, ok := h.remove(m.ID(), room); ok && ms.announced {
			announced = append(announced, room)
		}
	}
	delete(h.joined, m.ID())
	h.mu.Unlock()

	for _, room := range announced {
		h.Broadcast(ctx, room, protocol.EventUserLeft, Presence{Room: room, UserID: m.Identity()}, m.ID())
	}
}

func (h *Hub) add(m Member, room string, announced bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*membership)
		h.rooms[room] = members
	}
	if existing, ok := members[m.ID()]; ok {
		if existing.announced || !announced {
			return false
		}
		existing.announced = true
		return true
	}
	members[m.ID()] = &membership{member: m, announced: announced}

	if h.joined[m.ID()] == nil {
		h.joined[m.ID()] = make(map[string]struct{})
	}
	h.joined[m.ID()][room] = struct{}{}
	return true
}

// remove must be called with h.mu held.
func (h *Hub) remove(connID, room string) (*membership, bool) {
	members, ok := h.rooms[room]
	if !ok {
		return nil, false
	}
	ms, ok := members[connID]
	if !ok {
		return nil, false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	if rooms, ok := h.joined[connID]; ok {
		delete(rooms, room)
	}
	return ms, true
}

// IsMember reports whether connection connID is in room.
func (h *Hub) IsMember(connID, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][connID]
	return ok
}

// Occupants returns the local connections in room.
func (h *Hub) Occupants(room string) []Member {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Member, 0, len(h.rooms[room]))
	for _, ms := range h.rooms[room] {
		out = append(out, ms.member)
	}
	return out
}

// RoomsOf returns the rooms identity currently occupies through an announced
// membership on any of its local connections.
func (h *Hub) RoomsOf(identity string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var rooms []string
	for room, members := range h.rooms {
		for _, ms := range members {
			if ms.announced && ms.member.Identity() == identity {
				rooms = append(rooms, room)
				break
			}
		}
	}
	slices.Sort(rooms)
	return rooms
}

// RoomCount returns the number of non-empty rooms on this node.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Broadcast delivers event to the local occupants of room except the
// connection exceptID, then relays it to other nodes when Redis is
// configured. It returns the number of local deliveries.
func (h *Hub) Broadcast(ctx context.Context, room, event string, payload any, exceptID string) int {
	n := h.deliverLocal(room, event, payload, exceptID)
	if h.redis == nil {
		return n
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to encode room broadcast", zap.String("room", room), zap.String("event", event), zap.Error(err))
		return n
	}
	msg, _ := json.Marshal(relayMessage{Node: h.nodeID, Room: room, Event: event, Payload: raw, Except: exceptID})
	if err := h.redis.Publish(ctx, redisChannelName, msg).Err(); err != nil {
		h.logger.Warn("failed to relay room broadcast", zap.String("room", room), zap.String("event", event), zap.Error(err))
	}
	return n
}

func (h *Hub) deliverLocal(room, event string, payload any, exceptID string) int {
	h.mu.RLock()
	targets := lo.FilterMap(lo.Values(h.rooms[room]), func(ms *membership, _ int) (Member, bool) {
		return ms.member, ms.member.ID() != exceptID
	})
	h.mu.RUnlock()

	delivered := 0
	for _, m := range targets {
		if m.Deliver(event, payload) {
			delivered++
		}
	}
	return delivered
}

// Run relays broadcasts published by other nodes to local occupants until ctx
// is cancelled. It returns immediately when Redis is not configured.
func (h *Hub) Run(ctx context.Context) {
	if h.redis == nil {
		return
	}
	pubsub := h.redis.Subscribe(ctx, redisChannelName)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		h.logger.Error("failed to subscribe to room relay", zap.Error(err))
		return
	}
	h.logger.Info("room relay subscribed", zap.String("node", h.nodeID))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var relay relayMessage
			if err := json.Unmarshal([]byte(msg.Payload), &relay); err != nil {
				h.logger.Warn("dropping malformed relay message", zap.Error(err))
				continue
			}
			// Local occupants were served when the broadcast was issued.
			if relay.Node == h.nodeID {
				continue
			}
			h.deliverLocal(relay.Room, relay.Event, relay.Payload, relay.Except)
		}
	}
}
