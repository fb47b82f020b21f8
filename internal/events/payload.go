// Package events fans structured system notifications out to subscribers
// and optionally records them as system messages.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is the "type" discriminator of a system event.
type Kind string

const (
	KindAchievement       Kind = "achievement"
	KindLegislationUpdate Kind = "legislation-update"
	KindLobbyAttempt      Kind = "lobby-attempt"
	KindLeaderboardUpdate Kind = "leaderboard-update"
	KindRankChange        Kind = "rank-change"
)

var (
	ErrUnknownKind = errors.New("unknown system event kind")
	ErrMissingKind = errors.New("system event type is required")
)

// Event is one variant of the system event union. The set of variants is
// closed: only the types in this file implement it.
type Event interface {
	Kind() Kind
	sealed()
}

// Achievement reports a user unlocking an achievement.
type Achievement struct {
	UserID      string `json:"userId" validate:"required"`
	Title       string `json:"title" validate:"required"`
	Description string `json:"description,omitempty"`
	Points      int    `json:"points,omitempty" validate:"gte=0"`
}

// LegislationUpdate reports a bill changing status.
type LegislationUpdate struct {
	BillID       string `json:"billId" validate:"required"`
	Title        string `json:"title" validate:"required"`
	Status       string `json:"status" validate:"required"`
	VotesFor     int    `json:"votesFor,omitempty" validate:"gte=0"`
	VotesAgainst int    `json:"votesAgainst,omitempty" validate:"gte=0"`
}

// LobbyAttempt reports the outcome of lobbying a bill.
type LobbyAttempt struct {
	LobbyistID string  `json:"lobbyistId" validate:"required"`
	BillID     string  `json:"billId" validate:"required"`
	Amount     float64 `json:"amount" validate:"gte=0"`
	Success    bool    `json:"success"`
}

type LeaderboardEntry struct {
	UserID string  `json:"userId" validate:"required"`
	Rank   int     `json:"rank" validate:"gte=1"`
	Score  float64 `json:"score"`
}

// LeaderboardUpdate carries a refreshed leaderboard. It is never persisted.
type LeaderboardUpdate struct {
	Board   string             `json:"board" validate:"required"`
	Entries []LeaderboardEntry `json:"entries" validate:"dive"`
}

// RankChange ranks are 1-based; zero means unranked.
type RankChange struct {
	UserID  string `json:"userId" validate:"required"`
	Board   string `json:"board" validate:"required"`
	OldRank int    `json:"oldRank" validate:"gte=0"`
	NewRank int    `json:"newRank" validate:"gte=0"`
}

func (Achievement) Kind() Kind       { return KindAchievement }
func (LegislationUpdate) Kind() Kind { return KindLegislationUpdate }
func (LobbyAttempt) Kind() Kind      { return KindLobbyAttempt }
func (LeaderboardUpdate) Kind() Kind { return KindLeaderboardUpdate }
func (RankChange) Kind() Kind        { return KindRankChange }

func (Achievement) sealed()       {}
func (LegislationUpdate) sealed() {}
func (LobbyAttempt) sealed()      {}
func (LeaderboardUpdate) sealed() {}
func (RankChange) sealed()        {}

// Payload is a system event with its common envelope. On the wire the
// variant's fields sit next to type, timestamp and metadata.
type Payload struct {
	Event     Event
	Timestamp time.Time
	Metadata  map[string]any
	// Channel names the subscription a delivered copy was routed through.
	Channel string
}

type envelope struct {
	Type      Kind           `json:"type"`
	Timestamp *int64         `json:"timestamp,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Channel   string         `json:"channel,omitempty"`
}

// MarshalJSON flattens the event fields next to type, timestamp, metadata
// and channel.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Event == nil {
		return nil, ErrMissingKind
	}
	fields := map[string]any{}
	raw, err := json.Marshal(p.Event)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["type"] = p.Event.Kind()
	if !p.Timestamp.IsZero() {
		fields["timestamp"] = p.Timestamp.UnixMilli()
	}
	if len(p.Metadata) > 0 {
		fields["metadata"] = p.Metadata
	}
	if p.Channel != "" {
		fields["channel"] = p.Channel
	}
	return json.Marshal(fields)
}

// UnmarshalJSON selects the event variant from the "type" field.
func (p *Payload) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}

	var ev Event
	var err error
	switch env.Type {
	case "":
		return ErrMissingKind
	case KindAchievement:
		ev, err = decode[Achievement](b)
	case KindLegislationUpdate:
		ev, err = decode[LegislationUpdate](b)
	case KindLobbyAttempt:
		ev, err = decode[LobbyAttempt](b)
	case KindLeaderboardUpdate:
		ev, err = decode[LeaderboardUpdate](b)
	case KindRankChange:
		ev, err = decode[RankChange](b)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	if err != nil {
		return fmt.Errorf("decode %s: %w", env.Type, err)
	}

	*p = Payload{Event: ev, Metadata: env.Metadata, Channel: env.Channel}
	if env.Timestamp != nil {
		p.Timestamp = time.UnixMilli(*env.Timestamp).UTC()
	}
	return nil
}

func decode[T Event](b []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}
