package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/Gopher0727/ChatCore/internal/model"
	"github.com/Gopher0727/ChatCore/internal/pkg/kafka"
	"github.com/Gopher0727/ChatCore/internal/protocol"
)

// ErrInvalidEvent wraps every decode and validation failure of an event.
var ErrInvalidEvent = errors.New("invalid system event")

// Publisher fans an event out to the occupants of a room.
type Publisher interface {
	Broadcast(ctx context.Context, room, event string, payload any, exceptID string) int
}

// Recorder stores a system event as a chat message.
type Recorder interface {
	RecordSystemMessage(ctx context.Context, room, content string, at time.Time) (*model.Message, error)
}

// PublishOptions carries the caller's side of the persistence policy.
// Room defaults to DefaultRoom.
type PublishOptions struct {
	// Persist asks for a system message; the per-kind policy may override it.
	Persist bool
	// Room receives the system message. Defaults to DefaultRoom.
	Room string
}

// Result describes what Publish did with an event.
type Result struct {
	Kind       Kind     `json:"type"`
	Channels   []string `json:"channels"`
	Recipients int      `json:"recipients"`
	Persisted  bool     `json:"persisted"`
	MessageID  string   `json:"messageId,omitempty"`
}

// Broadcaster stamps, routes and optionally records system events. Events
// reach it from the HTTP API, from Kafka and from in-process callers.
type Broadcaster struct {
	rooms    Publisher
	recorder Recorder
	validate *validator.Validate
	now      func() time.Time
	logger   *zap.Logger
}

// NewBroadcaster returns a Broadcaster. recorder may be nil, in which case
// nothing is persisted.
func NewBroadcaster(rooms Publisher, recorder Recorder, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		rooms:    rooms,
		recorder: recorder,
		validate: validator.New(),
		now:      time.Now,
		logger:   logger,
	}
}

// Publish stamps the payload if needed, delivers a copy to each subscription
// of its kind and persists it when the policy allows.
func (b *Broadcaster) Publish(ctx context.Context, p Payload, opts PublishOptions) (*Result, error) {
	if p.Event == nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, ErrMissingKind)
	}
	if err := b.validate.Struct(p.Event); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = b.now().UTC().Truncate(time.Millisecond)
	}

	kind := p.Event.Kind()
	res := &Result{Kind: kind, Channels: Routes(kind)}
	for _, channel := range res.Channels {
		routed := p
		routed.Channel = channel
		res.Recipients += b.rooms.Broadcast(ctx, channel, protocol.EventSystem, routed, "")
	}

	if b.recorder == nil || !ShouldPersist(p.Event, opts.Persist) {
		return res, nil
	}
	target := strings.TrimSpace(opts.Room)
	if target == "" {
		target = DefaultRoom
	}
	msg, err := b.recorder.RecordSystemMessage(ctx, target, Format(p.Event), p.Timestamp)
	if err != nil {
		// delivery already happened; report the storage failure without
		// failing the publish
		b.logger.Warn("failed to persist system event",
			zap.String("type", string(kind)),
			zap.String("room", target),
			zap.Error(err),
		)
		return res, nil
	}
	res.Persisted = true
	res.MessageID = fmt.Sprint(msg.ID)
	return res, nil
}

// IngestRequest is the body accepted over HTTP and Kafka.
type IngestRequest struct {
	Event   Payload `json:"event"`
	Persist bool    `json:"persist"`
	Room    string  `json:"room"`
}

// Ingest decodes raw as an IngestRequest and publishes it.
func (b *Broadcaster) Ingest(ctx context.Context, raw []byte) (*Result, error) {
	var req IngestRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	return b.Publish(ctx, req.Event, PublishOptions{Persist: req.Persist, Room: req.Room})
}

// HandleMessage adapts Ingest to a Kafka consumer handler. Events that fail
// to decode or validate are reported as kafka.ErrPermanent.
func (b *Broadcaster) HandleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	res, err := b.Ingest(ctx, message.Value)
	if errors.Is(err, ErrInvalidEvent) {
		return fmt.Errorf("%w: %w", kafka.ErrPermanent, err)
	}
	if err != nil {
		return err
	}
	b.logger.Debug("published system event from kafka",
		zap.String("type", string(res.Kind)),
		zap.Int32("partition", message.Partition),
		zap.Int64("offset", message.Offset),
	)
	return nil
}
