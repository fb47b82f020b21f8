package moderation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Outcome is the result of screening one send.
type Outcome int

const (
	// Allowed content passed screening.
	Allowed Outcome = iota
	// Blocked content was rejected and counted as an infraction.
	Blocked
	// MuteApplied means this infraction reached the threshold.
	MuteApplied
	// MuteActive means the identity is muted.
	MuteActive
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Blocked:
		return "blocked"
	case MuteApplied:
		return "mute_applied"
	case MuteActive:
		return "mute_active"
	default:
		return "unknown"
	}
}

// Verdict is the outcome of screening one send.
type Verdict struct {
	Outcome Outcome
	// Count is the running infraction count for Blocked.
	Count int
	// Until is the mute expiry for MuteApplied and MuteActive.
	Until time.Time
}

// MuteNotifier is told when an identity becomes muted.
type MuteNotifier func(identity string, until time.Time)

// Config tunes escalation: Threshold flagged sends within InfractionWindow
// mute the sender for MuteDuration.
type Config struct {
	Threshold        int
	InfractionWindow time.Duration
	MuteDuration     time.Duration
}

type infraction struct {
	count       int
	windowStart time.Time
}

// Engine tracks infractions and mutes per identity. State is process-local.
type Engine struct {
	screener *Screener
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger

	mu          sync.Mutex
	infractions map[string]*infraction
	mutes       map[string]time.Time
	notify      MuteNotifier
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates a moderation engine
//
// Parameters:
//   - screener: denylist matcher applied to every send
//   - cfg: escalation thresholds
//   - opts: clock and logger overrides
func NewEngine(screener *Screener, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		screener:    screener,
		cfg:         cfg,
		now:         time.Now,
		logger:      zap.NewNop(),
		infractions: make(map[string]*infraction),
		mutes:       make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetNotifier registers the callback invoked after a mute is applied.
func (e *Engine) SetNotifier(n MuteNotifier) {
	e.mu.Lock()
	e.notify = n
	e.mu.Unlock()
}

// MutedUntil returns the active mute expiry for identity, if any.
func (e *Engine) MutedUntil(identity string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mutedUntilLocked(identity, e.now())
}

func (e *Engine) mutedUntilLocked(identity string, now time.Time) (time.Time, bool) {
	until, ok := e.mutes[identity]
	if !ok {
		return time.Time{}, false
	}
	if !now.Before(until) {
		delete(e.mutes, identity)
		return time.Time{}, false
	}
	return until, true
}

// Check screens content sent by identity and advances its escalation state.
func (e *Engine) Check(identity, content string) Verdict {
	if !e.screener.Blocked(content) {
		return Verdict{Outcome: Allowed}
	}

	now := e.now()
	e.mu.Lock()
	if until, muted := e.mutedUntilLocked(identity, now); muted {
		e.mu.Unlock()
		return Verdict{Outcome: MuteActive, Until: until}
	}

	rec, ok := e.infractions[identity]
	if !ok || now.Sub(rec.windowStart) > e.cfg.InfractionWindow {
		rec = &infraction{windowStart: now}
		e.infractions[identity] = rec
	}
	rec.count++

	if rec.count < e.cfg.Threshold {
		count := rec.count
		e.mu.Unlock()
		return Verdict{Outcome: Blocked, Count: count}
	}

	until := now.Add(e.cfg.MuteDuration)
	e.mutes[identity] = until
	delete(e.infractions, identity)
	notify := e.notify
	e.mu.Unlock()

	e.logger.Info("identity muted", zap.String("identity", identity), zap.Time("until", until))
	if notify != nil {
		notify(identity, until)
	}
	return Verdict{Outcome: MuteApplied, Until: until}
}

// Infractions returns the live infraction count for identity.
func (e *Engine) Infractions(identity string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.infractions[identity]
	if !ok || e.now().Sub(rec.windowStart) > e.cfg.InfractionWindow {
		return 0
	}
	return rec.count
}

// Sweep drops expired mutes and lapsed infraction windows, returning how many
// entries were removed.
func (e *Engine) Sweep() int {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for id, until := range e.mutes {
		if !now.Before(until) {
			delete(e.mutes, id)
			removed++
		}
	}
	for id, rec := range e.infractions {
		if now.Sub(rec.windowStart) > e.cfg.InfractionWindow {
			delete(e.infractions, id)
			removed++
		}
	}
	return removed
}

// RunJanitor sweeps every interval until ctx is cancelled.
func (e *Engine) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.Sweep(); n > 0 {
				e.logger.Debug("moderation sweep", zap.Int("removed", n))
			}
		}
	}
}
