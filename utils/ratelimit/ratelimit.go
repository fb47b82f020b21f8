package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/twmb/murmur3"
	"go.uber.org/zap"
)

// Limiter admits or rejects one event for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Rule is a sliding window: at most Max events within any trailing Window.
type Rule struct {
	Max    int
	Window time.Duration
}

const defaultShards = 32

type bucket struct {
	// ascending event timestamps, at most Max+1 entries
	events []time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// SlidingWindow is the process-local limiter. Keys are spread over
// mutex-guarded shards so that unrelated connections do not contend.
type SlidingWindow struct {
	rule   Rule
	shards []*shard
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a SlidingWindow.
type Option func(*SlidingWindow)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *SlidingWindow) { s.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *SlidingWindow) { s.logger = logger }
}

func WithShards(n int) Option {
	return func(s *SlidingWindow) {
		if n > 0 {
			s.shards = newShards(n)
		}
	}
}

// NewSlidingWindow creates an in-memory sliding window limiter
//
// Parameters:
//   - rule: maximum events per trailing window
//   - opts: logger and shard count overrides
func NewSlidingWindow(rule Rule, opts ...Option) *SlidingWindow {
	s := &SlidingWindow{
		rule:   rule,
		shards: newShards(defaultShards),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return shards
}

func (s *SlidingWindow) shardFor(key string) *shard {
	return s.shards[murmur3.Sum32([]byte(key))%uint32(len(s.shards))]
}

// Allow prunes timestamps older than the window, records now, and admits the
// event iff the bucket holds at most Max entries afterwards. Rejected events
// are recorded too, so a flooding client stays throttled.
func (s *SlidingWindow) Allow(_ context.Context, key string) (bool, error) {
	now := s.now()
	sh := s.shardFor(key)

	sh.mu.Lock()
	b, ok := sh.buckets[key]
	if !ok {
		b = &bucket{}
		sh.buckets[key] = b
	}
	b.events = prune(b.events, now.Add(-s.rule.Window))
	b.events = append(b.events, now)
	// Only the newest Max+1 entries can influence a future decision.
	if over := len(b.events) - (s.rule.Max + 1); over > 0 {
		b.events = b.events[over:]
	}
	allowed := len(b.events) <= s.rule.Max
	sh.mu.Unlock()

	if !allowed {
		s.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("limit", s.rule.Max),
			zap.Duration("window", s.rule.Window),
		)
	}
	return allowed, nil
}

// prune drops every timestamp not after cutoff.
func prune(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return events
	}
	return append(events[:0], events[i:]...)
}

// Reset forgets key entirely.
func (s *SlidingWindow) Reset(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	delete(sh.buckets, key)
	sh.mu.Unlock()
}

// Sweep removes keys whose newest event is older than idle and returns how
// many were evicted.
func (s *SlidingWindow) Sweep(idle time.Duration) int {
	if idle < s.rule.Window {
		idle = s.rule.Window
	}
	cutoff := s.now().Add(-idle)
	evicted := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, b := range sh.buckets {
			if len(b.events) == 0 || !b.events[len(b.events)-1].After(cutoff) {
				delete(sh.buckets, key)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	return evicted
}

// Len reports the number of tracked keys.
func (s *SlidingWindow) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}

// RunJanitor sweeps idle keys every interval until ctx is done.
func (s *SlidingWindow) RunJanitor(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(idle); n > 0 {
				s.logger.Debug("evicted idle rate limit keys", zap.Int("count", n))
			}
		}
	}
}
