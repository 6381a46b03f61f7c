// Package notify carries transient user feedback. Notifications are never part of
// session state; a Queue forgets them once their TTL passes.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Level is the severity of a notification.
type Level int

const (
	Success Level = iota
	Failure
)

func (l Level) String() string {
	if l == Failure {
		return "error"
	}
	return "success"
}

// Notification is one message to show the user.
type Notification struct {
	ID      uint64
	Level   Level
	Message string
	At      time.Time
}

// Sink receives notifications.
type Sink interface {
	Notify(level Level, message string)
}

// DefaultTTL is how long a notification stays visible.
const DefaultTTL = 10 * time.Second

// Queue holds notifications until they expire.
type Queue struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	ttl    time.Duration
	nextID uint64
	items  []Notification
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithClock sets the clock used for timestamps and expiry.
func WithClock(clock clockwork.Clock) QueueOption {
	return func(q *Queue) {
		q.clock = clock
	}
}

// WithTTL sets how long notifications live. Non-positive values keep the default.
func WithTTL(ttl time.Duration) QueueOption {
	return func(q *Queue) {
		if ttl > 0 {
			q.ttl = ttl
		}
	}
}

// NewQueue creates an empty queue.
func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		clock: clockwork.NewRealClock(),
		ttl:   DefaultTTL,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Notify implements Sink.
func (q *Queue) Notify(level Level, message string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	q.items = append(q.items, Notification{
		ID:      q.nextID,
		Level:   level,
		Message: message,
		At:      q.clock.Now(),
	})
}

// Active returns the unexpired notifications, oldest first, and drops the rest.
func (q *Queue) Active() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	kept := q.items[:0]
	for _, n := range q.items {
		if now.Sub(n.At) < q.ttl {
			kept = append(kept, n)
		}
	}
	q.items = kept

	out := make([]Notification, len(kept))
	copy(out, kept)
	return out
}

// Dismiss removes a notification before it expires.
func (q *Queue) Dismiss(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, n := range q.items {
		if n.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// TTL returns the queue's notification lifetime.
func (q *Queue) TTL() time.Duration {
	return q.ttl
}

// LogSink writes notifications to a logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs at info for successes and warn for failures.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Notify implements Sink.
func (s *LogSink) Notify(level Level, message string) {
	lvl := slog.LevelInfo
	if level == Failure {
		lvl = slog.LevelWarn
	}
	s.logger.Log(context.Background(), lvl, "notification", slog.String("level", level.String()), slog.String("message", message))
}

// Multi fans a notification out to several sinks.
type Multi []Sink

// Notify implements Sink.
func (m Multi) Notify(level Level, message string) {
	for _, s := range m {
		s.Notify(level, message)
	}
}

// Discard drops every notification.
var Discard Sink = Multi(nil)
