// Package notify delivers user-visible sync notifications.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

type Notification struct {
	ID       string    `json:"id"`
	Level    Level     `json:"level"`
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	ActionID string    `json:"actionId,omitempty"`
	Kind     string    `json:"kind,omitempty"`
	At       time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Stamp fills ID and At when they are unset.
func Stamp(n Notification) Notification {
	if n.ID == "" {
		n.ID = "ntf_" + uuid.NewString()
	}
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	return n
}

// Multi fans a notification out to every notifier.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) {
	n = Stamp(n)
	for _, x := range m {
		if x != nil {
			x.Notify(ctx, n)
		}
	}
}

// Feed keeps the most recent notifications for status displays.
type Feed struct {
	mu    sync.RWMutex
	items []Notification
	size  int
	next  int
	full  bool
}

func NewFeed(size int) *Feed {
	if size <= 0 {
		size = 100
	}
	return &Feed{items: make([]Notification, size), size: size}
}

func (f *Feed) Notify(_ context.Context, n Notification) {
	n = Stamp(n)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[f.next] = n
	f.next = (f.next + 1) % f.size
	if f.next == 0 {
		f.full = true
	}
}

// Recent returns up to limit notifications, newest first.
func (f *Feed) Recent(limit int) []Notification {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := f.next
	if f.full {
		n = f.size
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Notification, 0, limit)
	for i := 1; i <= limit; i++ {
		out = append(out, f.items[(f.next-i+f.size)%f.size])
	}
	return out
}

// LogSink writes notifications to the global logger.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, n Notification) {
	var ev *zerolog.Event
	switch n.Level {
	case LevelError:
		ev = log.Error()
	case LevelWarning:
		ev = log.Warn()
	default:
		ev = log.Info()
	}
	ev.Str("level_hint", string(n.Level)).
		Str("title", n.Title).
		Str("action_id", n.ActionID).
		Str("kind", n.Kind).
		Msg(n.Message)
}
