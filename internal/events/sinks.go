package events

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// LogSink writes every event to a logger
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Deliver(ev pipeline.StatusEvent) {
	e := s.Log.Info()
	if ev.ErrorMessage != "" {
		e = s.Log.Warn().Str("error", ev.ErrorMessage)
	}
	if ev.AccessURL != "" {
		e = e.Str("access_url", ev.AccessURL)
	}
	e.Str("content_id", ev.ContentID).
		Str("user_id", ev.UserID).
		Str("status", string(ev.Status)).
		Msg(ev.Message)
}

// ChannelSink forwards events to a channel. Deliver blocks when the
// channel is full.
type ChannelSink chan pipeline.StatusEvent

func (c ChannelSink) Deliver(ev pipeline.StatusEvent) { c <- ev }

// History keeps the most recent events per content id for status queries
type History struct {
	limit int

	mu     sync.RWMutex
	events map[string][]pipeline.StatusEvent
}

// NewHistory keeps up to limit events per content id
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 32
	}
	return &History{limit: limit, events: make(map[string][]pipeline.StatusEvent)}
}

func (h *History) Deliver(ev pipeline.StatusEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := append(h.events[ev.ContentID], ev)
	if len(list) > h.limit {
		list = list[len(list)-h.limit:]
	}
	h.events[ev.ContentID] = list
}

// Events returns the recorded events for contentID, oldest first
func (h *History) Events(contentID string) []pipeline.StatusEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]pipeline.StatusEvent(nil), h.events[contentID]...)
}
