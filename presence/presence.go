// Package presence tracks ephemeral typing indicators. Signals ride the
// realtime feed and are never persisted; there is no delivery guarantee,
// so watchers expire an active signal locally when no refresh arrives
// within the stale window.
package presence

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"glimpse/models"
	"glimpse/realtime"
)

// DefaultStaleAfter is how long an active typing signal stays valid
// without a refresh. Senders are expected to re-broadcast while the user
// keeps typing.
const DefaultStaleAfter = 6 * time.Second

// Tracker broadcasts and watches typing signals for conversations.
type Tracker struct {
	feed       realtime.Feed
	staleAfter time.Duration
}

// NewTracker creates a Tracker. staleAfter <= 0 selects DefaultStaleAfter.
func NewTracker(feed realtime.Feed, staleAfter time.Duration) *Tracker {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Tracker{feed: feed, staleAfter: staleAfter}
}

// SetTyping broadcasts a typing signal for one conversation. Best effort:
// no persistence, no delivery guarantee.
func (t *Tracker) SetTyping(conversationID, userID string, active bool) error {
	signal := models.TypingSignal{
		ConversationID: conversationID,
		UserID:         userID,
		Active:         active,
		SentAt:         time.Now().UnixMilli(),
	}

	payload, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("encode typing signal: %w", err)
	}

	return t.feed.Publish(realtime.Event{
		Resource: realtime.ResourceTyping,
		Action:   realtime.ActionUpdate,
		Filter:   conversationID,
		Payload:  payload,
	})
}

// OnTyping watches typing signals in one conversation. The handler
// receives every decoded signal; when an active signal is not refreshed
// within the stale window, a synthetic inactive signal is delivered for
// that user. Close the watch when the conversation view goes away.
func (t *Tracker) OnTyping(conversationID string, handler func(models.TypingSignal)) *Watch {
	watch := &Watch{
		staleAfter: t.staleAfter,
		handler:    handler,
		timers:     make(map[string]*time.Timer),
	}

	watch.sub = t.feed.Subscribe(realtime.ResourceTyping, conversationID, func(event realtime.Event) {
		var signal models.TypingSignal
		if err := json.Unmarshal(event.Payload, &signal); err != nil {
			logrus.WithError(err).Debug("drop malformed typing signal")
			return
		}
		watch.observe(signal)
	})

	return watch
}

// Watch is a live typing subscription for one conversation.
type Watch struct {
	sub        *realtime.Subscription
	staleAfter time.Duration
	handler    func(models.TypingSignal)

	mu     sync.Mutex
	closed bool
	timers map[string]*time.Timer
}

func (w *Watch) observe(signal models.TypingSignal) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}

	if timer, ok := w.timers[signal.UserID]; ok {
		timer.Stop()
		delete(w.timers, signal.UserID)
	}
	if signal.Active {
		userID := signal.UserID
		conversationID := signal.ConversationID
		w.timers[userID] = time.AfterFunc(w.staleAfter, func() {
			w.expire(conversationID, userID)
		})
	}
	w.mu.Unlock()

	w.handler(signal)
}

// expire delivers a synthetic inactive signal when no refresh arrived.
func (w *Watch) expire(conversationID, userID string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	delete(w.timers, userID)
	w.mu.Unlock()

	w.handler(models.TypingSignal{
		ConversationID: conversationID,
		UserID:         userID,
		Active:         false,
		SentAt:         time.Now().UnixMilli(),
	})
}

// Close stops the watch and all pending expiry timers.
func (w *Watch) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	for userID, timer := range w.timers {
		timer.Stop()
		delete(w.timers, userID)
	}
	w.mu.Unlock()

	w.sub.Close()
}
