// Package notify delivers fire-and-forget user notifications. Failures are
// logged and swallowed: a missed notification must never fail the
// operation that produced it.
package notify

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"glimpse/realtime"
)

const (
	// KindMessage notifies a user about a new private message.
	KindMessage = "message"
)

// Sink accepts notifications for a target user.
type Sink interface {
	Notify(targetUserID, kind string, context map[string]string)
}

// Discard drops every notification. It backs the user-level mute setting.
type Discard struct{}

// Notify discards the notification.
func (Discard) Notify(targetUserID, kind string, context map[string]string) {}

// FeedSink publishes notification events over the realtime feed, scoped to
// the target user so only their clients receive them.
type FeedSink struct {
	feed realtime.Feed
}

// NewFeedSink creates a Sink backed by a realtime feed.
func NewFeedSink(feed realtime.Feed) *FeedSink {
	return &FeedSink{feed: feed}
}

// Notify publishes one notification event. Errors are logged, never
// returned.
func (s *FeedSink) Notify(targetUserID, kind string, context map[string]string) {
	payload, err := json.Marshal(struct {
		Kind    string            `json:"kind"`
		Context map[string]string `json:"context,omitempty"`
	}{Kind: kind, Context: context})
	if err != nil {
		logrus.WithError(err).Warn("drop notification with unencodable context")
		return
	}

	event := realtime.Event{
		Resource: realtime.ResourceNotifications,
		Action:   realtime.ActionInsert,
		Filter:   targetUserID,
		Payload:  payload,
	}
	if err := s.feed.Publish(event); err != nil {
		logrus.WithFields(logrus.Fields{
			"target_user_id": targetUserID,
			"kind":           kind,
		}).WithError(err).Warn("notification publish failed")
	}
}
