// Package events fans committed session changes out to subscribers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gosuda/sessionkv/internal/domain"
)

// Publisher sends a payload to every current subscriber of channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscriber streams payloads published to channel until ctx is done or the
// returned cleanup func is called.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// Broker is both ends of a channel-based event bus.
// *Local and *redis.PubSub satisfy this interface.
type Broker interface {
	Publisher
	Subscriber
}

// SessionChannel returns the channel name for events about one session.
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}

// UserChannel returns the channel name for events about any session owned
// by userID.
func UserChannel(userID string) string {
	return "user:" + userID
}

// Emit publishes ev on the session channel and, when the session has an
// owner, on the user channel.
func Emit(ctx context.Context, p Publisher, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events.Emit: %w", err)
	}

	errs := []error{p.Publish(ctx, SessionChannel(ev.SessionID), payload)}
	if ev.UserID != "" {
		errs = append(errs, p.Publish(ctx, UserChannel(ev.UserID), payload))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("events.Emit: %w", err)
	}
	return nil
}

// Discard is a Publisher that drops every payload.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, string, []byte) error { return nil }
