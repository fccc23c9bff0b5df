package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const subscriberBuffer = 64

// Local is an in-process Broker. Slow subscribers whose buffer is full miss
// events rather than blocking publishers.
type Local struct {
	mu   sync.RWMutex
	subs map[string]map[uuid.UUID]chan []byte
}

var _ Broker = (*Local)(nil)

func NewLocal() *Local {
	return &Local{subs: make(map[string]map[uuid.UUID]chan []byte)}
}

func (l *Local) Publish(_ context.Context, channel string, payload []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for id, ch := range l.subs[channel] {
		msg := make([]byte, len(payload))
		copy(msg, payload)
		select {
		case ch <- msg:
		default:
			log.Debug().Str("channel", channel).Stringer("subscriber", id).Msg("subscriber buffer full, dropping event")
		}
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	id := uuid.New()
	ch := make(chan []byte, subscriberBuffer)

	l.mu.Lock()
	if l.subs[channel] == nil {
		l.subs[channel] = make(map[uuid.UUID]chan []byte)
	}
	l.subs[channel][id] = ch
	l.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cleanup := func() {
		once.Do(func() {
			close(done)
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs[channel], id)
			if len(l.subs[channel]) == 0 {
				delete(l.subs, channel)
			}
			close(ch)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()

	return ch, cleanup, nil
}

// Subscribers returns the number of live subscriptions on channel.
func (l *Local) Subscribers(channel string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs[channel])
}
