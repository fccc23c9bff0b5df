// Package session keeps a session, its history log, its run log and its
// membership in the owner's user index consistent on top of a kv.Backend.
//
// Every mutation reads the keys it touches, builds the new values and
// commits them as one kv.Atomic checked against the read versionstamps. A
// failed check means another writer got there first; the whole
// read-build-commit cycle is then retried with backoff.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/sessionkv/internal/domain"
	"github.com/gosuda/sessionkv/internal/events"
	"github.com/gosuda/sessionkv/internal/kv"
)

// Options bounds the optimistic commit retry loop.
type Options struct {
	MaxTries        uint
	MaxElapsed      time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultOptions returns the retry bounds used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxTries:        8,
		MaxElapsed:      5 * time.Second,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
	}
}

// Store implements the session operations. It is safe for concurrent use;
// all coordination goes through the backend.
type Store struct {
	backend   kv.Backend
	publisher events.Publisher
	opts      Options
	now       func() time.Time
}

// New returns a Store over backend. A nil publisher discards events.
func New(backend kv.Backend, publisher events.Publisher, opts Options) *Store {
	if publisher == nil {
		publisher = events.Discard
	}
	if opts.MaxTries == 0 {
		opts.MaxTries = DefaultOptions().MaxTries
	}
	return &Store{
		backend:   backend,
		publisher: publisher,
		opts:      opts,
		now:       time.Now,
	}
}

func sessionKey(id string) kv.Key { return kv.Key{"sessions", id} }
func historyKey(id string) kv.Key { return kv.Key{"history", id} }
func runsKey(id string) kv.Key    { return kv.Key{"runs", id} }
func indexKey(uid string) kv.Key  { return kv.Key{"user_sessions", uid} }

// attemptFunc reads current state and returns the batch to commit. A nil
// batch means there is nothing to write. Any error ends the transaction.
type attemptFunc func(ctx context.Context) (*kv.Atomic, error)

// transact runs attempt and commits its batch, retrying the pair while the
// commit fails its checks.
func (s *Store) transact(ctx context.Context, op string, attempt attemptFunc) error {
	b := backoff.NewExponentialBackOff()
	if s.opts.InitialInterval > 0 {
		b.InitialInterval = s.opts.InitialInterval
	}
	if s.opts.MaxInterval > 0 {
		b.MaxInterval = s.opts.MaxInterval
	}

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.opts.MaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Debug().Err(err).Str("op", op).Dur("wait", wait).Msg("commit conflict, retrying")
		}),
	}
	if s.opts.MaxElapsed > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxElapsedTime(s.opts.MaxElapsed))
	}

	_, err := backoff.Retry(ctx, func() (kv.Versionstamp, error) {
		a, err := attempt(ctx)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		if a == nil {
			return "", nil
		}

		vs, err := s.backend.Commit(ctx, a)
		if errors.Is(err, kv.ErrCheckFailed) {
			return "", err
		}
		if err != nil {
			return "", backoff.Permanent(fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err))
		}
		return vs, nil
	}, retryOpts...)

	if errors.Is(err, kv.ErrCheckFailed) {
		return fmt.Errorf("session.%s: %w: gave up after concurrent writes", op, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("session.%s: %w", op, err)
	}
	return nil
}

func (s *Store) read(ctx context.Context, keys ...kv.Key) ([]kv.Entry, error) {
	entries, err := s.backend.GetMany(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err)
	}
	return entries, nil
}

func (s *Store) emit(ctx context.Context, ev domain.Event) {
	ev.At = s.now()
	if err := events.Emit(ctx, s.publisher, ev); err != nil {
		log.Warn().Err(err).Str("session_id", ev.SessionID).Str("event", string(ev.Type)).Msg("publish event")
	}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidInput, fmt.Sprintf(format, args...))
}

func notFound(id string) error {
	return fmt.Errorf("%w: session %q", domain.ErrNotFound, id)
}
