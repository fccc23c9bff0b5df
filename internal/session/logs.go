package session

import (
	"context"
	"fmt"

	"github.com/gosuda/sessionkv/internal/codec"
	"github.com/gosuda/sessionkv/internal/domain"
	"github.com/gosuda/sessionkv/internal/kv"
)

// AppendHistory appends entries to the session's history log, preserving
// their order. The commit is conditioned on the log's versionstamp, so
// concurrent appends never overwrite each other.
func (s *Store) AppendHistory(ctx context.Context, id string, entries []domain.HistoryEntry) error {
	return appendLog(ctx, s, "AppendHistory", id, historyKey(id), entries,
		codec.DecodeHistory, codec.EncodeHistory, domain.EventHistoryAppend)
}

// GetHistory returns the session's history log.
func (s *Store) GetHistory(ctx context.Context, id string) ([]domain.HistoryEntry, error) {
	return getLog(ctx, s, "GetHistory", id, historyKey(id), codec.DecodeHistory)
}

// AppendRun appends entries to the session's run log.
func (s *Store) AppendRun(ctx context.Context, id string, entries []domain.RunEntry) error {
	return appendLog(ctx, s, "AppendRun", id, runsKey(id), entries,
		codec.DecodeRuns, codec.EncodeRuns, domain.EventRunAppend)
}

// GetRuns returns the session's run log.
func (s *Store) GetRuns(ctx context.Context, id string) ([]domain.RunEntry, error) {
	return getLog(ctx, s, "GetRuns", id, runsKey(id), codec.DecodeRuns)
}

func appendLog[E any](
	ctx context.Context,
	s *Store,
	op, id string,
	key kv.Key,
	entries []E,
	decode func([]byte) ([]E, error),
	encode func([]E) ([]byte, error),
	evType domain.EventType,
) error {
	if entries == nil {
		return fmt.Errorf("session.%s: %w", op, invalidf("entries not provided"))
	}

	var userID string
	err := s.transact(ctx, op, func(ctx context.Context) (*kv.Atomic, error) {
		read, err := s.read(ctx, sessionKey(id), key)
		if err != nil {
			return nil, err
		}
		sessEntry, logEntry := read[0], read[1]
		// A session without its log is treated as absent.
		if !sessEntry.Exists() || !logEntry.Exists() {
			return nil, notFound(id)
		}

		sess, err := codec.DecodeSession(sessEntry.Value)
		if err != nil {
			return nil, err
		}
		userID = sess.UserID

		if len(entries) == 0 {
			return nil, nil
		}

		current, err := decode(logEntry.Value)
		if err != nil {
			return nil, err
		}
		next := make([]E, 0, len(current)+len(entries))
		next = append(next, current...)
		next = append(next, entries...)

		value, err := encode(next)
		if err != nil {
			return nil, invalidf("%v", err)
		}
		return kv.NewAtomic().Check(logEntry).Set(key, value), nil
	})
	if err != nil {
		return err
	}

	if len(entries) > 0 {
		s.emit(ctx, domain.Event{Type: evType, SessionID: id, UserID: userID, Count: len(entries)})
	}
	return nil
}

func getLog[E any](
	ctx context.Context,
	s *Store,
	op, id string,
	key kv.Key,
	decode func([]byte) ([]E, error),
) ([]E, error) {
	read, err := s.read(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("session.%s: %w", op, err)
	}
	if !read[0].Exists() {
		return nil, fmt.Errorf("session.%s: %w", op, notFound(id))
	}

	entries, err := decode(read[0].Value)
	if err != nil {
		return nil, fmt.Errorf("session.%s: %w", op, err)
	}
	return entries, nil
}
