package session

import (
	"context"
	"fmt"
	"slices"

	"github.com/gosuda/sessionkv/internal/codec"
	"github.com/gosuda/sessionkv/internal/domain"
	"github.com/gosuda/sessionkv/internal/kv"
)

// CreateSession stores sess under id together with an empty history log, an
// empty run log and, when sess has an owner, the id's entry in the owner's
// index. All four writes land in one commit that requires the session key
// to be absent.
func (s *Store) CreateSession(ctx context.Context, id string, sess *domain.Session) error {
	const op = "CreateSession"

	if id == "" {
		return fmt.Errorf("session.%s: %w", op, invalidf("session id not provided"))
	}
	if sess == nil {
		return fmt.Errorf("session.%s: %w", op, invalidf("session data not provided"))
	}
	if sess.ID != "" && sess.ID != id {
		return fmt.Errorf("session.%s: %w", op, invalidf("body id %q does not match %q", sess.ID, id))
	}

	record := *sess
	record.ID = id

	value, err := codec.EncodeSession(&record)
	if err != nil {
		return fmt.Errorf("session.%s: %w", op, invalidf("%v", err))
	}
	emptyHistory, err := codec.EncodeHistory(nil)
	if err != nil {
		return fmt.Errorf("session.%s: %w", op, err)
	}
	emptyRuns, err := codec.EncodeRuns(nil)
	if err != nil {
		return fmt.Errorf("session.%s: %w", op, err)
	}

	keys := []kv.Key{sessionKey(id), historyKey(id), runsKey(id)}
	if record.UserID != "" {
		keys = append(keys, indexKey(record.UserID))
	}

	err = s.transact(ctx, op, func(ctx context.Context) (*kv.Atomic, error) {
		entries, err := s.read(ctx, keys...)
		if err != nil {
			return nil, err
		}
		if entries[0].Exists() {
			return nil, fmt.Errorf("%w: session %q", domain.ErrAlreadyExists, id)
		}

		a := kv.NewAtomic().
			Check(entries...).
			Set(sessionKey(id), value).
			Set(historyKey(id), emptyHistory).
			Set(runsKey(id), emptyRuns)

		if record.UserID != "" {
			ids, err := decodeIndex(entries[3])
			if err != nil {
				return nil, err
			}
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
			b, err := codec.EncodeIndex(ids)
			if err != nil {
				return nil, err
			}
			a.Set(indexKey(record.UserID), b)
		}
		return a, nil
	})
	if err != nil {
		return err
	}

	s.emit(ctx, domain.Event{Type: domain.EventSessionCreated, SessionID: id, UserID: record.UserID})
	return nil
}

// GetSession returns the stored session.
func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	entries, err := s.read(ctx, sessionKey(id))
	if err != nil {
		return nil, fmt.Errorf("session.GetSession: %w", err)
	}
	if !entries[0].Exists() {
		return nil, fmt.Errorf("session.GetSession: %w", notFound(id))
	}

	sess, err := codec.DecodeSession(entries[0].Value)
	if err != nil {
		return nil, fmt.Errorf("session.GetSession: %w", err)
	}
	return sess, nil
}

// UpdateSession merges patch onto the stored session and returns the
// result. The id and owner of the stored session always survive the merge.
func (s *Store) UpdateSession(ctx context.Context, id string, patch *domain.Session) (*domain.Session, error) {
	const op = "UpdateSession"

	if patch == nil {
		return nil, fmt.Errorf("session.%s: %w", op, invalidf("session data not provided"))
	}

	var merged *domain.Session
	err := s.transact(ctx, op, func(ctx context.Context) (*kv.Atomic, error) {
		entries, err := s.read(ctx, sessionKey(id))
		if err != nil {
			return nil, err
		}
		if !entries[0].Exists() {
			return nil, notFound(id)
		}

		current, err := codec.DecodeSession(entries[0].Value)
		if err != nil {
			return nil, err
		}
		storedID, storedUserID := current.ID, current.UserID
		current.Merge(patch)
		current.ID, current.UserID = storedID, storedUserID

		value, err := codec.EncodeSession(current)
		if err != nil {
			return nil, invalidf("%v", err)
		}
		merged = current
		return kv.NewAtomic().Check(entries[0]).Set(sessionKey(id), value), nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, domain.Event{Type: domain.EventSessionUpdated, SessionID: id, UserID: merged.UserID})
	return merged, nil
}

// DeleteSession removes the session, both logs and the id's entry in the
// owner's index in one commit. A missing index entry is tolerated.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	const op = "DeleteSession"

	var userID string
	err := s.transact(ctx, op, func(ctx context.Context) (*kv.Atomic, error) {
		entries, err := s.read(ctx, sessionKey(id))
		if err != nil {
			return nil, err
		}
		if !entries[0].Exists() {
			return nil, notFound(id)
		}

		current, err := codec.DecodeSession(entries[0].Value)
		if err != nil {
			return nil, err
		}
		userID = current.UserID

		a := kv.NewAtomic().
			Check(entries[0]).
			Delete(sessionKey(id)).
			Delete(historyKey(id)).
			Delete(runsKey(id))

		if userID == "" {
			return a, nil
		}

		index, err := s.read(ctx, indexKey(userID))
		if err != nil {
			return nil, err
		}
		a.Check(index[0])
		if !index[0].Exists() {
			return a, nil
		}

		ids, err := decodeIndex(index[0])
		if err != nil {
			return nil, err
		}
		b, err := codec.EncodeIndex(slices.DeleteFunc(ids, func(v string) bool { return v == id }))
		if err != nil {
			return nil, err
		}
		return a.Set(indexKey(userID), b), nil
	})
	if err != nil {
		return err
	}

	s.emit(ctx, domain.Event{Type: domain.EventSessionDeleted, SessionID: id, UserID: userID})
	return nil
}

// ListUserSessions returns the ids of every session owned by userID. An
// unknown user has no sessions; the result is never nil.
func (s *Store) ListUserSessions(ctx context.Context, userID string) ([]string, error) {
	entries, err := s.read(ctx, indexKey(userID))
	if err != nil {
		return nil, fmt.Errorf("session.ListUserSessions: %w", err)
	}

	ids, err := decodeIndex(entries[0])
	if err != nil {
		return nil, fmt.Errorf("session.ListUserSessions: %w", err)
	}
	return ids, nil
}

func decodeIndex(e kv.Entry) ([]string, error) {
	if !e.Exists() {
		return []string{}, nil
	}
	return codec.DecodeIndex(e.Value)
}
