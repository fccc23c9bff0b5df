package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gosuda/sessionkv/internal/domain"
	"github.com/gosuda/sessionkv/internal/events"
	"github.com/gosuda/sessionkv/internal/kv"
	"github.com/gosuda/sessionkv/internal/kv/memory"
	"github.com/gosuda/sessionkv/internal/session"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func strPtr(s string) *string { return &s }

func testOptions() session.Options {
	return session.Options{
		MaxTries:        64,
		MaxElapsed:      10 * time.Second,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}
}

func newStore(t *testing.T) (*session.Store, *memory.Backend) {
	t.Helper()

	backend := memory.New()
	t.Cleanup(func() { _ = backend.Close() })
	return session.New(backend, nil, testOptions()), backend
}

func mustCreate(t *testing.T, store *session.Store, id, userID string) {
	t.Helper()

	err := store.CreateSession(context.Background(), id, &domain.Session{
		ID:       id,
		UserID:   userID,
		UserName: strPtr("A"),
	})
	require.NoError(t, err)
}

// conflictingBackend fails the first n commits with kv.ErrCheckFailed.
type conflictingBackend struct {
	kv.Backend
	remaining atomic.Int64
	commits   atomic.Int64
}

func (b *conflictingBackend) Commit(ctx context.Context, a *kv.Atomic) (kv.Versionstamp, error) {
	b.commits.Add(1)
	if b.remaining.Add(-1) >= 0 {
		return "", kv.ErrCheckFailed
	}
	return b.Backend.Commit(ctx, a)
}

// brokenBackend fails every operation.
type brokenBackend struct {
	kv.Backend
	err error
}

func (b *brokenBackend) GetMany(context.Context, ...kv.Key) ([]kv.Entry, error) {
	return nil, b.err
}

func (b *brokenBackend) Commit(context.Context, *kv.Atomic) (kv.Versionstamp, error) {
	return "", b.err
}

type recordingPublisher struct {
	mu       sync.Mutex
	channels []string
	events   []domain.Event
}

func (r *recordingPublisher) Publish(_ context.Context, channel string, payload []byte) error {
	var ev domain.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, channel)
	r.events = append(r.events, ev)
	return nil
}

// ---------------------------------------------------------------------------
// Create / Get
// ---------------------------------------------------------------------------

func TestCreateGetRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)

	input := &domain.Session{
		ID:           "s1",
		UserID:       "u1",
		UserName:     strPtr("A"),
		SavedPrompts: map[string]string{},
		Extra:        map[string]json.RawMessage{"agent": json.RawMessage(`{"name":"bot"}`)},
	}
	require.NoError(t, store.CreateSession(ctx, "s1", input))

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, input, got)

	history, err := store.GetHistory(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, history)

	runs, err := store.GetRuns(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestCreateFillsMissingBodyID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)

	require.NoError(t, store.CreateSession(ctx, "s1", &domain.Session{UserName: strPtr("A")}))

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
}

func TestCreateInvalidInput(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	tests := []struct {
		name string
		id   string
		sess *domain.Session
	}{
		{name: "empty id", id: "", sess: &domain.Session{}},
		{name: "nil session", id: "s1", sess: nil},
		{name: "mismatched body id", id: "s1", sess: &domain.Session{ID: "s2"}},
		{name: "malformed extra field", id: "s1", sess: &domain.Session{
			Extra: map[string]json.RawMessage{"bad": json.RawMessage(`{`)},
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store, backend := newStore(t)
			err := store.CreateSession(ctx, tc.id, tc.sess)
			require.ErrorIs(t, err, domain.ErrInvalidInput)
			assert.Equal(t, 0, backend.Len())
		})
	}
}

func TestDuplicateCreateRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, backend := newStore(t)
	mustCreate(t, store, "s1", "u1")
	require.NoError(t, store.AppendHistory(ctx, "s1", []domain.HistoryEntry{{Role: "user", Content: "Hello"}}))

	keysBefore := backend.Len()
	err := store.CreateSession(ctx, "s1", &domain.Session{ID: "s1", UserID: "u2", UserName: strPtr("B")})
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	assert.Equal(t, keysBefore, backend.Len())

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "A", *got.UserName)

	history, err := store.GetHistory(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	ids, err := store.ListUserSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)

	ids, err = store.ListUserSessions(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCreateWithoutUserIsNotIndexed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, backend := newStore(t)
	require.NoError(t, store.CreateSession(ctx, "s1", &domain.Session{ID: "s1"}))

	// session, history, runs and nothing else
	assert.Equal(t, 3, backend.Len())
}

func TestGetSessionNotFound(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	_, err := store.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// ---------------------------------------------------------------------------
// Index
// ---------------------------------------------------------------------------

func TestIndexMembership(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)
	mustCreate(t, store, "s1", "u1")
	mustCreate(t, store, "s2", "u1")
	mustCreate(t, store, "s3", "u2")

	ids, err := store.ListUserSessions(ctx, "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, ids)

	ids, err = store.ListUserSessions(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, []string{"s3"}, ids)
}

func TestUnknownUserIsEmpty(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ids, err := store.ListUserSessions(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.NotNil(t, ids)
	assert.Empty(t, ids)
}

// ---------------------------------------------------------------------------
// Delete
// ---------------------------------------------------------------------------

func TestDeleteRemovesEverything(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)
	mustCreate(t, store, "s1", "u1")
	mustCreate(t, store, "s2", "u1")

	require.NoError(t, store.DeleteSession(ctx, "s1"))

	ids, err := store.ListUserSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, ids)

	_, err = store.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = store.GetHistory(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = store.GetRuns(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteLastSessionLeavesEmptyIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, backend := newStore(t)
	mustCreate(t, store, "s1", "u1")

	require.NoError(t, store.DeleteSession(ctx, "s1"))

	ids, err := store.ListUserSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, 1, backend.Len(), "only the empty user index remains")
}

func TestDeleteNotFound(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	err := store.DeleteSession(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteToleratesMissingIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, backend := newStore(t)
	mustCreate(t, store, "s1", "u1")

	index, err := backend.Get(ctx, kv.Key{"user_sessions", "u1"})
	require.NoError(t, err)
	_, err = backend.Commit(ctx, kv.NewAtomic().Check(index).Delete(index.Key))
	require.NoError(t, err)

	require.NoError(t, store.DeleteSession(ctx, "s1"))
	assert.Equal(t, 0, backend.Len())
}

func TestRecreateAfterDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)
	mustCreate(t, store, "s1", "u1")
	require.NoError(t, store.AppendHistory(ctx, "s1", []domain.HistoryEntry{{Role: "user", Content: "old"}}))
	require.NoError(t, store.DeleteSession(ctx, "s1"))

	mustCreate(t, store, "s1", "u1")

	history, err := store.GetHistory(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, history)

	ids, err := store.ListUserSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)
}

// ---------------------------------------------------------------------------
// Update
// ---------------------------------------------------------------------------

func TestUpdatePreservesIdentity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)
	mustCreate(t, store, "s1", "u1")

	merged, err := store.UpdateSession(ctx, "s1", &domain.Session{ID: "evil", UserID: "u2", UserName: strPtr("B")})
	require.NoError(t, err)
	assert.Equal(t, "s1", merged.ID)

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "B", *got.UserName)

	ids, err := store.ListUserSessions(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestUpdateKeepsAbsentFields(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)
	require.NoError(t, store.CreateSession(ctx, "s1", &domain.Session{
		ID:           "s1",
		UserName:     strPtr("A"),
		SavedPrompts: map[string]string{"p": "prompt"},
		Extra:        map[string]json.RawMessage{"x": json.RawMessage(`1`)},
	}))

	_, err := store.UpdateSession(ctx, "s1", &domain.Session{
		Extra: map[string]json.RawMessage{"y": json.RawMessage(`2`)},
	})
	require.NoError(t, err)

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "A", *got.UserName)
	assert.Equal(t, map[string]string{"p": "prompt"}, got.SavedPrompts)
	assert.JSONEq(t, `1`, string(got.Extra["x"]))
	assert.JSONEq(t, `2`, string(got.Extra["y"]))
}

func TestUpdateNotFound(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	_, err := store.UpdateSession(context.Background(), "missing", &domain.Session{UserName: strPtr("B")})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = store.UpdateSession(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

// ---------------------------------------------------------------------------
// Logs
// ---------------------------------------------------------------------------

func TestAppendHistoryOrdered(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)
	mustCreate(t, store, "s1", "u1")

	e1 := domain.HistoryEntry{Role: "user", Content: "Hello"}
	e2 := domain.HistoryEntry{Role: "assistant", Content: "Hi"}
	require.NoError(t, store.AppendHistory(ctx, "s1", []domain.HistoryEntry{e1}))
	require.NoError(t, store.AppendHistory(ctx, "s1", []domain.HistoryEntry{e2}))

	history, err := store.GetHistory(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []domain.HistoryEntry{e1, e2}, history)
}

func TestAppendRunOrdered(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)
	mustCreate(t, store, "s1", "")

	r1 := domain.RunEntry{Role: "user", Request: json.RawMessage(`{"message":"one"}`)}
	r2 := domain.RunEntry{Role: "user", Request: json.RawMessage(`{"message":"two"}`)}
	require.NoError(t, store.AppendRun(ctx, "s1", []domain.RunEntry{r1, r2}))

	runs, err := store.GetRuns(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.JSONEq(t, `{"message":"one"}`, string(runs[0].Request))
	assert.JSONEq(t, `{"message":"two"}`, string(runs[1].Request))
}

func TestAppendErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)
	mustCreate(t, store, "s1", "u1")

	err := store.AppendHistory(ctx, "missing", []domain.HistoryEntry{{Role: "user", Content: "x"}})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = store.AppendRun(ctx, "missing", []domain.RunEntry{{Role: "user", Request: json.RawMessage(`{}`)}})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = store.AppendHistory(ctx, "s1", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	err = store.AppendRun(ctx, "s1", []domain.RunEntry{{Role: "user", Request: json.RawMessage(`"not an object"`)}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	runs, err := store.GetRuns(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestAppendEmptyIsNoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)
	mustCreate(t, store, "s1", "u1")

	require.NoError(t, store.AppendHistory(ctx, "s1", []domain.HistoryEntry{}))
	err := store.AppendHistory(ctx, "missing", []domain.HistoryEntry{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAppendWithoutLogIsNotFound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, backend := newStore(t)
	mustCreate(t, store, "s1", "u1")

	hist, err := backend.Get(ctx, kv.Key{"history", "s1"})
	require.NoError(t, err)
	_, err = backend.Commit(ctx, kv.NewAtomic().Check(hist).Delete(hist.Key))
	require.NoError(t, err)

	err = store.AppendHistory(ctx, "s1", []domain.HistoryEntry{{Role: "user", Content: "x"}})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestConcurrentAppendDoesNotLoseWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)
	mustCreate(t, store, "s1", "u1")

	const n = 32
	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			return store.AppendHistory(ctx, "s1", []domain.HistoryEntry{
				{Role: "user", Content: fmt.Sprintf("message-%d", i)},
			})
		})
	}
	require.NoError(t, g.Wait())

	history, err := store.GetHistory(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, n)

	seen := make(map[string]bool, n)
	for _, e := range history {
		assert.False(t, seen[e.Content], "duplicate entry %q", e.Content)
		seen[e.Content] = true
	}
	for i := range n {
		assert.True(t, seen[fmt.Sprintf("message-%d", i)])
	}
}

func TestConcurrentCreateSameIDOnlyOneWins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)

	const n = 16
	var (
		g       errgroup.Group
		created atomic.Int64
		exists  atomic.Int64
	)
	for i := range n {
		g.Go(func() error {
			err := store.CreateSession(ctx, "s1", &domain.Session{UserID: fmt.Sprintf("u%d", i)})
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, domain.ErrAlreadyExists):
				exists.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(1), created.Load())
	assert.Equal(t, int64(n-1), exists.Load())

	winner, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)

	// Only the winning owner's index references the session.
	for i := range n {
		userID := fmt.Sprintf("u%d", i)
		ids, err := store.ListUserSessions(ctx, userID)
		require.NoError(t, err)
		if userID == winner.UserID {
			assert.Equal(t, []string{"s1"}, ids)
		} else {
			assert.Empty(t, ids, "user %s", userID)
		}
	}
}

func TestConcurrentCreateSameUserIndexesAll(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t)

	const n = 24
	want := make([]string, n)
	var g errgroup.Group
	for i := range n {
		want[i] = fmt.Sprintf("s%d", i)
		g.Go(func() error {
			return store.CreateSession(ctx, want[i], &domain.Session{UserID: "u1"})
		})
	}
	require.NoError(t, g.Wait())

	ids, err := store.ListUserSessions(ctx, "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, want, ids)
}

func TestConcurrentDeleteAndAppendNeverTears(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, backend := newStore(t)
	mustCreate(t, store, "s1", "u1")

	var g errgroup.Group
	for i := range 16 {
		g.Go(func() error {
			err := store.AppendHistory(ctx, "s1", []domain.HistoryEntry{{Role: "user", Content: fmt.Sprint(i)}})
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		return store.DeleteSession(ctx, "s1")
	})
	require.NoError(t, g.Wait())

	_, err := store.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = store.GetHistory(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 1, backend.Len(), "only the empty user index remains")
}

// ---------------------------------------------------------------------------
// Retry and failure handling
// ---------------------------------------------------------------------------

func TestCommitConflictIsRetried(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := &conflictingBackend{Backend: memory.New()}
	backend.remaining.Store(3)
	store := session.New(backend, nil, testOptions())

	require.NoError(t, store.CreateSession(ctx, "s1", &domain.Session{UserID: "u1"}))
	assert.Equal(t, int64(4), backend.commits.Load())

	_, err := store.GetSession(ctx, "s1")
	assert.NoError(t, err)
}

func TestCommitConflictExhaustsRetries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := &conflictingBackend{Backend: memory.New()}
	backend.remaining.Store(1 << 20)
	opts := testOptions()
	opts.MaxTries = 3
	store := session.New(backend, nil, opts)

	err := store.CreateSession(ctx, "s1", &domain.Session{})
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, int64(3), backend.commits.Load())

	_, err = store.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDomainErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := &conflictingBackend{Backend: memory.New()}
	store := session.New(backend, nil, testOptions())

	err := store.DeleteSession(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, int64(0), backend.commits.Load())
}

func TestBackendFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cause := errors.New("connection refused")
	store := session.New(&brokenBackend{Backend: memory.New(), err: cause}, nil, testOptions())

	err := store.CreateSession(ctx, "s1", &domain.Session{})
	require.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.ErrorIs(t, err, cause)

	_, err = store.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)

	_, err = store.ListUserSessions(ctx, "u1")
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
}

func TestCanceledContext(t *testing.T) {
	t.Parallel()

	backend := &conflictingBackend{Backend: memory.New()}
	backend.remaining.Store(1 << 20)
	opts := testOptions()
	opts.InitialInterval = 50 * time.Millisecond
	opts.MaxInterval = 50 * time.Millisecond
	store := session.New(backend, nil, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := store.CreateSession(ctx, "s1", &domain.Session{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrAlreadyExists)
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func TestEventsPublishedAfterCommit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pub := &recordingPublisher{}
	store := session.New(memory.New(), pub, testOptions())

	require.NoError(t, store.CreateSession(ctx, "s1", &domain.Session{UserID: "u1"}))
	require.NoError(t, store.AppendHistory(ctx, "s1", []domain.HistoryEntry{{Role: "user", Content: "x"}, {Role: "user", Content: "y"}}))
	_, err := store.UpdateSession(ctx, "s1", &domain.Session{UserName: strPtr("B")})
	require.NoError(t, err)
	require.NoError(t, store.DeleteSession(ctx, "s1"))

	// Failed operations publish nothing.
	require.Error(t, store.DeleteSession(ctx, "s1"))

	pub.mu.Lock()
	defer pub.mu.Unlock()

	var types []domain.EventType
	for i, ev := range pub.events {
		if pub.channels[i] == events.SessionChannel("s1") {
			types = append(types, ev.Type)
		}
	}
	assert.Equal(t, []domain.EventType{
		domain.EventSessionCreated,
		domain.EventHistoryAppend,
		domain.EventSessionUpdated,
		domain.EventSessionDeleted,
	}, types)
	assert.Contains(t, pub.channels, events.UserChannel("u1"))
	assert.Equal(t, 2, pub.events[2].Count)
}
