package rest

import (
	"context"

	"github.com/gosuda/sessionkv/internal/domain"
)

// SessionService abstracts the session operations for handler testing.
// *session.Store satisfies this interface.
type SessionService interface {
	CreateSession(ctx context.Context, id string, sess *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	UpdateSession(ctx context.Context, id string, patch *domain.Session) (*domain.Session, error)
	DeleteSession(ctx context.Context, id string) error
	ListUserSessions(ctx context.Context, userID string) ([]string, error)
	AppendHistory(ctx context.Context, id string, entries []domain.HistoryEntry) error
	GetHistory(ctx context.Context, id string) ([]domain.HistoryEntry, error)
	AppendRun(ctx context.Context, id string, entries []domain.RunEntry) error
	GetRuns(ctx context.Context, id string) ([]domain.RunEntry, error)
}
