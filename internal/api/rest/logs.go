package rest

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/sessionkv/internal/codec"
	"github.com/gosuda/sessionkv/internal/domain"
)

func (h *Handler) registerLogRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "get-history",
		Method:        http.MethodGet,
		Path:          "/history/{id}",
		Summary:       "Get a session's message history",
		Tags:          []string{"History"},
		DefaultStatus: http.StatusOK,
	}, h.getHistory)

	huma.Register(api, huma.Operation{
		OperationID:   "append-history",
		Method:        http.MethodPost,
		Path:          "/history/{id}",
		Summary:       "Append messages to a session's history",
		Tags:          []string{"History"},
		DefaultStatus: http.StatusOK,
		MaxBodyBytes:  h.maxBodyBytes,
	}, h.appendHistory)

	huma.Register(api, huma.Operation{
		OperationID:   "get-runs",
		Method:        http.MethodGet,
		Path:          "/run/{id}",
		Summary:       "Get a session's run log",
		Tags:          []string{"Runs"},
		DefaultStatus: http.StatusOK,
	}, h.getRuns)

	huma.Register(api, huma.Operation{
		OperationID:   "append-run",
		Method:        http.MethodPost,
		Path:          "/run/{id}",
		Summary:       "Append records to a session's run log",
		Tags:          []string{"Runs"},
		DefaultStatus: http.StatusOK,
		MaxBodyBytes:  h.maxBodyBytes,
	}, h.appendRun)
}

func (h *Handler) getHistory(ctx context.Context, input *SessionIDInput) (*EnvelopeOutput, error) {
	entries, err := h.sessions.GetHistory(ctx, input.ID)
	if err != nil {
		return nil, mapError(ctx, err)
	}

	data, err := codec.EncodeHistory(entries)
	if err != nil {
		return nil, mapError(ctx, err)
	}
	return ok(data), nil
}

func (h *Handler) appendHistory(ctx context.Context, input *SessionBodyInput) (*EnvelopeOutput, error) {
	entries, err := decodeHistoryBody(input.RawBody)
	if err != nil {
		// An unknown session is reported before a malformed body.
		if !h.exists(ctx, input.ID) {
			return nil, huma.Error404NotFound(msgNotFound)
		}
		return nil, err
	}

	if err := h.sessions.AppendHistory(ctx, input.ID, entries); err != nil {
		return nil, mapError(ctx, err)
	}
	return ok(nil), nil
}

func decodeHistoryBody(body []byte) ([]domain.HistoryEntry, error) {
	raw, err := entriesOf(body)
	if err != nil {
		return nil, err
	}
	entries, err := codec.DecodeHistoryEntries(raw)
	if err != nil {
		return nil, huma.Error400BadRequest(msgInvalidBody)
	}
	return entries, nil
}

func (h *Handler) getRuns(ctx context.Context, input *SessionIDInput) (*EnvelopeOutput, error) {
	entries, err := h.sessions.GetRuns(ctx, input.ID)
	if err != nil {
		return nil, mapError(ctx, err)
	}

	data, err := codec.EncodeRuns(entries)
	if err != nil {
		return nil, mapError(ctx, err)
	}
	return ok(data), nil
}

func (h *Handler) appendRun(ctx context.Context, input *SessionBodyInput) (*EnvelopeOutput, error) {
	raw, err := entriesOf(input.RawBody)
	if err != nil {
		return nil, err
	}
	entries, err := codec.DecodeRunEntries(raw)
	if err != nil {
		return nil, huma.Error400BadRequest(msgInvalidBody)
	}

	if err := h.sessions.AppendRun(ctx, input.ID, entries); err != nil {
		return nil, mapError(ctx, err)
	}
	return ok(nil), nil
}
