package rest

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/sessionkv/internal/codec"
)

func (h *Handler) registerSessionRoutes(api huma.API) {
	h.registerMissingID(api)

	huma.Register(api, huma.Operation{
		OperationID:   "get-session",
		Method:        http.MethodGet,
		Path:          "/session/{id}",
		Summary:       "Get a session",
		Tags:          []string{"Sessions"},
		DefaultStatus: http.StatusOK,
	}, h.getSession)

	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/session/{id}",
		Summary:       "Create a session with empty history and run logs",
		Tags:          []string{"Sessions"},
		DefaultStatus: http.StatusOK,
		MaxBodyBytes:  h.maxBodyBytes,
	}, h.createSession)

	huma.Register(api, huma.Operation{
		OperationID:   "update-session",
		Method:        http.MethodPut,
		Path:          "/session/{id}",
		Summary:       "Merge fields into a session",
		Tags:          []string{"Sessions"},
		DefaultStatus: http.StatusOK,
		MaxBodyBytes:  h.maxBodyBytes,
	}, h.updateSession)

	huma.Register(api, huma.Operation{
		OperationID:   "delete-session",
		Method:        http.MethodDelete,
		Path:          "/session/{id}",
		Summary:       "Delete a session and its logs",
		Tags:          []string{"Sessions"},
		DefaultStatus: http.StatusOK,
	}, h.deleteSession)

	huma.Register(api, huma.Operation{
		OperationID:   "list-user-sessions",
		Method:        http.MethodGet,
		Path:          "/user_sessions/{id}",
		Summary:       "List the session ids owned by a user",
		Tags:          []string{"Sessions"},
		DefaultStatus: http.StatusOK,
	}, h.listUserSessions)
}

func (h *Handler) getSession(ctx context.Context, input *SessionIDInput) (*EnvelopeOutput, error) {
	sess, err := h.sessions.GetSession(ctx, input.ID)
	if err != nil {
		return nil, mapError(ctx, err)
	}

	data, err := codec.EncodeSession(sess)
	if err != nil {
		return nil, mapError(ctx, err)
	}
	return ok(data), nil
}

func (h *Handler) createSession(ctx context.Context, input *SessionBodyInput) (*EnvelopeOutput, error) {
	sess, err := codec.DecodeSession(input.RawBody)
	if err != nil {
		// A taken id is reported before a malformed body.
		if h.exists(ctx, input.ID) {
			return nil, huma.Error403Forbidden(msgAlreadyExists)
		}
		return nil, huma.Error400BadRequest(msgInvalidData)
	}

	if err := h.sessions.CreateSession(ctx, input.ID, sess); err != nil {
		return nil, mapError(ctx, err)
	}
	return ok(nil), nil
}

func (h *Handler) updateSession(ctx context.Context, input *SessionBodyInput) (*EnvelopeOutput, error) {
	patch, err := codec.DecodeSession(input.RawBody)
	if err != nil {
		return nil, huma.Error400BadRequest(msgInvalidData)
	}

	merged, err := h.sessions.UpdateSession(ctx, input.ID, patch)
	if err != nil {
		return nil, mapError(ctx, err)
	}

	data, err := codec.EncodeSession(merged)
	if err != nil {
		return nil, mapError(ctx, err)
	}
	return ok(data), nil
}

func (h *Handler) deleteSession(ctx context.Context, input *SessionIDInput) (*EnvelopeOutput, error) {
	if err := h.sessions.DeleteSession(ctx, input.ID); err != nil {
		return nil, mapError(ctx, err)
	}
	return ok(nil), nil
}

func (h *Handler) listUserSessions(ctx context.Context, input *UserIDInput) (*EnvelopeOutput, error) {
	ids, err := h.sessions.ListUserSessions(ctx, input.ID)
	if err != nil {
		return nil, mapError(ctx, err)
	}
	if ids == nil {
		ids = []string{}
	}

	data, err := json.Marshal(ids)
	if err != nil {
		return nil, mapError(ctx, err)
	}
	return ok(data), nil
}
