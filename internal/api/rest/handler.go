// Package rest exposes the session store over HTTP with a fixed
// {success, data, error} response envelope.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

// SessionIDInput addresses one session.
type SessionIDInput struct {
	ID string `path:"id" doc:"Session id"`
}

// SessionBodyInput addresses one session and carries an unparsed JSON
// body. Bodies are shape-checked by the codec package, not by huma.
type SessionBodyInput struct {
	ID      string `path:"id" doc:"Session id"`
	RawBody []byte
}

// UserIDInput addresses one user's session index.
type UserIDInput struct {
	ID string `path:"id" doc:"User id"`
}

// NewConfig returns the huma configuration for the session API.
func NewConfig() huma.Config {
	cfg := huma.DefaultConfig("sessionkv", "1.0.0")
	// Responses are the bare envelope, without $schema links.
	cfg.CreateHooks = nil
	return cfg
}

// Handler serves the session, history, run and user index routes.
type Handler struct {
	sessions     SessionService
	maxBodyBytes int64
}

// NewHandler creates a Handler. Request bodies larger than maxBodyBytes are
// rejected; zero or less disables the limit.
func NewHandler(sessions SessionService, maxBodyBytes int64) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = -1
	}
	return &Handler{sessions: sessions, maxBodyBytes: maxBodyBytes}
}

// Register adds all operations to api.
func (h *Handler) Register(api huma.API) {
	h.registerSessionRoutes(api)
	h.registerLogRoutes(api)
}

func (h *Handler) registerMissingID(api huma.API) {
	for _, path := range []string{"/session", "/session/"} {
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete} {
			suffix := ""
			if strings.HasSuffix(path, "/") {
				suffix = "-slash"
			}
			huma.Register(api, huma.Operation{
				OperationID: fmt.Sprintf("%s-session-no-id%s", strings.ToLower(method), suffix),
				Method:      method,
				Path:        path,
				Summary:     "Reject a session request without an id",
				Tags:        []string{"Sessions"},
				Hidden:      true,
			}, func(_ context.Context, _ *struct{}) (*EnvelopeOutput, error) {
				return nil, huma.Error400BadRequest(msgMissingID)
			})
		}
	}
}

// exists reports whether the session id is currently stored.
func (h *Handler) exists(ctx context.Context, id string) bool {
	_, err := h.sessions.GetSession(ctx, id)
	return err == nil
}

// appendBody is the payload of POST /history/{id} and POST /run/{id}.
// Both routes carry their entries under "history".
type appendBody struct {
	History json.RawMessage `json:"history"`
}

// entriesOf returns the raw "history" array of an append request.
func entriesOf(body []byte) (json.RawMessage, error) {
	var payload appendBody
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, huma.Error400BadRequest(msgInvalidBody)
	}
	if len(payload.History) == 0 || string(payload.History) == "null" {
		return nil, huma.Error400BadRequest(msgInvalidBody)
	}
	return payload.History, nil
}
