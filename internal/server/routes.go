package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/gosuda/sessionkv/internal/api/rest"
	"github.com/gosuda/sessionkv/internal/api/ws"
)

func registerSessionRoutes(api huma.API, handler *rest.Handler) {
	handler.Register(api)
}

func registerWSRoutes(r chi.Router, hub *ws.Hub) {
	hub.Register(r)
}
