// Package ws streams committed session changes to WebSocket clients.
package ws

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/gosuda/sessionkv/internal/events"
)

// Hub serves change feeds from an events.Subscriber.
type Hub struct {
	subscriber     events.Subscriber
	originPatterns []string
}

// NewHub creates a new WebSocket hub. originPatterns is passed to
// websocket.Accept; "*" accepts any origin.
func NewHub(subscriber events.Subscriber, originPatterns []string) *Hub {
	return &Hub{subscriber: subscriber, originPatterns: originPatterns}
}

// Register mounts the feed routes on r.
func (h *Hub) Register(r chi.Router) {
	r.Get("/session/{id}", h.ServeSession)
	r.Get("/user/{id}", h.ServeUser)
}

// ServeSession streams events for one session.
// Subscribes to channel "session:<id>".
func (h *Hub) ServeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	h.serve(w, r, events.SessionChannel(id))
}

// ServeUser streams events for every session owned by a user.
// Subscribes to channel "user:<id>".
func (h *Hub) ServeUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "missing user id", http.StatusBadRequest)
		return
	}
	h.serve(w, r, events.UserChannel(id))
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, channel string) {
	logger := hlog.FromRequest(r)

	// Feeds are long-lived; drop the server's write deadline before hijacking.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		logger.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	// The feed is one-way; CloseRead handles control frames and cancels ctx
	// when the client goes away.
	ctx := conn.CloseRead(r.Context())

	messages, cleanup, err := h.subscriber.Subscribe(ctx, channel)
	if err != nil {
		logger.Error().Err(err).Str("channel", channel).Msg("websocket subscribe")
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case msg, msgOK := <-messages:
			if !msgOK {
				_ = conn.Close(websocket.StatusNormalClosure, "channel closed")
				return
			}
			if writeErr := conn.Write(ctx, websocket.MessageText, msg); writeErr != nil {
				logger.Debug().Err(writeErr).Msg("websocket write")
				return
			}
		}
	}
}
