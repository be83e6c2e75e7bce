package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"chat-relay/internal/auth"
	"chat-relay/internal/metrics"
)

// Handler upgrades websocket connections, runs the gate exactly once per
// connection, and dispatches inbound events. No event can be observed for a
// connection that has not passed the gate: the pumps only start afterwards.
type Handler struct {
	hub      *Hub
	resolver *auth.Resolver
	pipeline *Pipeline
	upgrader websocket.Upgrader
	validate *validator.Validate
	log      *slog.Logger
}

func NewHandler(hub *Hub, resolver *auth.Resolver, pipeline *Pipeline, allowedOrigins []string, log *slog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		resolver: resolver,
		pipeline: pipeline,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		validate: validator.New(),
		log:      log,
	}
}

// originChecker allows everything when no allow-list is configured,
// otherwise requires an exact match on the Origin header. Non-browser
// clients send no Origin and are always allowed.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return set[origin]
	}
}

// ServeWs is the websocket endpoint. Credential resolution happens before
// any event handling; a strict-mode rejection still upgrades so the client
// receives a connect_error frame instead of a bare closed socket.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	resolution := h.resolver.Resolve(explicitToken(r), r.Header.Get("Cookie"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	if resolution.Outcome == auth.OutcomeRejected {
		metrics.AuthRejections.Inc()
		frame, _ := EncodeEvent(EventConnectError, ErrorData{Message: "authentication required"})
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.TextMessage, frame)
		conn.Close()
		return
	}

	client := &Client{
		hub:      h.hub,
		handler:  h,
		conn:     conn,
		send:     make(chan []byte, 256),
		identity: resolution.Identity,
		log:      h.log,
	}
	h.hub.Register(client)

	if client.identity != nil {
		h.log.Info("user connected", "user", client.identity.ID, "role", client.identity.Role)
	} else {
		h.log.Info("anonymous user connected")
	}

	go client.writePump()
	go client.readPump()
}

// explicitToken pulls the handshake's explicit token: Authorization bearer
// header, or the token query parameter browsers use for websockets. The
// cookie fallback lives in the resolver.
func explicitToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if parts := strings.SplitN(header, " ", 2); len(parts) == 2 {
			return parts[1]
		}
	}
	return r.URL.Query().Get("token")
}

func (h *Handler) handleEvent(c *Client, env Envelope) {
	switch env.Event {
	case EventJoinChat:
		var data JoinChatData
		if !h.decode(env, &data) {
			return
		}
		h.hub.Join(c, RoomForConversation(data.ConversationID))
		if c.identity != nil {
			h.log.Info("joined chat room", "user", c.identity.ID, "conversation", data.ConversationID)
		} else {
			h.log.Info("anonymous joined chat room", "conversation", data.ConversationID)
		}

	case EventJoinSupport:
		// Anonymous connections are silently refused, not errored.
		if c.identity == nil {
			h.log.Debug("ignoring joinSupport from anonymous connection")
			return
		}
		h.hub.Join(c, SupportRoom)
		h.log.Info("joined support channel", "user", c.identity.ID)

	case EventMessage:
		var data MessageData
		if !h.decode(env, &data) {
			return
		}
		h.pipeline.Handle(context.Background(), c, data)

	default:
		h.log.Debug("ignoring unknown event", "event", env.Event)
	}
}

func (h *Handler) decode(env Envelope, out any) bool {
	if err := json.Unmarshal(env.Data, out); err != nil {
		h.log.Warn("dropping event with malformed data", "event", env.Event, "err", err)
		return false
	}
	if err := h.validate.Struct(out); err != nil {
		h.log.Warn("dropping invalid event", "event", env.Event, "err", err)
		return false
	}
	return true
}
