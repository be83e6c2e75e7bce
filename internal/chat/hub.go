package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"chat-relay/internal/metrics"
)

const busPublishTimeout = 5 * time.Second

type joinRequest struct {
	client *Client
	room   string
}

type outbound struct {
	room  string
	frame []byte
}

type notifyRequest struct {
	client *Client
	frame  []byte
}

// Hub owns the room-membership table and routes every publish. All state is
// touched by the single Run goroutine only, so no locking is needed:
// channels are the only way in. Membership is rebuilt from scratch on every
// reconnect and never persisted.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	joins      chan joinRequest
	publish    chan outbound
	broadcast  chan outbound // frames replayed from the bus
	notifies   chan notifyRequest

	rooms   map[string]map[*Client]bool
	members map[*Client]map[string]bool

	bus    Bus
	origin string
	log    *slog.Logger
}

// NewHub builds a hub. A nil bus means single-instance mode: publishes stay
// in-process.
func NewHub(bus Bus, log *slog.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		joins:      make(chan joinRequest),
		publish:    make(chan outbound),
		broadcast:  make(chan outbound),
		notifies:   make(chan notifyRequest),
		rooms:      make(map[string]map[*Client]bool),
		members:    make(map[*Client]map[string]bool),
		bus:        bus,
		origin:     uuid.NewString(),
		log:        log,
	}
}

func (h *Hub) Register(c *Client)   { h.register <- c }
func (h *Hub) Unregister(c *Client) { h.unregister <- c }

// Join adds the connection to a room. Joins processed by the run loop are
// visible to any publish issued afterwards on this instance.
func (h *Hub) Join(c *Client, room string) {
	h.joins <- joinRequest{client: c, room: room}
}

// Notify queues an event for one connection only. It goes through the run
// loop so it cannot race drop closing the client's send channel: the
// members table is checked and the send performed by the same goroutine
// that closes. Best effort, a full send buffer drops the frame.
func (h *Hub) Notify(c *Client, event string, data any) {
	frame, err := EncodeEvent(event, data)
	if err != nil {
		h.log.Error("failed to encode event", "event", event, "err", err)
		return
	}
	h.notifies <- notifyRequest{client: c, frame: frame}
}

// Publish emits an event to every current member of the room, on this
// instance synchronously and via the bus for the others.
func (h *Hub) Publish(room, event string, data any) {
	frame, err := EncodeEvent(event, data)
	if err != nil {
		h.log.Error("failed to encode event", "event", event, "err", err)
		return
	}
	h.publish <- outbound{room: room, frame: frame}
}

// Run is the hub engine. It is the only goroutine that touches rooms and
// members.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.members[c] = make(map[string]bool)
			metrics.ConnectionsActive.Inc()

		case c := <-h.unregister:
			h.drop(c)

		case j := <-h.joins:
			if _, ok := h.members[j.client]; !ok {
				continue // never registered, or already dropped
			}
			if h.rooms[j.room] == nil {
				h.rooms[j.room] = make(map[*Client]bool)
			}
			h.rooms[j.room][j.client] = true
			h.members[j.client][j.room] = true

		case out := <-h.publish:
			h.deliver(out)
			h.relay(ctx, out)
			metrics.PublishEvents.Inc()

		case out := <-h.broadcast:
			h.deliver(out)

		case n := <-h.notifies:
			if _, ok := h.members[n.client]; !ok {
				continue // already dropped, nowhere to deliver
			}
			select {
			case n.client.send <- n.frame:
			default:
				h.log.Warn("dropping notify frame, send buffer full")
			}
		}
	}
}

// SubscribeBus replays frames published by other instances into local
// rooms. Run this alongside Run whenever a bus is configured.
func (h *Hub) SubscribeBus(ctx context.Context) {
	for frame := range h.bus.Subscribe(ctx) {
		var env busEnvelope
		if err := json.Unmarshal(frame, &env); err != nil {
			h.log.Warn("dropping malformed bus frame", "err", err)
			continue
		}
		if env.Origin == h.origin {
			continue // already delivered locally at publish time
		}
		select {
		case <-ctx.Done():
			return
		case h.broadcast <- outbound{room: env.Room, frame: env.Frame}:
		}
	}
}

func (h *Hub) deliver(out outbound) {
	for c := range h.rooms[out.room] {
		select {
		case c.send <- out.frame:
		default:
			// Slow consumer: evict rather than block the hub.
			h.drop(c)
		}
	}
}

func (h *Hub) relay(ctx context.Context, out outbound) {
	if h.bus == nil {
		return
	}
	frame, err := json.Marshal(busEnvelope{Origin: h.origin, Room: out.room, Frame: out.frame})
	if err != nil {
		h.log.Error("failed to encode bus envelope", "err", err)
		return
	}
	busCtx, cancel := context.WithTimeout(ctx, busPublishTimeout)
	defer cancel()
	if err := h.bus.Publish(busCtx, frame); err != nil {
		h.log.Error("bus publish failed", "room", out.room, "err", err)
	}
}

// drop removes a client from every room and closes its send channel. Safe
// to call twice: the members table guards the close.
func (h *Hub) drop(c *Client) {
	rooms, ok := h.members[c]
	if !ok {
		return
	}
	for room := range rooms {
		delete(h.rooms[room], c)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(h.members, c)
	close(c.send)
	metrics.ConnectionsActive.Dec()
}
