package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"chat-relay/internal/auth"
	"chat-relay/internal/metrics"
	"chat-relay/internal/payload"
)

// Pipeline is the message ingest path: resolve the effective sender,
// normalize attachments, persist, re-hydrate best effort, then fan out.
// Failures never escape Handle; depending on configuration they are either
// dropped silently (the default) or acknowledged to the sender only.
type Pipeline struct {
	store          *payload.Client
	hub            *Hub
	timeout        time.Duration
	notifyFailures bool
	log            *slog.Logger
}

func NewPipeline(store *payload.Client, hub *Hub, timeout time.Duration, notifyFailures bool, log *slog.Logger) *Pipeline {
	return &Pipeline{
		store:          store,
		hub:            hub,
		timeout:        timeout,
		notifyFailures: notifyFailures,
		log:            log,
	}
}

// Handle runs one message through the pipeline. It is called on the
// connection's read goroutine, so a single connection's messages are
// processed in receipt order; nothing serializes messages across
// connections, even for the same conversation.
func (p *Pipeline) Handle(ctx context.Context, c *Client, msg MessageData) {
	from, ok := p.resolveSender(ctx, c.Identity(), msg.ConversationID)
	if !ok {
		// Deliberate silent drop: the sender is never notified here.
		return
	}

	req := payload.CreateMessageRequest{
		Conversation: msg.ConversationID,
		From:         from.relation,
		Role:         string(from.role),
		Text:        msg.Text,
		Attachments: normalizeAttachments(msg),
		Meta:        msg.Meta,
		Status:      "sent",
	}

	createCtx, cancel := context.WithTimeout(ctx, p.timeout)
	created, err := p.store.CreateMessage(createCtx, req)
	cancel()
	if err != nil {
		metrics.PersistenceFailures.Inc()
		p.log.Error("failed to persist message",
			"conversation", msg.ConversationID,
			"sender", from.relation.Value,
			"err", err)
		if p.notifyFailures {
			c.Notify(EventMessageError, ErrorData{Message: "message could not be delivered"})
		}
		return
	}

	doc := p.hydrate(ctx, created)
	metrics.MessagesIngested.Inc()

	p.hub.Publish(RoomForConversation(msg.ConversationID), EventMessage, doc)
	p.hub.Publish(SupportRoom, EventConversationUpdated, p.summarize(ctx, msg.ConversationID, doc))
}

// sender is the resolved author of a message: the typed relation the
// backend stores plus the role slug.
type sender struct {
	relation payload.TypedRelation
	role     auth.Role
}

// resolveSender picks the effective sender. With an identity attached it is
// authoritative, and the token's own collection names the relation target
// when it carries one; otherwise the conversation's candidate is assumed,
// since only the candidate connects anonymously.
func (p *Pipeline) resolveSender(ctx context.Context, identity *auth.Identity, conversationID string) (sender, bool) {
	if identity != nil {
		if identity.ID == "" {
			p.log.Warn("identity without id, dropping message", "conversation", conversationID)
			return sender{}, false
		}
		collection := identity.Collection
		if collection == "" {
			collection = collectionFor(identity.Role)
		}
		return sender{
			relation: payload.TypedRelation{Value: identity.ID, RelationTo: collection},
			role:     identity.Role,
		}, true
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conv, err := p.store.GetConversation(fetchCtx, conversationID)
	if err != nil {
		p.log.Warn("failed to fetch conversation for sender inference",
			"conversation", conversationID,
			"err", err)
		return sender{}, false
	}
	if conv.Candidate.ID == "" {
		p.log.Warn("conversation has no candidate, dropping message",
			"conversation", conversationID)
		return sender{}, false
	}
	return sender{
		relation: payload.TypedRelation{Value: conv.Candidate.ID, RelationTo: collectionFor(auth.RoleCandidate)},
		role:     auth.RoleCandidate,
	}, true
}

// normalizeAttachments accepts attachment ids from the top-level field or
// nested under meta, and always yields a list (possibly empty) of file
// references the backend schema expects.
func normalizeAttachments(msg MessageData) []payload.Attachment {
	ids := msg.Attachments
	if len(ids) == 0 && len(msg.Meta) > 0 {
		var meta struct {
			Attachments []string `json:"attachments"`
		}
		if err := json.Unmarshal(msg.Meta, &meta); err == nil {
			ids = meta.Attachments
		}
	}
	return lo.Map(ids, func(id string, _ int) payload.Attachment {
		return payload.Attachment{File: id}
	})
}

// hydrate re-fetches the created message at depth 1 so attachment metadata
// is embedded. Broadcasting never blocks on this failing: the create
// response is the fallback.
func (p *Pipeline) hydrate(ctx context.Context, created *payload.Message) json.RawMessage {
	if created.ID == "" {
		return created.Raw
	}
	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	populated, err := p.store.GetMessage(fetchCtx, created.ID, 1)
	if err != nil {
		p.log.Warn("hydration fetch failed, broadcasting create response",
			"message", created.ID,
			"err", err)
		return created.Raw
	}
	return populated.Raw
}

// summarize builds the support-dashboard refresh payload. The unread
// counter is re-read after the create so the backend's post-create hook is
// reflected; when that read fails the event still goes out with the count
// left at zero.
func (p *Pipeline) summarize(ctx context.Context, conversationID string, doc json.RawMessage) ConversationUpdatedData {
	out := ConversationUpdatedData{ConversationID: conversationID, LastMessage: doc}

	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conv, err := p.store.GetConversation(fetchCtx, conversationID)
	if err != nil {
		p.log.Warn("conversation summary fetch failed",
			"conversation", conversationID,
			"err", err)
		return out
	}
	out.UnreadCount = conv.UnreadBySupport
	return out
}

func collectionFor(role auth.Role) string {
	if role == auth.RoleCandidate {
		return "candidates"
	}
	return "users"
}
