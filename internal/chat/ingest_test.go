package chat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-relay/internal/auth"
	"chat-relay/internal/payload"
)

// fakeBackend stands in for the persistence API: one conversation, one
// message create, one hydration fetch, each independently breakable.
type fakeBackend struct {
	conversationJSON string // empty means 404
	createStatus     int
	createdDoc       string
	hydrateStatus    int
	hydratedDoc      string

	createBody   []byte
	createCalled bool
}

func (b *fakeBackend) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations/", func(w http.ResponseWriter, r *http.Request) {
		if b.conversationJSON == "" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		io.WriteString(w, b.conversationJSON)
	})
	mux.HandleFunc("/api/chat_messages", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		b.createCalled = true
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		b.createBody = body
		if b.createStatus != 0 {
			http.Error(w, "create refused", b.createStatus)
			return
		}
		io.WriteString(w, `{"doc": `+b.createdDoc+`}`)
	})
	mux.HandleFunc("/api/chat_messages/", func(w http.ResponseWriter, r *http.Request) {
		if b.hydrateStatus != 0 {
			http.Error(w, "hydrate refused", b.hydrateStatus)
			return
		}
		io.WriteString(w, `{"doc": `+b.hydratedDoc+`}`)
	})
	return mux
}

func newTestPipeline(t *testing.T, b *fakeBackend, notifyFailures bool) (*Pipeline, *Hub) {
	t.Helper()
	srv := httptest.NewServer(b.handler(t))
	t.Cleanup(srv.Close)
	store := payload.NewClient(srv.URL, 2*time.Second, slog.Default())
	hub := startHub(t, nil)
	return NewPipeline(store, hub, 2*time.Second, notifyFailures, slog.Default()), hub
}

func anonymousSender(h *Hub) *Client {
	c := &Client{hub: h, send: make(chan []byte, 16), log: slog.Default()}
	h.Register(c)
	return c
}

func identifiedSender(h *Hub, identity *auth.Identity) *Client {
	c := &Client{hub: h, send: make(chan []byte, 16), identity: identity, log: slog.Default()}
	h.Register(c)
	return c
}

func supportSender(h *Hub, id string) *Client {
	return identifiedSender(h, &auth.Identity{ID: id, Collection: "users", Role: auth.RoleSupport})
}

func TestPipelineAnonymousSenderInference(t *testing.T) {
	b := &fakeBackend{
		conversationJSON: `{"id": "c1", "candidate": "u1", "unreadBySupport": 4}`,
		createdDoc:       `{"id": "m1", "conversation": "c1", "role": "candidate", "text": "hi"}`,
		hydratedDoc:      `{"id": "m1", "conversation": "c1", "role": "candidate", "text": "hi", "attachments": []}`,
	}
	p, hub := newTestPipeline(t, b, false)
	member := newMember(t, hub, RoomForConversation("c1"))
	dashboard := newMember(t, hub, SupportRoom)

	p.Handle(context.Background(), anonymousSender(hub), MessageData{ConversationID: "c1", Text: "hi"})

	var created payload.CreateMessageRequest
	require.NoError(t, json.Unmarshal(b.createBody, &created))
	require.Equal(t, "u1", created.From.Value)
	require.Equal(t, "candidates", created.From.RelationTo)
	require.Equal(t, "candidate", created.Role)
	require.Equal(t, "sent", created.Status)

	env := recvFrame(t, member)
	require.Equal(t, EventMessage, env.Event)
	require.JSONEq(t, b.hydratedDoc, string(env.Data))

	update := recvFrame(t, dashboard)
	require.Equal(t, EventConversationUpdated, update.Event)
	var data ConversationUpdatedData
	require.NoError(t, json.Unmarshal(update.Data, &data))
	require.Equal(t, "c1", data.ConversationID)
	require.Equal(t, 4, data.UnreadCount)
	require.JSONEq(t, b.hydratedDoc, string(data.LastMessage))
}

func TestPipelineAuthenticatedSupportSender(t *testing.T) {
	b := &fakeBackend{
		conversationJSON: `{"id": "c1", "candidate": "u1"}`,
		createdDoc:       `{"id": "m2", "role": "support", "text": "hello"}`,
		hydratedDoc:      `{"id": "m2", "role": "support", "text": "hello"}`,
	}
	p, hub := newTestPipeline(t, b, false)
	member := newMember(t, hub, RoomForConversation("c1"))

	p.Handle(context.Background(), supportSender(hub, "s1"), MessageData{ConversationID: "c1", Text: "hello"})

	var created payload.CreateMessageRequest
	require.NoError(t, json.Unmarshal(b.createBody, &created))
	require.Equal(t, "s1", created.From.Value)
	require.Equal(t, "users", created.From.RelationTo)
	require.Equal(t, "support", created.Role)

	require.Equal(t, EventMessage, recvFrame(t, member).Event)
}

func TestPipelineAttachmentNormalization(t *testing.T) {
	cases := []struct {
		name string
		msg  MessageData
		want string
	}{
		{
			"top-level field",
			MessageData{ConversationID: "c1", Attachments: []string{"m1", "m2"}},
			`[{"file": "m1"}, {"file": "m2"}]`,
		},
		{
			"nested in meta",
			MessageData{ConversationID: "c1", Meta: json.RawMessage(`{"attachments": ["m1", "m2"]}`)},
			`[{"file": "m1"}, {"file": "m2"}]`,
		},
		{
			"neither field",
			MessageData{ConversationID: "c1", Text: "plain"},
			`[]`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := &fakeBackend{
				conversationJSON: `{"id": "c1", "candidate": "u1"}`,
				createdDoc:       `{"id": "m1"}`,
				hydratedDoc:      `{"id": "m1"}`,
			}
			p, hub := newTestPipeline(t, b, false)
			p.Handle(context.Background(), anonymousSender(hub), tc.msg)

			var created struct {
				Attachments json.RawMessage `json:"attachments"`
			}
			require.NoError(t, json.Unmarshal(b.createBody, &created))
			require.JSONEq(t, tc.want, string(created.Attachments))
		})
	}
}

func TestPipelinePersistenceFailureContainment(t *testing.T) {
	b := &fakeBackend{
		conversationJSON: `{"id": "c1", "candidate": "u1"}`,
		createStatus:     http.StatusInternalServerError,
	}
	p, hub := newTestPipeline(t, b, false)
	member := newMember(t, hub, RoomForConversation("c1"))
	dashboard := newMember(t, hub, SupportRoom)
	sender := anonymousSender(hub)

	p.Handle(context.Background(), sender, MessageData{ConversationID: "c1", Text: "hi"})

	requireNoFrame(t, member)
	requireNoFrame(t, dashboard)
	requireNoFrame(t, sender) // silent drop: not even the sender hears about it
}

func TestPipelinePersistenceFailureNotifiesSenderWhenEnabled(t *testing.T) {
	b := &fakeBackend{
		conversationJSON: `{"id": "c1", "candidate": "u1"}`,
		createStatus:     http.StatusBadGateway,
	}
	p, hub := newTestPipeline(t, b, true)
	member := newMember(t, hub, RoomForConversation("c1"))
	sender := anonymousSender(hub)

	p.Handle(context.Background(), sender, MessageData{ConversationID: "c1", Text: "hi"})

	env := recvFrame(t, sender)
	require.Equal(t, EventMessageError, env.Event)
	requireNoFrame(t, member)
}

func TestPipelinePersistenceTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id": "c1", "candidate": "u1"}`)
	})
	mux.HandleFunc("/api/chat_messages", func(w http.ResponseWriter, r *http.Request) {
		// Stall past the pipeline deadline; a timed-out create is a
		// persistence failure like any other.
		time.Sleep(300 * time.Millisecond)
		io.WriteString(w, `{"doc": {"id": "m1"}}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	store := payload.NewClient(srv.URL, 2*time.Second, slog.Default())
	hub := startHub(t, nil)
	p := NewPipeline(store, hub, 50*time.Millisecond, false, slog.Default())
	member := newMember(t, hub, RoomForConversation("c1"))
	dashboard := newMember(t, hub, SupportRoom)
	sender := supportSender(hub, "s1")

	p.Handle(context.Background(), sender, MessageData{ConversationID: "c1", Text: "hi"})

	requireNoFrame(t, member)
	requireNoFrame(t, dashboard)
	requireNoFrame(t, sender)
}

func TestPipelineSenderCollectionFromIdentity(t *testing.T) {
	cases := []struct {
		name     string
		identity *auth.Identity
		want     string
	}{
		{
			"token collection is authoritative",
			&auth.Identity{ID: "u9", Collection: "candidates", Role: auth.RoleCandidate},
			"candidates",
		},
		{
			"missing collection derives from role",
			&auth.Identity{ID: "s2", Role: auth.RoleSupport},
			"users",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := &fakeBackend{
				conversationJSON: `{"id": "c1", "candidate": "u1"}`,
				createdDoc:       `{"id": "m1"}`,
				hydratedDoc:      `{"id": "m1"}`,
			}
			p, hub := newTestPipeline(t, b, false)
			p.Handle(context.Background(), identifiedSender(hub, tc.identity), MessageData{ConversationID: "c1", Text: "hi"})

			var created payload.CreateMessageRequest
			require.NoError(t, json.Unmarshal(b.createBody, &created))
			require.Equal(t, tc.identity.ID, created.From.Value)
			require.Equal(t, tc.want, created.From.RelationTo)
		})
	}
}

func TestPipelineHydrationFallback(t *testing.T) {
	b := &fakeBackend{
		conversationJSON: `{"id": "c1", "candidate": "u1"}`,
		createdDoc:       `{"id": "m1", "text": "hi"}`,
		hydrateStatus:    http.StatusInternalServerError,
	}
	p, hub := newTestPipeline(t, b, false)
	member := newMember(t, hub, RoomForConversation("c1"))

	p.Handle(context.Background(), anonymousSender(hub), MessageData{ConversationID: "c1", Text: "hi"})

	env := recvFrame(t, member)
	require.Equal(t, EventMessage, env.Event)
	require.JSONEq(t, b.createdDoc, string(env.Data))
}

func TestPipelineSenderUnresolved(t *testing.T) {
	b := &fakeBackend{} // conversation 404
	p, hub := newTestPipeline(t, b, false)
	member := newMember(t, hub, RoomForConversation("ghost"))

	p.Handle(context.Background(), anonymousSender(hub), MessageData{ConversationID: "ghost", Text: "hi"})

	require.False(t, b.createCalled, "no create call should be made without a resolved sender")
	requireNoFrame(t, member)
}

func TestPipelineSummaryFetchFailureStillBroadcasts(t *testing.T) {
	b := &fakeBackend{
		conversationJSON: `{"id": "c1", "candidate": "u1"}`,
		createdDoc:       `{"id": "m1", "text": "hi"}`,
		hydratedDoc:      `{"id": "m1", "text": "hi"}`,
	}
	p, hub := newTestPipeline(t, b, false)
	dashboard := newMember(t, hub, SupportRoom)

	sender := supportSender(hub, "s1")
	// Kill the conversation after sender resolution would no longer need it.
	b.conversationJSON = ""

	p.Handle(context.Background(), sender, MessageData{ConversationID: "c1", Text: "hi"})

	update := recvFrame(t, dashboard)
	require.Equal(t, EventConversationUpdated, update.Event)
	var data ConversationUpdatedData
	require.NoError(t, json.Unmarshal(update.Data, &data))
	require.Equal(t, 0, data.UnreadCount)
	require.NotEmpty(t, data.LastMessage)
}

// The relay must never write to the conversations collection: the unread
// counters and lastMessageAt belong to the backend's post-create hook, and
// the known read-modify-write race lives there, not here.
func TestPipelineNeverWritesConversations(t *testing.T) {
	var conversationWrites []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			conversationWrites = append(conversationWrites, r.Method+" "+r.URL.Path)
		}
		io.WriteString(w, `{"id": "c1", "candidate": "u1"}`)
	})
	mux.HandleFunc("/api/chat_messages", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"doc": {"id": "m1"}}`)
	})
	mux.HandleFunc("/api/chat_messages/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"doc": {"id": "m1"}}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	hub := startHub(t, nil)
	store := payload.NewClient(srv.URL, 2*time.Second, slog.Default())
	p := NewPipeline(store, hub, 2*time.Second, false, slog.Default())

	p.Handle(context.Background(), anonymousSender(hub), MessageData{ConversationID: "c1", Text: "hi"})

	require.Empty(t, conversationWrites, "relay performed conversation writes: %s", strings.Join(conversationWrites, ", "))
}
