package chat

import "encoding/json"

// Envelope is the wire frame: one named event per websocket text message,
// mirroring the socket.io event model the web clients already speak.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound events (client -> relay).
const (
	EventJoinChat    = "joinChat"
	EventJoinSupport = "joinSupport"
	EventMessage     = "message"
)

// Outbound events (relay -> client).
const (
	EventConversationUpdated = "conversationUpdated"
	EventConnectError        = "connect_error"
	EventMessageError        = "messageError"
)

// SupportRoom is the fixed broadcast group support dashboards listen on.
const SupportRoom = "support"

func RoomForConversation(conversationID string) string {
	return "chat:" + conversationID
}

type JoinChatData struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

type MessageData struct {
	ConversationID string          `json:"conversationId" validate:"required"`
	Text           string          `json:"text"`
	Attachments    []string        `json:"attachments,omitempty"`
	Meta           json.RawMessage `json:"meta,omitempty"`
}

// ConversationUpdatedData lets dashboards refresh a row without re-querying
// the backend on every message.
type ConversationUpdatedData struct {
	ConversationID string          `json:"conversationId"`
	LastMessage    json.RawMessage `json:"lastMessage"`
	UnreadCount    int             `json:"unreadCount"`
}

type ErrorData struct {
	Message string `json:"message"`
}

// EncodeEvent marshals an event frame ready to hand to a send channel.
func EncodeEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
