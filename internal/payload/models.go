package payload

import (
	"bytes"
	"encoding/json"
)

// Relation decodes a CMS relationship field. Depending on query depth and
// schema generation the wire shape is a bare id, a numeric id, a populated
// document with an `id`, or a polymorphic `{value, relationTo}` pair. Only
// the id is retained; hydrated documents are carried separately as raw JSON.
type Relation struct {
	ID string
}

func (r *Relation) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	switch b[0] {
	case '"':
		return json.Unmarshal(b, &r.ID)
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		if v, ok := obj["id"]; ok {
			var inner Relation
			if err := inner.UnmarshalJSON(v); err != nil {
				return err
			}
			r.ID = inner.ID
			return nil
		}
		if v, ok := obj["value"]; ok {
			var inner Relation
			if err := inner.UnmarshalJSON(v); err != nil {
				return err
			}
			r.ID = inner.ID
		}
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		r.ID = n.String()
		return nil
	}
}

func (r Relation) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.ID)
}

// Conversation is the read-side view of the conversations collection. The
// relay only ever reads it: the candidate id for anonymous sender inference
// and the unread counters for dashboard summaries.
type Conversation struct {
	ID                string   `json:"id"`
	Candidate         Relation `json:"candidate"`
	AssignedSupport   Relation `json:"assignedSupport"`
	Status            string   `json:"status"`
	UnreadByCandidate int      `json:"unreadByCandidate"`
	UnreadBySupport   int      `json:"unreadBySupport"`
	LastMessageAt     string   `json:"lastMessageAt"`
}

// Message is the typed slice of a chat_messages document the relay reads.
// Raw keeps the full document exactly as the backend returned it, so
// hydrated attachment metadata survives the round trip to clients.
type Message struct {
	ID           string   `json:"id"`
	Conversation Relation `json:"conversation"`
	Role         string   `json:"role"`
	Text         string   `json:"text"`
	Status       string   `json:"status"`

	Raw json.RawMessage `json:"-"`
}

// TypedRelation is the polymorphic relationship shape the backend expects
// on writes for fields relating to more than one collection.
type TypedRelation struct {
	Value      string `json:"value"`
	RelationTo string `json:"relationTo"`
}

type Attachment struct {
	File string `json:"file"`
}

type CreateMessageRequest struct {
	Conversation string          `json:"conversation"`
	From         TypedRelation   `json:"from"`
	Role         string          `json:"role"`
	Text         string          `json:"text"`
	Attachments  []Attachment    `json:"attachments"`
	Meta         json.RawMessage `json:"meta,omitempty"`
	Status       string          `json:"status"`
}
