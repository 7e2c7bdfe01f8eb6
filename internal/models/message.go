package models

import "time"

// MessageStatus is the delivery state of a message as seen by this client.
type MessageStatus string

const (
	// StatusPending marks an optimistic local entry awaiting backend
	// confirmation. Pending messages carry a temporary id.
	StatusPending MessageStatus = "pending"

	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusReceived  MessageStatus = "received"

	// StatusFailed marks an optimistic entry whose authoritative write
	// failed. The entry stays visible so the user can retry.
	StatusFailed MessageStatus = "failed"
)

// Attachment describes a file or image carried by a message.
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	Name     string `json:"name"`
}

// ReplyRef is a denormalized snapshot of the message being replied to.
// It is not a live link; the referenced message may have been pruned by
// the backend without invalidating the reply.
type ReplyRef struct {
	MessageID  string `json:"message_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
	Text       string `json:"text"`
}

// Message is the canonical message shape. Raw fetched records, push
// frames, and optimistic local entries are all normalized to this
// before entering the store.
type Message struct {
	ID         string        `json:"id"`
	SenderID   string        `json:"sender_id"`
	ReceiverID string        `json:"receiver_id"`
	Text       string        `json:"text"`
	Timestamp  time.Time     `json:"timestamp"`
	Status     MessageStatus `json:"status"`
	SenderName string        `json:"sender_name,omitempty"`
	SenderPic  string        `json:"sender_pic,omitempty"`
	ReplyTo    *ReplyRef     `json:"reply_to,omitempty"`
	Attachment *Attachment   `json:"attachment,omitempty"`

	// SyntheticID is set when the id was generated client-side because
	// the wire frame carried none. Synthetic entries are eligible for
	// fingerprint-based dedup against later fetch results.
	SyntheticID bool `json:"synthetic_id,omitempty"`
}

// ConversationKey returns the counterparty's user id for this message
// from the perspective of selfID. Messages a user sends to themselves
// key on their own id.
func (m Message) ConversationKey(selfID string) string {
	if m.SenderID == selfID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Conversation is one entry in the derived conversation list: a single
// counterparty with the most recent message in that exchange.
type Conversation struct {
	CounterpartyID string    `json:"counterparty_id"`
	DisplayName    string    `json:"display_name"`
	PictureRef     string    `json:"picture_ref,omitempty"`
	LastMessage    string    `json:"last_message"`
	LastMessageAt  time.Time `json:"last_message_at"`

	// UnreadCount is maintained by the embedding UI, not derived here.
	// Stored so the conversation list can sort and filter on it.
	UnreadCount int `json:"unread_count"`
}
