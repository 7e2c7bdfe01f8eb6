package chat

import "encoding/json"

// historyRequest is the payload for the get_message operation.
type historyRequest struct {
	Operation string `json:"operation"`
	UserID    string `json:"userid"`
}

// rawHistoryRecord is one row of a get_message response. Numeric ids
// are decoded as json.Number because the backend is inconsistent about
// quoting them.
type rawHistoryRecord struct {
	ChatID       json.Number `json:"chat_id"`
	Message      string      `json:"message"`
	CreatedAt    string      `json:"created_at"`
	SenderID     json.Number `json:"sender_id"`
	ReceiverID   json.Number `json:"receiver_id"`
	SenderName   string      `json:"sender_name"`
	ReceiverName string      `json:"receiver_name"`
}

// historyResponse is the envelope of a get_message response.
type historyResponse struct {
	Status string             `json:"status"`
	Data   []rawHistoryRecord `json:"data"`
}

// sendResponse is the envelope of a sendMessage response. MessageID is
// optional; older backends confirm with a bare status and leave the
// client to unify the optimistic entry with the next history fetch.
type sendResponse struct {
	Status    string      `json:"status"`
	MessageID json.Number `json:"message_id"`
}

// apiError is an error payload from the persistence API.
type apiError struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// outboundFrame is the message payload fanned out over the push
// channel after a successful persistence write. Shape mirrors the
// inbound push frame.
type outboundFrame struct {
	Message    string `json:"message"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	MessageID  string `json:"message_id,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	SenderPic  string `json:"sender_pic,omitempty"`
}

// keepaliveFrame is the heartbeat sent while connected. No response is
// expected; it exists to defeat idle timeouts on intermediate
// infrastructure.
type keepaliveFrame struct {
	Type string `json:"type"`
}
