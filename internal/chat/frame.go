package chat

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// errControlFrame marks inbound frames that are not chat messages
// (heartbeat echoes and other typed control traffic). They are dropped
// without touching the store.
var errControlFrame = fmt.Errorf("control frame")

// parsePushFrame normalizes a duck-typed inbound frame to the canonical
// message shape. Every field except message, sender_id and receiver_id
// is optional on the wire, so fields are picked individually rather
// than decoded into a fixed struct.
//
// When the frame carries no message_id, an id is synthesized from the
// receive time and the message is flagged so the store can later unify
// it with the authoritative row from a history fetch.
func parsePushFrame(data []byte, now time.Time) (models.Message, error) {
	if !gjson.ValidBytes(data) {
		return models.Message{}, fmt.Errorf("invalid JSON frame")
	}

	v := gjson.ParseBytes(data)

	if v.Get("type").Exists() {
		return models.Message{}, errControlFrame
	}

	senderID := v.Get("sender_id").String()
	receiverID := v.Get("receiver_id").String()

	if senderID == "" || receiverID == "" {
		return models.Message{}, fmt.Errorf("frame missing sender_id or receiver_id")
	}

	msg := models.Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Text:       v.Get("message").String(),
		Status:     models.StatusReceived,
		SenderName: v.Get("sender_name").String(),
		SenderPic:  v.Get("sender_pic").String(),
		Timestamp:  now,
	}

	if ts := v.Get("timestamp"); ts.Exists() {
		if t, ok := parseWireTime(ts); ok {
			msg.Timestamp = t
		}
	}

	if id := v.Get("message_id"); id.Exists() && id.String() != "" {
		msg.ID = id.String()
	} else {
		msg.ID = fmt.Sprintf("push-%d", now.UnixNano())
		msg.SyntheticID = true
	}

	return msg, nil
}

// parseWireTime accepts the timestamp shapes the backend emits: unix
// seconds as a JSON number, or a string in RFC 3339 or the classic
// "2006-01-02 15:04:05" database format.
func parseWireTime(v gjson.Result) (time.Time, bool) {
	if v.Type == gjson.Number {
		return time.Unix(v.Int(), 0), true
	}

	return parseTimeString(v.String())
}

func parseTimeString(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}

	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t, true
	}

	return time.Time{}, false
}
