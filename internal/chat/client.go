package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cserrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
)

// Client talks to the persistence API. It is the pull half of the
// engine: full history fetches and authoritative message writes.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates an API client with the given http.Client.
// If httpClient is nil, http.DefaultClient is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// do sends a request to the API endpoint and decodes the response into
// result. The API signals errors both via HTTP status and via an error
// field inside a 200 body, so both are checked.
func (c *Client) do(ctx context.Context, operation, contentType string, body []byte, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending %s request: %w: %w", operation, cserrors.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s response: %w", operation, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%d): %w: %s", operation, resp.StatusCode, cserrors.ErrAPIRequest, apiErr.Error)
		}
		return fmt.Errorf("%s (%d): %w: %s", operation, resp.StatusCode, cserrors.ErrAPIRequest, string(respBody))
	}

	var apiErr apiError
	if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Errorf("API %s: %s", operation, apiErr.Error)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding %s response: %w", operation, err)
		}
	}

	return nil
}

// FetchHistory retrieves the full message history visible to userID.
// The response is the union of all the user's conversations; filtering
// by conversation happens downstream at read time.
func (c *Client) FetchHistory(ctx context.Context, userID string) ([]models.Message, error) {
	body, err := json.Marshal(historyRequest{
		Operation: "get_message",
		UserID:    userID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshalling history request: %w", err)
	}

	var resp historyResponse
	if err := c.do(ctx, "get_message", "application/json", body, &resp); err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}

	msgs := make([]models.Message, 0, len(resp.Data))
	for _, rec := range resp.Data {
		msg, ok := normalizeHistoryRecord(rec, userID)
		if !ok {
			continue
		}
		msgs = append(msgs, msg)
	}

	return msgs, nil
}

// SendMessage performs the authoritative write for an outgoing message.
// The legacy endpoint takes form-encoded fields. Returns the confirmed
// message id when the backend supplies one, otherwise empty string.
func (c *Client) SendMessage(ctx context.Context, senderID, receiverID, text string) (string, error) {
	form := url.Values{}
	form.Set("operation", "sendMessage")
	form.Set("sender_id", senderID)
	form.Set("receiver_id", receiverID)
	form.Set("message", text)

	var resp sendResponse
	if err := c.do(ctx, "sendMessage", "application/x-www-form-urlencoded", []byte(form.Encode()), &resp); err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}

	if resp.Status != "" && !strings.EqualFold(resp.Status, "success") && !strings.EqualFold(resp.Status, "ok") {
		return "", fmt.Errorf("sendMessage: %w: status %q", cserrors.ErrAPIResponse, resp.Status)
	}

	return resp.MessageID.String(), nil
}

// normalizeHistoryRecord maps one raw fetched row to the canonical
// message shape. Rows without an id or participants are dropped; a
// record like that cannot be deduplicated and the next fetch will
// return it again anyway.
func normalizeHistoryRecord(rec rawHistoryRecord, selfID string) (models.Message, bool) {
	id := rec.ChatID.String()
	senderID := rec.SenderID.String()
	receiverID := rec.ReceiverID.String()

	if id == "" || senderID == "" || receiverID == "" {
		return models.Message{}, false
	}

	status := models.StatusReceived
	senderName := rec.SenderName
	if senderID == selfID {
		status = models.StatusSent
	}

	ts := time.Now()
	if t, ok := parseTimeString(rec.CreatedAt); ok {
		ts = t
	}

	return models.Message{
		ID:         id,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Text:       rec.Message,
		Timestamp:  ts,
		Status:     status,
		SenderName: senderName,
	}, true
}
