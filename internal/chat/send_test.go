package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	cserrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
)

func TestSend_RequiresActiveConversation(t *testing.T) {
	s := newTestSession(t, stubClient(`{"status":"success"}`, nil))

	err := s.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, cserrors.ErrNoActiveConversation)
}

func TestSend_RejectsEmptyMessage(t *testing.T) {
	s := newTestSession(t, stubClient(`{"status":"success"}`, nil))
	s.SetActiveConversation("7")

	err := s.Send(context.Background(), "")
	assert.ErrorIs(t, err, cserrors.ErrEmptyMessage)
}

func TestSend_AttachmentOnlyIsValid(t *testing.T) {
	s := newTestSession(t, stubClient(`{"status":"success","message_id":"901"}`, nil))
	s.SetActiveConversation("7")
	s.StageAttachment(&models.Attachment{URL: "x.png", MimeType: "image/png", Name: "x.png"})

	err := s.Send(context.Background(), "")
	require.NoError(t, err)

	got := s.store.Get("7")
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Attachment)
	assert.Equal(t, "x.png", got[0].Attachment.URL)
}

func TestSend_ReconcilesConfirmedID(t *testing.T) {
	s := newTestSession(t, stubClient(`{"status":"success","message_id":"X"}`, nil))
	s.SetActiveConversation("7")

	err := s.Send(context.Background(), "hi")
	require.NoError(t, err)

	got := s.store.Get("7")
	require.Len(t, got, 1, "exactly one message, no duplicate pending entry")
	assert.Equal(t, "X", got[0].ID)
	assert.Equal(t, "hi", got[0].Text)
	assert.Equal(t, models.StatusSent, got[0].Status)
	assert.Equal(t, "42", got[0].SenderID)
	assert.Equal(t, "7", got[0].ReceiverID)
}

func TestSend_NoConfirmedIDStaysSyntheticUntilFetch(t *testing.T) {
	s := newTestSession(t, stubClient(`{"status":"success"}`, nil))
	s.SetActiveConversation("7")

	require.NoError(t, s.Send(context.Background(), "hi"))

	got := s.store.Get("7")
	require.Len(t, got, 1)
	assert.Equal(t, models.StatusSent, got[0].Status)
	assert.True(t, got[0].SyntheticID)

	// The next poll returns the stored row under its real id; the
	// fingerprint path replaces the synthetic entry.
	authoritative := got[0]
	authoritative.ID = "77"
	authoritative.SyntheticID = false
	s.store.Merge(authoritative)

	got = s.store.Get("7")
	require.Len(t, got, 1)
	assert.Equal(t, "77", got[0].ID)
}

func TestSend_FailureMarksEntryFailed(t *testing.T) {
	s := newTestSession(t, failingClient())
	s.SetActiveConversation("7")

	err := s.Send(context.Background(), "hi")
	assert.ErrorContains(t, err, "sending message")

	// The optimistic entry stays visible and retryable, not rolled back.
	got := s.store.Get("7")
	require.Len(t, got, 1)
	assert.Equal(t, models.StatusFailed, got[0].Status)
	assert.Equal(t, "hi", got[0].Text)
}

func TestSend_CarriesStagedReply(t *testing.T) {
	s := newTestSession(t, stubClient(`{"status":"success","message_id":"901"}`, nil))
	s.SetActiveConversation("7")
	s.StageReply(&models.ReplyRef{MessageID: "5", SenderID: "7", Text: "earlier"})

	require.NoError(t, s.Send(context.Background(), "response"))

	got := s.store.Get("7")
	require.Len(t, got, 1)
	require.NotNil(t, got[0].ReplyTo)
	assert.Equal(t, "5", got[0].ReplyTo.MessageID)
}

func TestSend_ClearsStagingEvenOnFailure(t *testing.T) {
	s := newTestSession(t, failingClient())
	s.SetActiveConversation("7")
	s.StageReply(&models.ReplyRef{MessageID: "5"})
	s.StageAttachment(&models.Attachment{URL: "x.png"})

	_ = s.Send(context.Background(), "hi")

	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	assert.Nil(t, s.stagedReply)
	assert.Nil(t, s.stagedAttachment)
}

func TestSend_FansOutWhileConnected(t *testing.T) {
	s := newTestSession(t, stubClient(`{"status":"success","message_id":"901"}`, nil))
	s.SetActiveConversation("7")
	s.connState = StateConnected

	require.NoError(t, s.Send(context.Background(), "hi"))

	select {
	case data := <-s.outCh:
		frame := gjson.ParseBytes(data)
		assert.Equal(t, "hi", frame.Get("message").String())
		assert.Equal(t, "42", frame.Get("sender_id").String())
		assert.Equal(t, "7", frame.Get("receiver_id").String())
		assert.Equal(t, "901", frame.Get("message_id").String())
	default:
		t.Fatal("expected a fan-out frame on the push channel")
	}
}

func TestSend_NoFanOutWhileDisconnected(t *testing.T) {
	s := newTestSession(t, stubClient(`{"status":"success","message_id":"901"}`, nil))
	s.SetActiveConversation("7")

	require.NoError(t, s.Send(context.Background(), "hi"))

	select {
	case <-s.outCh:
		t.Fatal("no frame may be emitted while disconnected")
	default:
	}
}

func TestSend_OptimisticEntryVisibleImmediately(t *testing.T) {
	// The round tripper observes the store at write time: the pending
	// entry must already be there before the API call completes.
	var pendingSeen bool
	s := newTestSession(t, nil)
	s.client = &Client{
		baseURL: "http://stub",
		httpClient: newObservingHTTPClient(func() {
			got := s.store.Get("7")
			pendingSeen = len(got) == 1 && got[0].Status == models.StatusPending
		}, `{"status":"success","message_id":"901"}`),
	}
	s.SetActiveConversation("7")

	require.NoError(t, s.Send(context.Background(), "hi"))
	assert.True(t, pendingSeen, "optimistic entry must precede the persistence call")
}
