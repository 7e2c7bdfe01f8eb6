package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	cserrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/state"
)

// inboundMsg wraps a frame read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// wsConn abstracts the WebSocket connection so Session can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// dialFunc opens a connection to the push endpoint. Swappable in tests.
type dialFunc func(ctx context.Context, endpoint string) (wsConn, error)

func dialWebsocket(ctx context.Context, endpoint string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

// Session owns one chat synchronization engine instance: the push
// channel, the poll timers, the message store and the send pipeline.
// One session per open chat view; nothing here is process-global.
//
// Architecture follows a single event loop: a reader goroutine feeds
// inboundCh with raw frames, and the loop goroutine (Run) processes
// inbound frames, outbound fan-out and keepalive ticks. All writes to
// the connection happen from the loop. History polling runs in its own
// goroutine because it must continue while the connection is down or
// backing off.
type Session struct {
	logger *slog.Logger
	client *Client
	store  *Store
	state  *state.State

	userID   string
	endpoint string
	dial     dialFunc

	conn   wsConn
	connMu sync.Mutex

	// inboundCh receives frames from the reader goroutine.
	inboundCh chan inboundMsg

	// outCh carries best-effort fan-out frames from Send into the
	// event loop, which owns all connection writes.
	outCh chan []byte

	// fetchKick wakes the poll loop immediately on conversation switch.
	fetchKick chan struct{}

	connState         ConnState
	reconnectAttempts int
	stateMu           sync.Mutex

	activeMu           sync.Mutex
	activeConversation string
	visible            bool
	stagedReply        *models.ReplyRef
	stagedAttachment   *models.Attachment

	// connCancel stops the reader goroutine of the current connection.
	// Guarded by connMu because Close is called from outside the loop.
	connCancel context.CancelFunc

	closedCh  chan struct{}
	closeOnce sync.Once

	onState  func(ConnState)
	onUpdate func()
}

// SessionConfig holds the collaborators and identity for one session.
type SessionConfig struct {
	Client   *Client
	Store    *Store
	State    *state.State
	UserID   string
	Endpoint string

	// OnStateChange is invoked on every connection state transition.
	OnStateChange func(ConnState)

	// OnUpdate is invoked whenever the store content changed, so the
	// embedding UI can re-render its conversation and message lists.
	OnUpdate func()
}

// NewSession creates a session. Call Run to start it and Close to tear
// it down; a torn-down session cannot be restarted.
func NewSession(cfg SessionConfig, logger *slog.Logger) *Session {
	return &Session{
		logger:    logger,
		client:    cfg.Client,
		store:     cfg.Store,
		state:     cfg.State,
		userID:    cfg.UserID,
		endpoint:  cfg.Endpoint,
		dial:      dialWebsocket,
		inboundCh: make(chan inboundMsg, 64),
		outCh:     make(chan []byte, 16),
		fetchKick: make(chan struct{}, 1),
		connState: StateDisconnected,
		visible:   true,
		closedCh:  make(chan struct{}),
		onState:   cfg.OnStateChange,
		onUpdate:  cfg.OnUpdate,
	}
}

// Run connects the push channel and processes events until the context
// is cancelled, Close is called, or reconnection is exhausted. The
// local baseline is hydrated from persisted state before the first
// fetch so the UI is never empty on a warm start.
func (s *Session) Run(ctx context.Context) error {
	if s.state != nil {
		if err := s.hydrate(); err != nil {
			return fmt.Errorf("hydrating store: %w", err)
		}
	}

	// Baseline fetch before the push channel opens, so incremental
	// updates layer onto fresh history rather than an empty store.
	s.refreshHistory(ctx)

	pollCtx, cancelPoll := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pollLoop(pollCtx)
	}()
	defer func() {
		cancelPoll()
		wg.Wait()
	}()

	for {
		s.transition(StateConnecting)

		conn, err := s.dial(ctx, s.endpoint)
		if err != nil {
			// Dial failure goes through the same reconnect evaluation
			// as an unclean close.
			s.logger.Warn("push channel dial failed", slog.String("error", err.Error()))
			s.transition(StateError)
		} else {
			s.setConn(conn)

			// Teardown may have landed while the dial was in flight;
			// the fresh connection must not outlive it.
			if ctx.Err() != nil || s.isClosed() {
				_ = conn.Close(websocket.StatusNormalClosure, "bye")
				s.setConn(nil)
				s.transition(StateDisconnected)
				return ctx.Err()
			}

			s.setAttempts(0)
			s.transition(StateConnected)

			connCtx, connCancel := context.WithCancel(ctx)
			s.setConnCancel(connCancel)
			s.startReader(connCtx)

			err = s.eventLoop(ctx, connCtx)
			connCancel()
			s.setConn(nil)

			if ctx.Err() != nil {
				s.transition(StateDisconnected)
				return ctx.Err()
			}

			if s.isClosed() || isCleanClose(err) {
				s.transition(StateDisconnected)
				return nil
			}

			s.logger.Warn("push channel lost", slog.String("error", err.Error()))
			s.transition(StateError)
		}

		if ctx.Err() != nil {
			s.transition(StateDisconnected)
			return ctx.Err()
		}
		if s.isClosed() {
			s.transition(StateDisconnected)
			return nil
		}

		attempts := s.attempts()
		retry, delay := decideReconnect(attempts, false)
		if !retry {
			s.transition(StateFailed)
			return fmt.Errorf("%w after %d attempts", cserrors.ErrReconnectExhausted, attempts)
		}

		s.setAttempts(attempts + 1)
		s.logger.Warn("reconnecting",
			slog.Int("attempt", attempts+1),
			slog.Duration("delay", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.transition(StateDisconnected)
			return ctx.Err()
		case <-s.closedCh:
			timer.Stop()
			s.transition(StateDisconnected)
			return nil
		case <-timer.C:
		}
	}
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. Exits when connCtx is cancelled or a read error
// occurs. The error is delivered as the final message on the channel.
// The goroutine captures ch by value so a stale reader from a prior
// connection cannot send into the new channel.
func (s *Session) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, 64)
	s.inboundCh = ch
	conn := s.currentConn()
	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// eventLoop is the single event loop for one connection. It selects on
// inbound frames, fan-out writes and the keepalive ticker. Returns on
// read/write error or context cancellation.
func (s *Session) eventLoop(ctx context.Context, connCtx context.Context) error {
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case msg := <-s.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}

			if msg.typ == websocket.MessageBinary {
				s.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			s.handleInbound(msg.data)

		case frame := <-s.outCh:
			if err := s.currentConn().Write(ctx, websocket.MessageText, frame); err != nil {
				return fmt.Errorf("writing frame: %w", err)
			}

		case <-keepalive.C:
			data, _ := json.Marshal(keepaliveFrame{Type: "ping"})
			if err := s.currentConn().Write(ctx, websocket.MessageText, data); err != nil {
				return fmt.Errorf("sending keepalive: %w", err)
			}

		case <-s.closedCh:
			return cserrors.ErrSessionClosed

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleInbound merges one push frame into the store. Malformed frames
// are logged and dropped; they never affect the connection.
func (s *Session) handleInbound(data []byte) {
	msg, err := parsePushFrame(data, time.Now())
	if err != nil {
		if err == errControlFrame {
			s.logger.Debug("control frame", slog.Int("bytes", len(data)))
		} else {
			s.logger.Warn("dropping malformed push frame", slog.String("error", err.Error()))
		}
		return
	}

	res := s.store.Merge(msg)
	s.persist(res)
	s.notifyUpdate(res)
}

// pollLoop owns the two fetch timers: the 30s baseline (suppressed
// while the host view is hidden) and the 1s fast poll while a
// conversation is open. Runs independently of the connection so a
// broken push channel never stops history refreshes.
func (s *Session) pollLoop(ctx context.Context) {
	base := time.NewTicker(basePollInterval)
	fast := time.NewTicker(fastPollInterval)
	defer base.Stop()
	defer fast.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.fetchKick:
			s.refreshHistory(ctx)

		case <-base.C:
			if s.Visible() {
				s.refreshHistory(ctx)
			}

		case <-fast.C:
			if s.ActiveConversation() != "" {
				s.refreshHistory(ctx)
			}
		}
	}
}

// refreshHistory pulls the full history and merges it wholesale.
// Fetch failures are logged and swallowed; the next tick retries and
// the session's own writes never depend on fetches.
func (s *Session) refreshHistory(ctx context.Context) {
	msgs, err := s.client.FetchHistory(ctx, s.userID)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("history fetch failed", slog.String("error", err.Error()))
		}
		return
	}

	res := s.store.Merge(msgs...)
	s.persist(res)

	if s.state != nil {
		if err := s.state.SetLastFetch(s.userID, time.Now()); err != nil {
			s.logger.Warn("persisting fetch cursor", slog.String("error", err.Error()))
		}
	}

	s.notifyUpdate(res)
}

// Send runs the optimistic send pipeline: validate, insert a pending
// entry so the sender sees the message instantly, perform the
// authoritative write, reconcile, then fan the payload out over the
// push channel best-effort. On write failure the pending entry is
// marked failed and kept visible for retry.
func (s *Session) Send(ctx context.Context, text string) error {
	if s.isClosed() {
		return cserrors.ErrSessionClosed
	}

	receiver := s.ActiveConversation()
	if receiver == "" {
		return cserrors.ErrNoActiveConversation
	}
	if s.userID == "" {
		return cserrors.ErrNoAuthenticatedUser
	}

	s.activeMu.Lock()
	reply := s.stagedReply
	attachment := s.stagedAttachment
	s.activeMu.Unlock()

	if text == "" && attachment == nil {
		return cserrors.ErrEmptyMessage
	}

	// Staging state resets on dispatch regardless of outcome.
	s.ClearStaging()

	tempID := "pending-" + uuid.NewString()
	optimistic := models.Message{
		ID:          tempID,
		SenderID:    s.userID,
		ReceiverID:  receiver,
		Text:        text,
		Timestamp:   time.Now(),
		Status:      models.StatusPending,
		ReplyTo:     reply,
		Attachment:  attachment,
		SyntheticID: true,
	}

	res := s.store.Merge(optimistic)
	s.persist(res)
	s.notifyUpdate(res)

	confirmedID, err := s.client.SendMessage(ctx, s.userID, receiver, text)
	if err != nil {
		if m, ok := s.store.SetStatus(tempID, models.StatusFailed); ok {
			s.persist(MergeResult{Added: []models.Message{m}})
		}
		s.notifyUpdate(MergeResult{Added: []models.Message{optimistic}})
		return fmt.Errorf("sending message: %w", err)
	}

	sent := optimistic
	sent.Status = models.StatusSent

	if confirmedID != "" {
		sent.ID = confirmedID
		sent.SyntheticID = false
		rec := s.store.Reconcile(tempID, sent)
		s.persist(rec)
		s.notifyUpdate(rec)
	} else {
		// No id in the response. Upgrade the pending entry; it stays
		// synthetic so the fingerprint path unifies it with the stored
		// row on the next fetch.
		if m, ok := s.store.SetStatus(tempID, models.StatusSent); ok {
			s.persist(MergeResult{Added: []models.Message{m}})
			sent = m
		}
		s.notifyUpdate(MergeResult{Added: []models.Message{sent}})
	}

	s.fanOut(sent)

	return nil
}

// fanOut emits the payload over the push channel when connected.
// Best-effort: the receiver also observes the message via their own
// history fetch, so a dropped frame costs latency, not correctness.
func (s *Session) fanOut(m models.Message) {
	if s.State() != StateConnected {
		return
	}

	frame := outboundFrame{
		Message:    m.Text,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Timestamp:  m.Timestamp.Unix(),
	}
	if !m.SyntheticID {
		frame.MessageID = m.ID
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	select {
	case s.outCh <- data:
	default:
		s.logger.Debug("fan-out queue full, dropping frame")
	}
}

// SetActiveConversation switches the open conversation and triggers an
// immediate history fetch so the view has a fresh baseline before push
// updates layer on top. Empty string closes the active conversation
// and stops the fast poll.
func (s *Session) SetActiveConversation(counterpartyID string) {
	s.activeMu.Lock()
	changed := s.activeConversation != counterpartyID
	s.activeConversation = counterpartyID
	s.activeMu.Unlock()

	if changed && counterpartyID != "" {
		select {
		case s.fetchKick <- struct{}{}:
		default:
		}
	}
}

// ActiveConversation returns the counterparty id of the open
// conversation, or empty string.
func (s *Session) ActiveConversation() string {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.activeConversation
}

// SetVisible records whether the host view is in the foreground. The
// baseline poll is suppressed while hidden to avoid wasted work.
func (s *Session) SetVisible(v bool) {
	s.activeMu.Lock()
	s.visible = v
	s.activeMu.Unlock()
}

// Visible reports the host view's foreground state.
func (s *Session) Visible() bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.visible
}

// StageReply stages a reply-to reference for the next Send.
func (s *Session) StageReply(ref *models.ReplyRef) {
	s.activeMu.Lock()
	s.stagedReply = ref
	s.activeMu.Unlock()
}

// StageAttachment stages an attachment for the next Send.
func (s *Session) StageAttachment(att *models.Attachment) {
	s.activeMu.Lock()
	s.stagedAttachment = att
	s.activeMu.Unlock()
}

// ClearStaging drops any staged reply and attachment.
func (s *Session) ClearStaging() {
	s.activeMu.Lock()
	s.stagedReply = nil
	s.stagedAttachment = nil
	s.activeMu.Unlock()
}

// Store exposes the message store for reads by the embedding UI.
func (s *Session) Store() *Store {
	return s.store
}

// State returns the current connection state.
func (s *Session) State() ConnState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.connState
}

// Close tears the session down: the reconnect timer is abandoned, the
// reader goroutine stopped and the connection closed cleanly so the
// reconnection policy does not reattempt. Poll timers stop when Run
// returns. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closedCh)
	})

	s.connMu.Lock()
	cancel := s.connCancel
	conn := s.conn
	s.connMu.Unlock()

	if cancel != nil {
		cancel()
	}

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "bye")
	}

	return nil
}

// hydrate loads the persisted baseline into the store.
func (s *Session) hydrate() error {
	if err := s.state.InitUserBuckets(s.userID); err != nil {
		return err
	}

	msgs, err := s.state.Messages(s.userID)
	if err != nil {
		return err
	}

	res := s.store.Merge(msgs...)
	s.notifyUpdate(res)

	return nil
}

// persist mirrors a store mutation into the local database.
func (s *Session) persist(res MergeResult) {
	if s.state == nil || !res.Changed() {
		return
	}

	for _, id := range res.Removed {
		if err := s.state.DeleteMessage(s.userID, id); err != nil {
			s.logger.Warn("deleting persisted message", slog.String("id", id), slog.String("error", err.Error()))
		}
	}

	if err := s.state.PutMessages(s.userID, res.Added); err != nil {
		s.logger.Warn("persisting messages", slog.String("error", err.Error()))
	}
}

func (s *Session) notifyUpdate(res MergeResult) {
	if s.onUpdate != nil && res.Changed() {
		s.onUpdate()
	}
}

func (s *Session) transition(to ConnState) {
	s.stateMu.Lock()
	from := s.connState
	if from == to {
		s.stateMu.Unlock()
		return
	}
	if !validTransition(from, to) {
		s.stateMu.Unlock()
		s.logger.Debug("invalid state transition",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
		return
	}
	s.connState = to
	s.stateMu.Unlock()

	s.logger.Debug("connection state",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)

	if s.onState != nil {
		s.onState(to)
	}
}

func (s *Session) attempts() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.reconnectAttempts
}

func (s *Session) setAttempts(n int) {
	s.stateMu.Lock()
	s.reconnectAttempts = n
	s.stateMu.Unlock()
}

func (s *Session) setConn(conn wsConn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

func (s *Session) setConnCancel(cancel context.CancelFunc) {
	s.connMu.Lock()
	s.connCancel = cancel
	s.connMu.Unlock()
}

func (s *Session) currentConn() wsConn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closedCh:
		return true
	default:
		return false
	}
}

// isCleanClose reports whether the connection ended with a normal
// closure frame, meaning the peer (or this client) closed on purpose.
func isCleanClose(err error) bool {
	return websocket.CloseStatus(err) == websocket.StatusNormalClosure
}
