package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// fingerprintWindow bounds how far apart two timestamps may be for a
// synthesized-id push entry and an authoritative fetch row to be
// considered the same logical message. Push frames without a server
// timestamp are stamped with local receive time, so the two clocks
// never match exactly.
const fingerprintWindow = 2 * time.Minute

// MergeResult reports what a merge changed: messages newly inserted
// (or replacing a synthetic entry) and ids removed by such a
// replacement. Callers persisting the store mirror both lists.
type MergeResult struct {
	Added   []models.Message
	Removed []string
}

// Changed reports whether the merge altered the store at all.
func (r MergeResult) Changed() bool {
	return len(r.Added) > 0 || len(r.Removed) > 0
}

// convMeta carries per-conversation data not derivable from messages:
// profile info from push frames or explicit starts, and the
// collaborator-maintained unread count.
type convMeta struct {
	displayName string
	pictureRef  string
	unread      int
	explicit    bool
}

// Store is the single source of truth for messages and conversations.
// Both channels (push frames and history fetches) insert through
// Merge, which makes repeated and interleaved delivery idempotent.
// Reads sort by timestamp, so arrival order never matters.
type Store struct {
	selfID string

	mu   sync.Mutex
	byID map[string]models.Message

	// byFingerprint indexes synthetic-id entries by content so that an
	// authoritative row arriving later via fetch can replace the entry
	// a push frame created without a message_id.
	byFingerprint map[string][]string

	conversations map[string]*convMeta
}

// NewStore creates an empty store for the given session owner.
func NewStore(selfID string) *Store {
	return &Store{
		selfID:        selfID,
		byID:          make(map[string]models.Message),
		byFingerprint: make(map[string][]string),
		conversations: make(map[string]*convMeta),
	}
}

func fingerprint(m models.Message) string {
	return m.SenderID + "|" + m.ReceiverID + "|" + m.Text
}

// Merge inserts messages from either channel. Dedup key is the id:
// an id already present wins and the incoming copy is dropped. An
// incoming authoritative message additionally replaces a stored
// synthetic-id entry with matching content and a close timestamp, and
// an incoming synthetic message is dropped when its content already
// exists. Idempotent under repeated application of the same batch.
func (st *Store) Merge(msgs ...models.Message) MergeResult {
	st.mu.Lock()
	defer st.mu.Unlock()

	var res MergeResult

	for _, m := range msgs {
		if m.ID == "" {
			continue
		}

		if _, exists := st.byID[m.ID]; exists {
			continue
		}

		if removed, dup := st.resolveFingerprint(m); dup {
			continue
		} else if removed != "" {
			res.Removed = append(res.Removed, removed)
		}

		st.insertLocked(m)
		res.Added = append(res.Added, m)
	}

	return res
}

// resolveFingerprint handles the synthesized-id collision between the
// two channels. Returns the id of a synthetic entry displaced by an
// authoritative message, or dup=true when the incoming message itself
// is a redundant synthetic copy.
func (st *Store) resolveFingerprint(m models.Message) (removed string, dup bool) {
	ids := st.byFingerprint[fingerprint(m)]
	if len(ids) == 0 {
		return "", false
	}

	for _, id := range ids {
		existing, ok := st.byID[id]
		if !ok {
			continue
		}

		delta := m.Timestamp.Sub(existing.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta > fingerprintWindow {
			continue
		}

		if m.SyntheticID {
			// Existing entry (synthetic or not) already covers this
			// content; the incoming synthetic copy adds nothing.
			return "", true
		}

		// Authoritative id replaces the synthetic entry.
		st.removeLocked(id)
		return id, false
	}

	return "", false
}

func (st *Store) insertLocked(m models.Message) {
	st.byID[m.ID] = m

	if m.SyntheticID {
		fp := fingerprint(m)
		st.byFingerprint[fp] = append(st.byFingerprint[fp], m.ID)
	}

	key := m.ConversationKey(st.selfID)
	meta, ok := st.conversations[key]
	if !ok {
		meta = &convMeta{}
		st.conversations[key] = meta
	}

	// Profile hints only flow from the counterparty's side.
	if m.SenderID == key {
		if m.SenderName != "" {
			meta.displayName = m.SenderName
		}
		if m.SenderPic != "" {
			meta.pictureRef = m.SenderPic
		}
	}
}

func (st *Store) removeLocked(id string) {
	m, ok := st.byID[id]
	if !ok {
		return
	}

	delete(st.byID, id)

	if m.SyntheticID {
		fp := fingerprint(m)
		ids := st.byFingerprint[fp]
		for i, other := range ids {
			if other == id {
				st.byFingerprint[fp] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(st.byFingerprint[fp]) == 0 {
			delete(st.byFingerprint, fp)
		}
	}
}

// Reconcile replaces the pending optimistic entry tempID with its
// backend-confirmed counterpart. This is the one path allowed to
// displace an existing id. Exactly one message survives.
func (st *Store) Reconcile(tempID string, confirmed models.Message) MergeResult {
	st.mu.Lock()
	defer st.mu.Unlock()

	var res MergeResult

	if _, ok := st.byID[tempID]; ok {
		st.removeLocked(tempID)
		res.Removed = append(res.Removed, tempID)
	}

	if _, exists := st.byID[confirmed.ID]; !exists {
		st.insertLocked(confirmed)
		res.Added = append(res.Added, confirmed)
	}

	return res
}

// SetStatus updates the delivery status of a stored message. Used by
// the send pipeline to move optimistic entries to sent or failed.
func (st *Store) SetStatus(id string, status models.MessageStatus) (models.Message, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	m, ok := st.byID[id]
	if !ok {
		return models.Message{}, false
	}

	m.Status = status
	st.byID[id] = m

	return m, true
}

// Get returns the messages of one conversation ordered by timestamp
// ascending, ties broken by id so the order is stable across calls.
func (st *Store) Get(conversationKey string) []models.Message {
	st.mu.Lock()
	defer st.mu.Unlock()

	var msgs []models.Message
	for _, m := range st.byID {
		if m.ConversationKey(st.selfID) == conversationKey {
			msgs = append(msgs, m)
		}
	}

	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].ID < msgs[j].ID
	})

	return msgs
}

// StartConversation registers a conversation before any message exists,
// for when the user opens a chat with a new counterparty. Safe to call
// for a known counterparty; profile fields update if non-empty.
func (st *Store) StartConversation(counterpartyID, displayName, pictureRef string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	meta, ok := st.conversations[counterpartyID]
	if !ok {
		meta = &convMeta{}
		st.conversations[counterpartyID] = meta
	}

	meta.explicit = true
	if displayName != "" {
		meta.displayName = displayName
	}
	if pictureRef != "" {
		meta.pictureRef = pictureRef
	}
}

// SetUnread stores the collaborator-maintained unread count for a
// conversation so the list can sort and filter on it.
func (st *Store) SetUnread(counterpartyID string, n int) {
	st.mu.Lock()
	defer st.mu.Unlock()

	meta, ok := st.conversations[counterpartyID]
	if !ok {
		meta = &convMeta{}
		st.conversations[counterpartyID] = meta
	}

	meta.unread = n
}

// Conversations derives the conversation list by a single fold over
// all stored messages: one entry per counterparty carrying the
// maximum-timestamp message. Explicitly started conversations with no
// messages yet are included with a zero time. Sorted most recent
// first.
func (st *Store) Conversations() []models.Conversation {
	st.mu.Lock()
	defer st.mu.Unlock()

	latest := make(map[string]models.Message)
	for _, m := range st.byID {
		key := m.ConversationKey(st.selfID)
		cur, ok := latest[key]
		if !ok || m.Timestamp.After(cur.Timestamp) {
			latest[key] = m
		}
	}

	convs := make([]models.Conversation, 0, len(st.conversations))
	for key, meta := range st.conversations {
		c := models.Conversation{
			CounterpartyID: key,
			DisplayName:    meta.displayName,
			PictureRef:     meta.pictureRef,
			UnreadCount:    meta.unread,
		}

		if m, ok := latest[key]; ok {
			c.LastMessage = m.Text
			c.LastMessageAt = m.Timestamp
		} else if !meta.explicit {
			continue
		}

		convs = append(convs, c)
	}

	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].LastMessageAt.Equal(convs[j].LastMessageAt) {
			return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
		}
		return convs[i].CounterpartyID < convs[j].CounterpartyID
	})

	return convs
}
