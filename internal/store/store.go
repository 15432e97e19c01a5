// ABOUTME: In-memory conversation registry and its mutation surface
// ABOUTME: Owns conversations, the active selection, and the streaming placeholder

package store

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a conversation id is not in the registry.
var ErrNotFound = errors.New("conversation not found")

// ErrTurnInFlight is returned when a mutation would start a second
// streaming reply in a conversation that already has one.
var ErrTurnInFlight = errors.New("a reply is already streaming in this conversation")

// ErrNoPendingReply is returned by placeholder mutations when the
// conversation has no streaming reply to mutate.
var ErrNoPendingReply = errors.New("conversation has no streaming reply")

// Role identifies who authored a message. The set is closed: exactly
// human and assistant exist.
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a conversation transcript. Streaming marks
// an assistant reply whose first content has not arrived yet.
type Message struct {
	Role      Role
	Content   string
	Timestamp time.Time
	Streaming bool
}

// Conversation is one ordered thread of messages with a stable id.
// Values handed out by the registry are snapshots; mutating them does
// not affect registry state.
type Conversation struct {
	ID        string
	Messages  []Message
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Title derives a short human label from the first message, for lists.
func (c *Conversation) Title() string {
	for _, m := range c.Messages {
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		if line, _, found := strings.Cut(text, "\n"); found {
			text = line
		}
		if len(text) > 40 {
			text = text[:37] + "..."
		}
		return text
	}
	return "New conversation"
}

// snapshot returns a deep copy safe to hand to callers.
func (c *Conversation) snapshot() *Conversation {
	out := &Conversation{
		ID:        c.ID,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		Messages:  make([]Message, len(c.Messages)),
	}
	copy(out.Messages, c.Messages)
	return out
}

// Registry holds every conversation for the current app session plus
// the single active selection. All reads and mutations go through its
// methods; each mutation is atomic from the caller's perspective.
type Registry struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	activeID      string
	pending       map[string]int // conversation id -> placeholder index
	notifier      *Notifier
	logger        *slog.Logger
	now           func() time.Time
}

// NewRegistry creates an empty registry. Pass nil for defaults.
func NewRegistry(notifier *Notifier, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conversations: make(map[string]*Conversation),
		pending:       make(map[string]int),
		notifier:      notifier,
		logger:        logger.With("component", "store"),
		now:           time.Now,
	}
}

// publish fans a change out to watchers. Never called under the lock.
func (r *Registry) publish(kind ChangeKind, conversationID string) {
	if r.notifier != nil {
		r.notifier.Publish(Change{Kind: kind, ConversationID: conversationID})
	}
}

// Load seeds the registry once at session start with reconstructed
// conversations and the initial selection. An empty slice degrades to
// a single fresh conversation so the registry is never left empty.
func (r *Registry) Load(conversations []*Conversation, activeID string) {
	r.mu.Lock()
	r.conversations = make(map[string]*Conversation, len(conversations))
	for _, conv := range conversations {
		r.conversations[conv.ID] = conv.snapshot()
	}
	if len(r.conversations) == 0 {
		conv := r.newConversationLocked()
		activeID = conv.ID
	}
	if _, ok := r.conversations[activeID]; !ok {
		activeID = r.mostRecentLocked()
	}
	r.activeID = activeID
	r.pending = make(map[string]int)
	count := len(r.conversations)
	r.mu.Unlock()

	r.logger.Debug("registry loaded", "conversations", count, "active_id", activeID)
	r.publish(ChangeLoaded, activeID)
}

// newConversationLocked inserts a fresh empty conversation. Callers
// hold the write lock.
func (r *Registry) newConversationLocked() *Conversation {
	now := r.now()
	conv := &Conversation{
		ID:        uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.conversations[conv.ID] = conv
	return conv
}

// mostRecentLocked returns the id of the most recently updated
// conversation, or "" when the registry is empty.
func (r *Registry) mostRecentLocked() string {
	var bestID string
	var bestTime time.Time
	for id, conv := range r.conversations {
		if bestID == "" || conv.UpdatedAt.After(bestTime) {
			bestID = id
			bestTime = conv.UpdatedAt
		}
	}
	return bestID
}

// CreateConversation adds a fresh empty conversation and returns a
// snapshot of it. The selection is not changed.
func (r *Registry) CreateConversation() *Conversation {
	r.mu.Lock()
	conv := r.newConversationLocked()
	out := conv.snapshot()
	r.mu.Unlock()

	r.logger.Debug("conversation created", "conversation_id", out.ID)
	r.publish(ChangeCreated, out.ID)
	return out
}

// SelectConversation makes id the active conversation.
func (r *Registry) SelectConversation(id string) error {
	r.mu.Lock()
	if _, ok := r.conversations[id]; !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	r.activeID = id
	r.mu.Unlock()

	r.publish(ChangeSelected, id)
	return nil
}

// DeleteConversation removes a conversation. When the active
// conversation is deleted the most recently updated survivor is
// selected, or a fresh empty conversation is created if none remain.
// The selection is never left dangling.
func (r *Registry) DeleteConversation(id string) error {
	r.mu.Lock()
	if _, ok := r.conversations[id]; !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.conversations, id)
	delete(r.pending, id)

	var createdID string
	if r.activeID == id {
		r.activeID = r.mostRecentLocked()
		if r.activeID == "" {
			conv := r.newConversationLocked()
			r.activeID = conv.ID
			createdID = conv.ID
		}
	}
	newActive := r.activeID
	r.mu.Unlock()

	r.logger.Debug("conversation deleted", "conversation_id", id, "active_id", newActive)
	r.publish(ChangeDeleted, id)
	if createdID != "" {
		r.publish(ChangeCreated, createdID)
	}
	return nil
}

// AppendMessage appends one message to a conversation, advancing
// UpdatedAt. A message with Streaming set becomes the conversation's
// reply placeholder; only one may exist at a time.
func (r *Registry) AppendMessage(id string, msg Message) error {
	r.mu.Lock()
	conv, ok := r.conversations[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if msg.Streaming {
		if _, busy := r.pending[id]; busy {
			r.mu.Unlock()
			return ErrTurnInFlight
		}
		r.pending[id] = len(conv.Messages)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.now()
	}
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = msg.Timestamp
	r.mu.Unlock()

	r.publish(ChangeAppended, id)
	return nil
}

// ReplaceMessages swaps a conversation's transcript wholesale. Any
// streaming placeholder bookkeeping is reset.
func (r *Registry) ReplaceMessages(id string, messages []Message) error {
	r.mu.Lock()
	conv, ok := r.conversations[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	conv.Messages = make([]Message, len(messages))
	copy(conv.Messages, messages)
	if len(conv.Messages) > 0 {
		conv.UpdatedAt = conv.Messages[len(conv.Messages)-1].Timestamp
	} else {
		conv.UpdatedAt = r.now()
	}
	delete(r.pending, id)
	r.mu.Unlock()

	r.publish(ChangeAppended, id)
	return nil
}

// ClearConversation removes every message but keeps the conversation
// and its id. Clearing an already empty conversation is a no-op.
func (r *Registry) ClearConversation(id string) error {
	r.mu.Lock()
	conv, ok := r.conversations[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	conv.Messages = nil
	conv.UpdatedAt = r.now()
	delete(r.pending, id)
	r.mu.Unlock()

	r.publish(ChangeCleared, id)
	return nil
}

// UpdateReply replaces the placeholder's content with the accumulated
// reply text so far. The first delta drops the Streaming mark: the
// typing indicator ends once real content exists.
func (r *Registry) UpdateReply(id, content string) error {
	r.mu.Lock()
	idx, conv, err := r.pendingLocked(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	conv.Messages[idx].Content = content
	if content != "" {
		conv.Messages[idx].Streaming = false
	}
	r.mu.Unlock()

	r.publish(ChangeReplyUpdated, id)
	return nil
}

// FinalizeReply sets the placeholder's final content and retires it.
// No further placeholder mutation is possible for this turn.
func (r *Registry) FinalizeReply(id, content string) error {
	r.mu.Lock()
	idx, conv, err := r.pendingLocked(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	conv.Messages[idx].Content = content
	conv.Messages[idx].Streaming = false
	delete(r.pending, id)
	r.mu.Unlock()

	r.publish(ChangeReplyFinalized, id)
	return nil
}

// FailReply retires the placeholder with a failure notice in place of
// reply content. The conversation stays usable.
func (r *Registry) FailReply(id, notice string) error {
	r.mu.Lock()
	idx, conv, err := r.pendingLocked(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	conv.Messages[idx].Content = notice
	conv.Messages[idx].Streaming = false
	delete(r.pending, id)
	r.mu.Unlock()

	r.publish(ChangeReplyFailed, id)
	return nil
}

// pendingLocked resolves the placeholder for id. Callers hold the lock.
func (r *Registry) pendingLocked(id string) (int, *Conversation, error) {
	conv, ok := r.conversations[id]
	if !ok {
		return 0, nil, ErrNotFound
	}
	idx, ok := r.pending[id]
	if !ok || idx >= len(conv.Messages) {
		return 0, nil, ErrNoPendingReply
	}
	return idx, conv, nil
}

// HasPendingReply reports whether a reply is still streaming into the
// conversation.
func (r *Registry) HasPendingReply(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pending[id]
	return ok
}

// Active returns a snapshot of the active conversation. Before any
// load or creation has run it returns an empty placeholder value, so
// callers never observe a nil conversation.
func (r *Registry) Active() *Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conv, ok := r.conversations[r.activeID]
	if !ok {
		return &Conversation{}
	}
	return conv.snapshot()
}

// ActiveID returns the id of the active conversation, or "" when
// nothing is selected yet.
func (r *Registry) ActiveID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeID
}

// Get returns a snapshot of one conversation.
func (r *Registry) Get(id string) (*Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conv, ok := r.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.snapshot(), nil
}

// List returns snapshots of every conversation, most recently updated
// first.
func (r *Registry) List() []*Conversation {
	r.mu.RLock()
	out := make([]*Conversation, 0, len(r.conversations))
	for _, conv := range r.conversations {
		out = append(out, conv.snapshot())
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Len returns the number of conversations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conversations)
}
