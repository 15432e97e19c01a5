// ABOUTME: In-memory fan-out of registry changes to interested watchers
// ABOUTME: Lets a frontend observe streaming deltas without polling the registry

package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// watcherBufferSize is the channel buffer for each watcher.
const watcherBufferSize = 64

// ChangeKind names the registry mutation behind a Change.
type ChangeKind string

const (
	ChangeLoaded         ChangeKind = "loaded"
	ChangeCreated        ChangeKind = "created"
	ChangeSelected       ChangeKind = "selected"
	ChangeDeleted        ChangeKind = "deleted"
	ChangeCleared        ChangeKind = "cleared"
	ChangeAppended       ChangeKind = "message_appended"
	ChangeReplyUpdated   ChangeKind = "reply_updated"
	ChangeReplyFinalized ChangeKind = "reply_finalized"
	ChangeReplyFailed    ChangeKind = "reply_failed"
)

// Change describes one registry mutation. It carries no message
// content; watchers read the registry for current state.
type Change struct {
	Kind           ChangeKind
	ConversationID string
}

// Notifier provides pub/sub over registry changes. Watchers register
// for one conversation id, or for every conversation with an empty id.
type Notifier struct {
	mu       sync.RWMutex
	watchers map[string]map[string]chan Change // conversation id ("" = all) -> watcher id -> ch
	logger   *slog.Logger
}

// NewNotifier creates a notifier. Pass nil logger for default.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		watchers: make(map[string]map[string]chan Change),
		logger:   logger.With("component", "notifier"),
	}
}

// Subscribe registers a watcher for changes to conversationID (empty
// for all conversations). Returns the change channel and a watcher id
// for Unsubscribe. The subscription is cleaned up when ctx ends.
func (n *Notifier) Subscribe(ctx context.Context, conversationID string) (<-chan Change, string) {
	watcherID := uuid.New().String()
	ch := make(chan Change, watcherBufferSize)

	n.mu.Lock()
	if _, ok := n.watchers[conversationID]; !ok {
		n.watchers[conversationID] = make(map[string]chan Change)
	}
	n.watchers[conversationID][watcherID] = ch
	n.mu.Unlock()

	n.logger.Debug("watcher added",
		"conversation_id", conversationID,
		"watcher_id", watcherID)

	go func() {
		<-ctx.Done()
		n.Unsubscribe(conversationID, watcherID)
	}()

	return ch, watcherID
}

// Publish delivers a change to every watcher of its conversation and
// to wildcard watchers. Non-blocking: slow watchers drop changes.
func (n *Notifier) Publish(change Change) {
	keys := []string{""}
	if change.ConversationID != "" {
		keys = append(keys, change.ConversationID)
	}

	n.mu.RLock()
	targets := make([]chan Change, 0, 4)
	for _, key := range keys {
		for _, ch := range n.watchers[key] {
			targets = append(targets, ch)
		}
	}
	n.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- change:
		default:
			n.logger.Debug("dropped change for slow watcher",
				"conversation_id", change.ConversationID,
				"kind", change.Kind)
		}
	}
}

// Unsubscribe removes a watcher and closes its channel.
func (n *Notifier) Unsubscribe(conversationID, watcherID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	watchers, ok := n.watchers[conversationID]
	if !ok {
		return
	}
	ch, exists := watchers[watcherID]
	if !exists {
		return
	}

	delete(watchers, watcherID)
	close(ch)

	if len(watchers) == 0 {
		delete(n.watchers, conversationID)
	}
}

// Close shuts down the notifier and closes all watcher channels.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for key, watchers := range n.watchers {
		for id, ch := range watchers {
			close(ch)
			delete(watchers, id)
		}
		delete(n.watchers, key)
	}
}
