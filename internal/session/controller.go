// ABOUTME: Orchestrates conversation lifecycle against the registry and the backend
// ABOUTME: Create/select/delete/clear/send/export, one streaming session per conversation

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/strandline/parley/internal/export"
	"github.com/strandline/parley/internal/store"
)

// Eraser clears the backend's persisted messages for one chat id.
type Eraser interface {
	ClearMessages(ctx context.Context, chatID string) error
}

// Backend is everything the controller needs from the remote side.
type Backend interface {
	Streamer
	Eraser
}

// Controller coordinates user intent: it mutates the registry, issues
// the matching backend calls, and owns the in-flight sessions. Backend
// failures on delete and clear are surfaced in the returned error but
// never roll back the local mutation; local state follows user intent.
type Controller struct {
	registry *store.Registry
	backend  Backend
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session // conversation id -> in-flight session
}

// NewController creates a controller. Pass nil logger for default.
func NewController(registry *store.Registry, backend Backend, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		registry: registry,
		backend:  backend,
		logger:   logger.With("component", "controller"),
		sessions: make(map[string]*Session),
	}
}

// NewChat creates a fresh conversation and selects it.
func (c *Controller) NewChat() *store.Conversation {
	conv := c.registry.CreateConversation()
	if err := c.registry.SelectConversation(conv.ID); err != nil {
		// Only possible if the conversation vanished between the two
		// calls, which would be a bug in the registry.
		c.logger.Error("could not select fresh conversation", "error", err)
	}
	return conv
}

// SelectChat switches the active conversation. No backend call; an
// in-flight reply on the previously active conversation keeps
// streaming in the background.
func (c *Controller) SelectChat(id string) error {
	return c.registry.SelectConversation(id)
}

// DeleteChat cancels any session bound to the conversation, asks the
// backend to erase its persisted messages, and removes it locally.
// The local removal happens whether or not the backend call worked;
// a backend failure comes back as an error to show the user.
func (c *Controller) DeleteChat(ctx context.Context, id string) error {
	if _, err := c.registry.Get(id); err != nil {
		return err
	}

	c.detachSession(id, true)

	backendErr := c.backend.ClearMessages(ctx, id)
	if backendErr != nil {
		c.logger.Warn("backend delete failed", "conversation_id", id, "error", backendErr)
	}

	if err := c.registry.DeleteConversation(id); err != nil {
		return err
	}
	if backendErr != nil {
		return fmt.Errorf("conversation removed locally, but the backend could not erase it: %w", backendErr)
	}
	return nil
}

// ClearChat aborts any in-flight reply, asks the backend to erase the
// conversation's persisted messages, and empties it locally. As with
// delete, the local clear is unconditional and a backend failure is
// only reported.
func (c *Controller) ClearChat(ctx context.Context, id string) error {
	if _, err := c.registry.Get(id); err != nil {
		return err
	}

	c.detachSession(id, true)

	backendErr := c.backend.ClearMessages(ctx, id)
	if backendErr != nil {
		c.logger.Warn("backend clear failed", "conversation_id", id, "error", backendErr)
	}

	if err := c.registry.ClearConversation(id); err != nil {
		return err
	}
	if backendErr != nil {
		return fmt.Errorf("conversation cleared locally, but the backend could not erase it: %w", backendErr)
	}
	return nil
}

// Send starts one assistant turn for the given conversation. It is
// refused while another reply is still streaming there. The returned
// session streams in the background; callers watch Done or the
// registry notifier for progress.
func (c *Controller) Send(ctx context.Context, id, text string) (*Session, error) {
	c.mu.Lock()
	if _, busy := c.sessions[id]; busy {
		c.mu.Unlock()
		return nil, store.ErrTurnInFlight
	}
	c.mu.Unlock()

	s, err := begin(ctx, c.registry, c.backend, id, text, c.logger)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sessions[id] = s
	c.mu.Unlock()

	go func() {
		<-s.Done()
		c.mu.Lock()
		if c.sessions[id] == s {
			delete(c.sessions, id)
		}
		c.mu.Unlock()
	}()

	return s, nil
}

// CancelChat aborts the reply streaming into a conversation, if any.
// The placeholder keeps whatever content had accumulated.
func (c *Controller) CancelChat(id string) {
	c.detachSession(id, false)
}

// Streaming reports whether a session is bound to the conversation.
func (c *Controller) Streaming(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[id]
	return ok
}

// ExportChat writes the conversation transcript to path. Pure local
// read; exporting an empty conversation fails and writes no file.
func (c *Controller) ExportChat(id, path string) error {
	conv, err := c.registry.Get(id)
	if err != nil {
		return err
	}
	return export.File(conv, path)
}

// detachSession removes and cancels the session bound to id, if any.
// With discard set the placeholder is dropped rather than finalized,
// for conversations that are being deleted or cleared.
func (c *Controller) detachSession(id string, discard bool) {
	c.mu.Lock()
	s := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()

	if s == nil {
		return
	}
	if discard {
		s.discard()
	} else {
		s.Cancel()
	}
	<-s.Done()
}
