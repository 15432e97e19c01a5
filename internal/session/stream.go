// ABOUTME: One in-flight assistant turn bound to a single conversation id
// ABOUTME: Accumulates content deltas and applies exactly one terminal outcome

package session

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/strandline/parley/internal/backend"
	"github.com/strandline/parley/internal/store"
)

// FailureNotice is the fixed text a failed turn leaves in place of the
// assistant reply.
const FailureNotice = "Sorry, I encountered an error. Please try again."

// Streamer opens the event stream for one assistant turn.
type Streamer interface {
	StreamChat(ctx context.Context, message, chatID string) (<-chan backend.StreamEvent, error)
}

// Session carries out one assistant turn for one conversation. Every
// mutation it makes is routed by the conversation id captured at
// start, never by the current selection, so a reply keeps landing in
// its own conversation while the user browses others.
type Session struct {
	conversationID string
	registry       *store.Registry
	logger         *slog.Logger
	cancel         context.CancelFunc
	done           chan struct{}
	discarded      atomic.Bool
}

// begin appends the human message and the streaming placeholder, opens
// the event stream, and starts consuming it. The two appends land
// before any stream event is processed. If the stream cannot be
// opened the placeholder is failed in place and an error is returned.
func begin(ctx context.Context, reg *store.Registry, streamer Streamer, conversationID, userText string, logger *slog.Logger) (*Session, error) {
	now := time.Now()
	if err := reg.AppendMessage(conversationID, store.Message{
		Role:      store.RoleHuman,
		Content:   userText,
		Timestamp: now,
	}); err != nil {
		return nil, err
	}
	if err := reg.AppendMessage(conversationID, store.Message{
		Role:      store.RoleAssistant,
		Timestamp: now,
		Streaming: true,
	}); err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	events, err := streamer.StreamChat(streamCtx, userText, conversationID)
	if err != nil {
		cancel()
		if failErr := reg.FailReply(conversationID, FailureNotice); failErr != nil {
			logger.Debug("could not fail reply after open error", "error", failErr)
		}
		return nil, err
	}

	s := &Session{
		conversationID: conversationID,
		registry:       reg,
		logger:         logger.With("component", "session", "conversation_id", conversationID),
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	go s.consume(streamCtx, events)
	return s, nil
}

// ConversationID returns the conversation this session is bound to.
func (s *Session) ConversationID() string {
	return s.conversationID
}

// Done is closed once the session has reached its terminal outcome
// and will make no further registry mutation.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Cancel aborts the session. The placeholder is finalized in its
// last-accumulated state; buffered events are never applied.
func (s *Session) Cancel() {
	s.cancel()
}

// discard aborts the session without touching the placeholder, for
// when the conversation itself is going away.
func (s *Session) discard() {
	s.discarded.Store(true)
	s.cancel()
}

// consume applies stream events strictly in arrival order. It returns
// after the first terminal outcome; events the transport has already
// buffered past that point are never read, so a terminal session emits
// no further mutations.
func (s *Session) consume(ctx context.Context, events <-chan backend.StreamEvent) {
	defer close(s.done)
	defer s.cancel()

	var acc strings.Builder

	for {
		select {
		case <-ctx.Done():
			if !s.discarded.Load() {
				if err := s.registry.FinalizeReply(s.conversationID, acc.String()); err != nil {
					s.logger.Debug("finalize after cancel skipped", "error", err)
				}
				s.logger.Debug("session cancelled", "accumulated", acc.Len())
			}
			return

		case ev, ok := <-events:
			if !ok {
				// Stream closed without a terminal event.
				s.fail("stream closed unexpectedly")
				return
			}

			switch ev.Type {
			case backend.EventContent:
				acc.WriteString(ev.Content)
				if err := s.registry.UpdateReply(s.conversationID, acc.String()); err != nil {
					// The conversation is gone or was cleared under us.
					s.logger.Debug("delta dropped", "error", err)
					return
				}

			case backend.EventDone:
				if err := s.registry.FinalizeReply(s.conversationID, acc.String()); err != nil {
					s.logger.Debug("finalize skipped", "error", err)
				}
				s.logger.Debug("reply finalized", "length", acc.Len())
				return

			default:
				s.fail(ev.Err)
				return
			}
		}
	}
}

// fail applies the error terminal outcome.
func (s *Session) fail(reason string) {
	if s.discarded.Load() {
		return
	}
	if err := s.registry.FailReply(s.conversationID, FailureNotice); err != nil {
		s.logger.Debug("fail skipped", "error", err)
	}
	s.logger.Warn("reply failed", "reason", reason)
}
