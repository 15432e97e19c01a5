// ABOUTME: One-shot reconstruction of conversations from the backend's flat message log
// ABOUTME: Groups by chat id, assigns roles by turn parity, orders by recency

package history

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/strandline/parley/internal/backend"
	"github.com/strandline/parley/internal/store"
)

// LogFetcher is the backend surface needed to rebuild history.
type LogFetcher interface {
	FetchMessages(ctx context.Context) ([]backend.LogEntry, error)
}

// Reconstruct turns the flat, arrival-ordered message log into
// conversations. The log has no role field: roles are assigned by
// position parity within each conversation, even positions human and
// odd positions assistant, which assumes strict turn alternation
// starting with the human. Non-alternating logs (for example a
// retried send) come out mislabeled; the log format carries nothing
// to detect that with.
//
// The returned conversations are ordered most recently updated first
// and the second value is the id to select, which is never empty: an
// empty log produces a single fresh conversation.
func Reconstruct(entries []backend.LogEntry, now time.Time) ([]*store.Conversation, string) {
	byID := make(map[string]*store.Conversation)
	var order []string

	for _, entry := range entries {
		conv, ok := byID[entry.ChatID]
		if !ok {
			conv = &store.Conversation{ID: entry.ChatID}
			byID[entry.ChatID] = conv
			order = append(order, entry.ChatID)
		}

		role := store.RoleHuman
		if len(conv.Messages)%2 == 1 {
			role = store.RoleAssistant
		}

		ts := now
		if entry.Timestamp != nil {
			ts = *entry.Timestamp
		}

		conv.Messages = append(conv.Messages, store.Message{
			Role:      role,
			Content:   entry.Message,
			Timestamp: ts,
		})
	}

	conversations := make([]*store.Conversation, 0, len(order))
	for _, id := range order {
		conv := byID[id]
		conv.CreatedAt = conv.Messages[0].Timestamp
		conv.UpdatedAt = conv.Messages[len(conv.Messages)-1].Timestamp
		conversations = append(conversations, conv)
	}

	sort.SliceStable(conversations, func(i, j int) bool {
		return conversations[i].UpdatedAt.After(conversations[j].UpdatedAt)
	})

	if len(conversations) == 0 {
		conv := &store.Conversation{
			ID:        uuid.New().String(),
			CreatedAt: now,
			UpdatedAt: now,
		}
		return []*store.Conversation{conv}, conv.ID
	}

	return conversations, conversations[0].ID
}

// Bootstrap fetches the log and loads the reconstructed conversations
// into the registry. It runs once per session start. A fetch failure
// is not fatal: the registry is seeded with the empty-conversation
// fallback and the error is returned for reporting.
func Bootstrap(ctx context.Context, fetcher LogFetcher, reg *store.Registry, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "history")

	entries, err := fetcher.FetchMessages(ctx)
	if err != nil {
		logger.Warn("history fetch failed, starting empty", "error", err)
		entries = nil
	}

	conversations, activeID := Reconstruct(entries, time.Now())
	reg.Load(conversations, activeID)

	logger.Debug("history reconstructed",
		"entries", len(entries),
		"conversations", len(conversations),
		"active_id", activeID)
	return err
}
