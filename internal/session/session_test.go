// ABOUTME: Tests for streaming sessions and the conversation controller
// ABOUTME: Uses a fake backend to drive delta, done, and error sequences

package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandline/parley/internal/backend"
	"github.com/strandline/parley/internal/store"
)

// fakeBackend hands out one pre-made event channel per StreamChat call
// and records which chat ids were streamed and cleared.
type fakeBackend struct {
	mu       sync.Mutex
	streams  []chan backend.StreamEvent
	openErr  error
	clearErr error
	streamed []string
	cleared  []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{}
}

// queueStream registers a channel for the next StreamChat call and
// returns it for the test to feed.
func (f *fakeBackend) queueStream() chan backend.StreamEvent {
	ch := make(chan backend.StreamEvent, 16)
	f.mu.Lock()
	f.streams = append(f.streams, ch)
	f.mu.Unlock()
	return ch
}

func (f *fakeBackend) StreamChat(ctx context.Context, message, chatID string) (<-chan backend.StreamEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamed = append(f.streamed, chatID)
	if f.openErr != nil {
		return nil, f.openErr
	}
	if len(f.streams) == 0 {
		ch := make(chan backend.StreamEvent, 16)
		f.streams = append(f.streams, ch)
	}
	ch := f.streams[0]
	f.streams = f.streams[1:]
	return ch, nil
}

func (f *fakeBackend) ClearMessages(ctx context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, chatID)
	return f.clearErr
}

func (f *fakeBackend) clearedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cleared...)
}

func (f *fakeBackend) streamedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.streamed...)
}

func newTestController(t *testing.T) (*Controller, *store.Registry, *fakeBackend) {
	t.Helper()
	reg := store.NewRegistry(nil, nil)
	reg.Load(nil, "")
	fb := newFakeBackend()
	return NewController(reg, fb, nil), reg, fb
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
}

func content(s string) backend.StreamEvent {
	return backend.StreamEvent{Type: backend.EventContent, Content: s}
}

func TestSend_AssemblesReplyFromDeltas(t *testing.T) {
	c, reg, fb := newTestController(t)
	id := reg.ActiveID()
	stream := fb.queueStream()

	s, err := c.Send(context.Background(), id, "say hello")
	require.NoError(t, err)

	// Human message and placeholder are in place before any event.
	conv, _ := reg.Get(id)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, store.RoleHuman, conv.Messages[0].Role)
	assert.Equal(t, "say hello", conv.Messages[0].Content)
	assert.True(t, conv.Messages[1].Streaming)

	stream <- content("Hel")
	stream <- content("lo")
	stream <- backend.StreamEvent{Type: backend.EventDone}
	waitDone(t, s)

	conv, _ = reg.Get(id)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "Hello", conv.Messages[1].Content)
	assert.False(t, conv.Messages[1].Streaming)
	assert.False(t, reg.HasPendingReply(id))
}

func TestSend_FirstDeltaDropsTypingIndicator(t *testing.T) {
	c, reg, fb := newTestController(t)
	id := reg.ActiveID()
	stream := fb.queueStream()

	s, err := c.Send(context.Background(), id, "q")
	require.NoError(t, err)

	stream <- content("partial")
	require.Eventually(t, func() bool {
		conv, err := reg.Get(id)
		return err == nil && len(conv.Messages) == 2 && conv.Messages[1].Content == "partial"
	}, 2*time.Second, 5*time.Millisecond)

	conv, _ := reg.Get(id)
	assert.False(t, conv.Messages[1].Streaming)

	stream <- backend.StreamEvent{Type: backend.EventDone}
	waitDone(t, s)
}

func TestSend_ErrorEventLeavesFailureNotice(t *testing.T) {
	c, reg, fb := newTestController(t)
	id := reg.ActiveID()
	stream := fb.queueStream()

	s, err := c.Send(context.Background(), id, "q")
	require.NoError(t, err)

	stream <- content("par")
	stream <- backend.StreamEvent{Type: backend.EventError, Err: "model exploded"}
	waitDone(t, s)

	conv, _ := reg.Get(id)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, FailureNotice, conv.Messages[1].Content)
	assert.False(t, reg.HasPendingReply(id))
}

func TestSend_EventsAfterTerminalAreIgnored(t *testing.T) {
	c, reg, fb := newTestController(t)
	id := reg.ActiveID()
	stream := fb.queueStream()

	s, err := c.Send(context.Background(), id, "q")
	require.NoError(t, err)

	stream <- content("final")
	stream <- backend.StreamEvent{Type: backend.EventDone}
	// Buffered past the terminal event; must never be applied.
	stream <- content(" ghost")
	stream <- backend.StreamEvent{Type: backend.EventError, Err: "late"}
	waitDone(t, s)

	time.Sleep(50 * time.Millisecond)
	conv, _ := reg.Get(id)
	assert.Equal(t, "final", conv.Messages[1].Content)
}

func TestSend_StreamClosedWithoutTerminalFails(t *testing.T) {
	c, reg, fb := newTestController(t)
	id := reg.ActiveID()
	stream := fb.queueStream()

	s, err := c.Send(context.Background(), id, "q")
	require.NoError(t, err)

	stream <- content("half a rep")
	close(stream)
	waitDone(t, s)

	conv, _ := reg.Get(id)
	assert.Equal(t, FailureNotice, conv.Messages[1].Content)
}

func TestSend_OpenFailureFailsPlaceholder(t *testing.T) {
	c, reg, fb := newTestController(t)
	id := reg.ActiveID()
	fb.openErr = errors.New("connection refused")

	_, err := c.Send(context.Background(), id, "q")
	require.Error(t, err)

	conv, _ := reg.Get(id)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, FailureNotice, conv.Messages[1].Content)
	assert.False(t, reg.HasPendingReply(id))
	assert.False(t, c.Streaming(id))
}

func TestSend_RefusedWhileReplyInFlight(t *testing.T) {
	c, reg, fb := newTestController(t)
	id := reg.ActiveID()
	stream := fb.queueStream()

	s, err := c.Send(context.Background(), id, "first")
	require.NoError(t, err)

	_, err = c.Send(context.Background(), id, "second")
	assert.ErrorIs(t, err, store.ErrTurnInFlight)

	// The refused send must not have touched the conversation.
	conv, _ := reg.Get(id)
	assert.Len(t, conv.Messages, 2)

	stream <- backend.StreamEvent{Type: backend.EventDone}
	waitDone(t, s)

	// Once the turn is over a new send goes through. The session is
	// unregistered by a goroutine, so give it a moment.
	require.Eventually(t, func() bool { return !c.Streaming(id) }, 2*time.Second, 5*time.Millisecond)
	fb.queueStream()
	s2, err := c.Send(context.Background(), id, "second")
	require.NoError(t, err)
	c.CancelChat(id)
	waitDone(t, s2)
}

func TestSend_RoutesBySessionConversationNotSelection(t *testing.T) {
	c, reg, fb := newTestController(t)
	first := reg.ActiveID()
	stream := fb.queueStream()

	s, err := c.Send(context.Background(), first, "q")
	require.NoError(t, err)

	// The user wanders off to another conversation mid-stream.
	other := c.NewChat()
	require.Equal(t, other.ID, reg.ActiveID())

	stream <- content("landed")
	stream <- backend.StreamEvent{Type: backend.EventDone}
	waitDone(t, s)

	conv, _ := reg.Get(first)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "landed", conv.Messages[1].Content)

	otherConv, _ := reg.Get(other.ID)
	assert.Empty(t, otherConv.Messages)
	assert.Equal(t, []string{first}, fb.streamedIDs())
}

func TestCancelChat_KeepsAccumulatedContent(t *testing.T) {
	c, reg, fb := newTestController(t)
	id := reg.ActiveID()
	stream := fb.queueStream()

	s, err := c.Send(context.Background(), id, "q")
	require.NoError(t, err)

	stream <- content("so far")
	require.Eventually(t, func() bool {
		conv, err := reg.Get(id)
		return err == nil && conv.Messages[1].Content == "so far"
	}, 2*time.Second, 5*time.Millisecond)

	c.CancelChat(id)
	waitDone(t, s)

	conv, _ := reg.Get(id)
	assert.Equal(t, "so far", conv.Messages[1].Content)
	assert.False(t, reg.HasPendingReply(id))
	assert.False(t, c.Streaming(id))
}

func TestDeleteChat_CancelsSessionAndReassignsSelection(t *testing.T) {
	c, reg, fb := newTestController(t)
	id := reg.ActiveID()
	fb.queueStream()

	s, err := c.Send(context.Background(), id, "q")
	require.NoError(t, err)

	require.NoError(t, c.DeleteChat(context.Background(), id))
	waitDone(t, s)

	_, err = reg.Get(id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NotEmpty(t, reg.ActiveID())
	assert.NotEqual(t, id, reg.ActiveID())
	assert.Equal(t, []string{id}, fb.clearedIDs())
	assert.False(t, c.Streaming(id))
}

func TestDeleteChat_BackendFailureStillDeletesLocally(t *testing.T) {
	c, reg, fb := newTestController(t)
	id := reg.ActiveID()
	fb.clearErr = errors.New("backend down")

	err := c.DeleteChat(context.Background(), id)

	require.Error(t, err)
	assert.ErrorIs(t, err, fb.clearErr)
	_, getErr := reg.Get(id)
	assert.ErrorIs(t, getErr, store.ErrNotFound)
}

func TestDeleteChat_UnknownConversation(t *testing.T) {
	c, _, fb := newTestController(t)

	err := c.DeleteChat(context.Background(), "nope")

	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, fb.clearedIDs())
}

func TestClearChat_EmptiesLocallyAndRemotely(t *testing.T) {
	c, reg, fb := newTestController(t)
	id := reg.ActiveID()
	require.NoError(t, reg.AppendMessage(id, store.Message{Role: store.RoleHuman, Content: "hi"}))

	require.NoError(t, c.ClearChat(context.Background(), id))

	conv, err := reg.Get(id)
	require.NoError(t, err)
	assert.Empty(t, conv.Messages)
	assert.Equal(t, []string{id}, fb.clearedIDs())
}

func TestClearChat_EmptyConversationStillCallsBackend(t *testing.T) {
	c, reg, fb := newTestController(t)
	id := reg.ActiveID()

	require.NoError(t, c.ClearChat(context.Background(), id))

	// Local no-op, but the backend erase is attempted regardless.
	assert.Equal(t, []string{id}, fb.clearedIDs())
}

func TestClearChat_BackendFailureStillClearsLocally(t *testing.T) {
	c, reg, fb := newTestController(t)
	id := reg.ActiveID()
	require.NoError(t, reg.AppendMessage(id, store.Message{Role: store.RoleHuman, Content: "hi"}))
	fb.clearErr = errors.New("backend down")

	err := c.ClearChat(context.Background(), id)

	require.Error(t, err)
	conv, getErr := reg.Get(id)
	require.NoError(t, getErr)
	assert.Empty(t, conv.Messages)
}

func TestClearChat_DiscardsInFlightReply(t *testing.T) {
	c, reg, fb := newTestController(t)
	id := reg.ActiveID()
	stream := fb.queueStream()

	s, err := c.Send(context.Background(), id, "q")
	require.NoError(t, err)

	stream <- content("doomed")
	require.NoError(t, c.ClearChat(context.Background(), id))
	waitDone(t, s)

	// The cleared conversation stays empty; the abandoned reply never
	// resurfaces.
	time.Sleep(50 * time.Millisecond)
	conv, _ := reg.Get(id)
	assert.Empty(t, conv.Messages)
	assert.False(t, reg.HasPendingReply(id))
}

func TestNewChat_SelectsTheFreshConversation(t *testing.T) {
	c, reg, _ := newTestController(t)
	before := reg.ActiveID()

	conv := c.NewChat()

	assert.NotEqual(t, before, conv.ID)
	assert.Equal(t, conv.ID, reg.ActiveID())
	assert.Equal(t, 2, reg.Len())
}

func TestExportChat_WritesTranscript(t *testing.T) {
	c, reg, _ := newTestController(t)
	id := reg.ActiveID()
	require.NoError(t, reg.AppendMessage(id, store.Message{Role: store.RoleHuman, Content: "hi"}))
	require.NoError(t, reg.AppendMessage(id, store.Message{Role: store.RoleAssistant, Content: "hello"}))

	path := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, c.ExportChat(id, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hi")
	assert.Contains(t, string(data), "hello")
}

func TestExportChat_EmptyConversationWritesNothing(t *testing.T) {
	c, reg, _ := newTestController(t)
	id := reg.ActiveID()

	path := filepath.Join(t.TempDir(), "out.txt")
	err := c.ExportChat(id, path)

	require.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
