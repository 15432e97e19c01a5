// ABOUTME: Tests for transcript export
// ABOUTME: Covers plain text, HTML with markdown rendering, and the empty guard

package export

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandline/parley/internal/store"
)

func sampleConversation() *store.Conversation {
	ts := time.Date(2026, 8, 30, 14, 30, 5, 0, time.UTC)
	return &store.Conversation{
		ID: "abcdef1234567890",
		Messages: []store.Message{
			{Role: store.RoleHuman, Content: "What is Go?", Timestamp: ts},
			{Role: store.RoleAssistant, Content: "Go is a **compiled** language.", Timestamp: ts.Add(time.Second)},
		},
	}
}

func TestText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Text(sampleConversation(), &buf))

	out := buf.String()
	assert.Contains(t, out, "You  (Aug 30, 2026 2:30:05 PM)")
	assert.Contains(t, out, "What is Go?")
	assert.Contains(t, out, "Assistant  (Aug 30, 2026 2:30:06 PM)")
	assert.Contains(t, out, "Go is a **compiled** language.")
}

func TestText_EmptyConversation(t *testing.T) {
	var buf bytes.Buffer
	err := Text(&store.Conversation{ID: "x"}, &buf)

	assert.ErrorIs(t, err, ErrEmptyConversation)
	assert.Zero(t, buf.Len())
}

func TestHTML_RendersAssistantMarkdown(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, HTML(sampleConversation(), &buf))

	out := buf.String()
	assert.Contains(t, out, "<title>What is Go?</title>")
	assert.Contains(t, out, "<strong>compiled</strong>")
	// The human message is escaped, never rendered.
	assert.Contains(t, out, "<p>What is Go?</p>")
}

func TestHTML_EscapesHumanInput(t *testing.T) {
	conv := &store.Conversation{
		ID: "x",
		Messages: []store.Message{
			{Role: store.RoleHuman, Content: "<script>alert(1)</script>", Timestamp: time.Now()},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, HTML(conv, &buf))

	out := buf.String()
	assert.NotContains(t, out, "<script>")
	assert.Contains(t, out, "&lt;script&gt;")
}

func TestFile_PicksFormatByExtension(t *testing.T) {
	dir := t.TempDir()

	htmlPath := filepath.Join(dir, "out.HTML")
	require.NoError(t, File(sampleConversation(), htmlPath))
	data, err := os.ReadFile(htmlPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<!DOCTYPE html>")

	txtPath := filepath.Join(dir, "out.txt")
	require.NoError(t, File(sampleConversation(), txtPath))
	data, err = os.ReadFile(txtPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "<!DOCTYPE html>")
}

func TestFile_EmptyConversationLeavesNoFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")

	err := File(&store.Conversation{ID: "x"}, path)

	assert.ErrorIs(t, err, ErrEmptyConversation)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDefaultFilename(t *testing.T) {
	conv := &store.Conversation{ID: "abcdef1234567890"}
	now := time.Date(2026, 8, 30, 14, 30, 5, 0, time.UTC)

	assert.Equal(t, "conversation-abcdef12-20260830-143005.txt", DefaultFilename(conv, now))
}
