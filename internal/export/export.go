// ABOUTME: Conversation transcript export as plain text or HTML
// ABOUTME: Pure local reads of the registry, no backend involvement

package export

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/strandline/parley/internal/store"
)

// ErrEmptyConversation is returned when a transcript is requested for
// a conversation with no messages. No file is produced in that case.
var ErrEmptyConversation = errors.New("conversation has no messages to export")

// timestampFormat renders message times for humans.
const timestampFormat = "Jan 2, 2006 3:04:05 PM"

// label returns the transcript heading for a role.
func label(role store.Role) string {
	if role == store.RoleHuman {
		return "You"
	}
	return "Assistant"
}

// Text writes a plain-text transcript, one section per message.
func Text(conv *store.Conversation, w io.Writer) error {
	if len(conv.Messages) == 0 {
		return ErrEmptyConversation
	}

	for i, msg := range conv.Messages {
		if i > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		header := fmt.Sprintf("%s  (%s)", label(msg.Role), msg.Timestamp.Format(timestampFormat))
		if _, err := fmt.Fprintf(w, "%s\n%s\n%s\n", header, strings.Repeat("-", len(header)), msg.Content); err != nil {
			return err
		}
	}
	return nil
}

// HTML writes an HTML transcript with assistant markdown rendered.
func HTML(conv *store.Conversation, w io.Writer) error {
	if len(conv.Messages) == 0 {
		return ErrEmptyConversation
	}

	title := html.EscapeString(conv.Title())
	if _, err := fmt.Fprintf(w, "<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"><title>%s</title></head>\n<body>\n<h1>%s</h1>\n", title, title); err != nil {
		return err
	}

	for _, msg := range conv.Messages {
		if _, err := fmt.Fprintf(w, "<section>\n<h2>%s <small>%s</small></h2>\n",
			label(msg.Role), msg.Timestamp.Format(timestampFormat)); err != nil {
			return err
		}

		if msg.Role == store.RoleAssistant {
			var buf bytes.Buffer
			if err := goldmark.Convert([]byte(msg.Content), &buf); err != nil {
				return fmt.Errorf("rendering markdown: %w", err)
			}
			if _, err := w.Write(buf.Bytes()); err != nil {
				return err
			}
		} else {
			if _, err := fmt.Fprintf(w, "<p>%s</p>\n", html.EscapeString(msg.Content)); err != nil {
				return err
			}
		}

		if _, err := fmt.Fprint(w, "</section>\n"); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "</body>\n</html>\n")
	return err
}

// File writes a transcript to path, picking the format by extension
// (.html or .htm for HTML, anything else plain text). The empty
// conversation check runs before the file is created, so a failed
// export leaves nothing behind.
func File(conv *store.Conversation, path string) error {
	if len(conv.Messages) == 0 {
		return ErrEmptyConversation
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating export file: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		err = HTML(conv, f)
	default:
		err = Text(conv, f)
	}
	if err != nil {
		return err
	}
	return f.Close()
}

// DefaultFilename suggests a transcript filename for a conversation.
func DefaultFilename(conv *store.Conversation, now time.Time) string {
	return fmt.Sprintf("conversation-%s-%s.txt", shortID(conv.ID), now.Format("20060102-150405"))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
