// ABOUTME: SSE consumer for the backend's streaming chat endpoint
// ABOUTME: Parses event:/data: line pairs into typed StreamEvents on a channel

package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// eventBufferSize is the channel buffer for stream events.
const eventBufferSize = 16

// streamIdleTimeout bounds the silence between stream events. A reply
// that stalls past this is treated as a severed stream.
const streamIdleTimeout = 2 * time.Minute

// EventType identifies the kind of a streamed chat event.
type EventType string

const (
	// EventContent carries one text delta of the assistant reply.
	EventContent EventType = "content"
	// EventDone marks the reply complete. No events follow it.
	EventDone EventType = "done"
	// EventError terminates the reply with a failure. Transport errors
	// and malformed payloads are surfaced as this type too.
	EventError EventType = "error"
)

// StreamEvent is one typed event from the chat stream.
type StreamEvent struct {
	Type    EventType
	Content string // delta text, set for EventContent
	Err     string // failure description, set for EventError
}

// chatRequest is the JSON body sent to POST /chat.
type chatRequest struct {
	Message string `json:"message"`
	ChatID  string `json:"chat_id"`
}

// contentPayload is the data of a content event.
type contentPayload struct {
	Content string `json:"content"`
}

// errorPayload is the data of an error event.
type errorPayload struct {
	Error string `json:"error"`
}

// StreamChat sends one user message for one chat id and returns a
// channel of typed events for the assistant reply. The channel is
// closed after the first terminal event (done or error) or when ctx is
// cancelled. Events are delivered in the order the server sent them.
func (c *Client) StreamChat(ctx context.Context, message, chatID string) (<-chan StreamEvent, error) {
	body, err := json.Marshal(chatRequest{Message: message, ChatID: chatID})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	// The shared client enforces a whole-request timeout, which would
	// sever long replies mid-stream. Streaming relies on ctx instead.
	streamClient := &http.Client{Transport: c.http.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opening chat stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			var errResp map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
				if msg, ok := errResp["error"]; ok {
					return nil, fmt.Errorf("%s", msg)
				}
			}
		}
		return nil, fmt.Errorf("chat returned status %d", resp.StatusCode)
	}

	events := make(chan StreamEvent, eventBufferSize)
	go c.consumeSSE(ctx, resp.Body, events)
	return events, nil
}

// consumeSSE scans the response body for SSE frames and emits typed
// events. It stops at the first terminal event: anything the server
// sends after done or error is not read.
func (c *Client) consumeSSE(ctx context.Context, body io.ReadCloser, events chan<- StreamEvent) {
	defer close(events)
	defer body.Close()

	// Closing the body unblocks the scanner if the server goes silent.
	idle := time.AfterFunc(streamIdleTimeout, func() { body.Close() })
	defer idle.Stop()

	scanner := bufio.NewScanner(body)

	var eventType string
	var dataLines []string

	emit := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		idle.Reset(streamIdleTimeout)
		line := scanner.Text()

		// Empty line ends the current frame.
		if line == "" {
			if eventType == "" && len(dataLines) == 0 {
				continue
			}
			ev, terminal := parseEvent(eventType, strings.Join(dataLines, "\n"))
			eventType = ""
			dataLines = nil
			if !emit(ev) || terminal {
				return
			}
			continue
		}

		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		}
		// Comment and unknown SSE fields are ignored.
	}

	// The server went away without a terminal event.
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.logger.Warn("chat stream severed", "error", err)
		emit(StreamEvent{Type: EventError, Err: fmt.Sprintf("reading stream: %v", err)})
		return
	}
	if ctx.Err() == nil {
		emit(StreamEvent{Type: EventError, Err: "stream ended before the reply completed"})
	}
}

// parseEvent converts one SSE frame into a StreamEvent. Malformed
// payloads and unknown event types become error events, which are
// terminal. The second return reports whether the event is terminal.
func parseEvent(eventType, data string) (StreamEvent, bool) {
	switch eventType {
	case string(EventContent):
		var payload contentPayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return StreamEvent{Type: EventError, Err: fmt.Sprintf("malformed content event: %v", err)}, true
		}
		return StreamEvent{Type: EventContent, Content: payload.Content}, false

	case string(EventDone):
		return StreamEvent{Type: EventDone}, true

	case string(EventError):
		var payload errorPayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return StreamEvent{Type: EventError, Err: fmt.Sprintf("malformed error event: %v", err)}, true
		}
		if payload.Error == "" {
			payload.Error = "backend reported an error"
		}
		return StreamEvent{Type: EventError, Err: payload.Error}, true

	default:
		return StreamEvent{Type: EventError, Err: fmt.Sprintf("unknown event type %q", eventType)}, true
	}
}
