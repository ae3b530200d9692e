// Package bus carries the event stream from one chat turn to its SSE
// subscriber.
package bus

import (
	"encoding/json"
	"sync"
)

// Event names emitted during a chat turn.
const (
	EventToken         = "token"
	EventToolStarted   = "tool_started"
	EventToolCompleted = "tool_completed"
	EventFinal         = "final"
	EventError         = "error"
)

// previewLimit caps tool payload previews inside stream events.
const previewLimit = 320

// Event is one frame of the chat event stream.
type Event struct {
	Type    string                 `json:"type"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Content string                 `json:"content,omitempty"`
}

// Stream is a single-turn event channel. Publishing never blocks the
// producer; a slow consumer loses intermediate frames, never the
// terminal one.
type Stream struct {
	ch chan Event

	mu       sync.Mutex
	closed   bool
	terminal bool
}

// NewStream returns a stream with the given buffer capacity.
func NewStream(capacity int) *Stream {
	if capacity <= 0 {
		capacity = 256
	}
	return &Stream{ch: make(chan Event, capacity)}
}

// Publish enqueues an event. Terminal events (final, error) close the
// stream; anything published after a terminal event is dropped.
func (s *Stream) Publish(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.terminal {
		return
	}
	if event.Type == EventFinal || event.Type == EventError {
		s.terminal = true
		// The terminal frame must arrive even when the buffer is full:
		// drop the oldest frame until it fits.
		for {
			select {
			case s.ch <- event:
				close(s.ch)
				s.closed = true
				return
			default:
				select {
				case <-s.ch:
				default:
				}
			}
		}
	}
	select {
	case s.ch <- event:
	default:
	}
}

// Events returns the receive side of the stream. The channel closes
// after the terminal event.
func (s *Stream) Events() <-chan Event { return s.ch }

// Close ends the stream without a terminal event. Idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		close(s.ch)
		s.closed = true
		s.terminal = true
	}
}

// Encode renders the event as one SSE frame.
func (e Event) Encode() string {
	data, err := json.Marshal(e)
	if err != nil {
		return "data: {\"type\":\"error\",\"content\":\"encode failure\"}\n\n"
	}
	return "data: " + string(data) + "\n\n"
}

// StopSentinel is the frame sent after the terminal event so plain-text
// consumers know the stream is over.
const StopSentinel = "data: stop\n\n"

// TruncatePreview caps a string for inclusion in stream events. Long
// values end in a single ellipsis rune.
func TruncatePreview(s string) string {
	runes := []rune(s)
	if len(runes) <= previewLimit {
		return s
	}
	return string(runes[:previewLimit]) + "…"
}
