package livetail

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// StreamEvent - A query log record as emitted by the server
type StreamEvent struct {
	Time      string  `json:"time"`
	ClientIP  string  `json:"client_ip"`
	Question  string  `json:"question"`
	QType     string  `json:"qtype"`
	Status    string  `json:"status"`
	Reason    *string `json:"reason,omitempty"`
	ElapsedMs *int64  `json:"elapsed_ms,omitempty"`
}

// LiveEntry - A parsed StreamEvent, tagged with its arrival order
//
// The server assigns no identifier to events, so Key is synthesized from the
// event time, the question and the arrival index. It is only meant to tell
// entries apart for display.
type LiveEntry struct {
	StreamEvent
	Key string `json:"_key"`
	Seq uint64 `json:"seq"`
}

// Timestamp parses the RFC 3339 time of the event.
func (event *StreamEvent) Timestamp() (time.Time, bool) {
	ts, err := time.Parse(time.RFC3339Nano, event.Time)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// ParseStreamEvent decodes a single inbound message. The payload must be a
// JSON object with at least a question.
func ParseStreamEvent(raw []byte) (StreamEvent, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return StreamEvent{}, fmt.Errorf("%w: empty payload", ErrMalformedMessage)
	}
	var event *StreamEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return StreamEvent{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if event == nil {
		return StreamEvent{}, fmt.Errorf("%w: null payload", ErrMalformedMessage)
	}
	if len(event.Question) == 0 {
		return StreamEvent{}, fmt.Errorf("%w: missing question", ErrMalformedMessage)
	}
	return *event, nil
}

func newLiveEntry(event StreamEvent, seq uint64) LiveEntry {
	return LiveEntry{
		StreamEvent: event,
		Key:         fmt.Sprintf("%s-%s-%d", event.Time, event.Question, seq),
		Seq:         seq,
	}
}
