// Package agent drives an agent subprocess over its NDJSON streaming
// protocol and records its conversation turns and token usage into the
// store.
package agent

import (
	"bufio"
	"encoding/json"
)

// ContentBlock mirrors one block of an agent message: text, a tool
// invocation, or a tool result. Input and Content are left as opaque
// JSON since the daemon only ever stores or forwards them, never
// interprets their shape.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// Usage is the token accounting nested inside an assistant event's
// message field.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
}

// AssistantMessage is the message field of an `assistant` StreamEvent.
type AssistantMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
	Usage   Usage          `json:"usage"`
}

// StreamEvent is one parsed NDJSON line from the agent's
// `--output-format stream-json` stream. Message and Result are left
// opaque where their shape varies by event type.
type StreamEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Errors    []string        `json:"errors,omitempty"`

	Usage *Usage `json:"usage,omitempty"`
}

// maxLineBytes bounds a single NDJSON line, matching the streaming
// reference this protocol is modeled on.
const maxLineBytes = 1024 * 1024

// EventHandler is called once per parsed StreamEvent as it arrives.
// Returning an error stops the scan.
type EventHandler func(StreamEvent) error

// ScanEvents reads NDJSON lines from r, parsing each into a StreamEvent
// and invoking handle. Malformed lines are skipped rather than aborting
// the whole stream, since one bad line from a misbehaving agent should
// not lose the rest of a session's history.
func ScanEvents(r interface {
	Read(p []byte) (int, error)
}, handle EventHandler) error {
	return ScanEventsWithRaw(r, handle, nil)
}

// ScanEventsWithRaw behaves like ScanEvents but additionally invokes
// onRaw with the verbatim line text whenever a non-empty line fails to
// parse as a StreamEvent, letting the caller record it as a diagnostic
// log line instead of silently discarding it.
func ScanEventsWithRaw(r interface {
	Read(p []byte) (int, error)
}, handle EventHandler, onRaw func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, maxLineBytes), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event StreamEvent
		if err := json.Unmarshal(line, &event); err != nil {
			if onRaw != nil {
				onRaw(string(line))
			}
			continue
		}
		if err := handle(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ParseAssistantMessage decodes the Message field of an `assistant`
// event into its content blocks and usage.
func ParseAssistantMessage(raw json.RawMessage) (AssistantMessage, error) {
	var msg AssistantMessage
	if len(raw) == 0 {
		return msg, nil
	}
	err := json.Unmarshal(raw, &msg)
	return msg, err
}

// EstimateTokens approximates a token count from raw text as
// ceil(utf8_byte_length / 4), the heuristic used consistently wherever
// a message lacks an authoritative usage count.
func EstimateTokens(text string) int {
	n := len(text)
	return (n + 3) / 4
}
