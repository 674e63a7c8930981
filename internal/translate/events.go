// Package translate turns the raw backend event stream of one run into
// the outward client protocol.
package translate

import "encoding/json"

// Event is one outward protocol event. It marshals to a JSON object
// with a "type" discriminator.
type Event interface {
	Kind() string
}

type SessionInit struct {
	SessionID string `json:"session_id"`
}

type TextDelta struct {
	Content string `json:"content"`
}

// ToolUse announces a tool invocation. Input is always empty: the
// arguments are still streaming when the block opens.
type ToolUse struct {
	ToolID string          `json:"tool_id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input"`
}

type ToolResult struct {
	ToolID  string `json:"tool_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// Result ends a successful run. Cost is in USD, Duration in
// milliseconds.
type Result struct {
	Text     string  `json:"text"`
	Cost     float64 `json:"cost"`
	Duration int64   `json:"duration"`
	Turns    int     `json:"turns"`
}

// Error ends a failed run.
type Error struct {
	Message string `json:"message"`
}

func (SessionInit) Kind() string { return "session_init" }
func (TextDelta) Kind() string   { return "text_delta" }
func (ToolUse) Kind() string     { return "tool_use" }
func (ToolResult) Kind() string  { return "tool_result" }
func (Result) Kind() string      { return "result" }
func (Error) Kind() string       { return "error" }

func (e SessionInit) MarshalJSON() ([]byte, error) {
	type body SessionInit
	return json.Marshal(struct {
		Type string `json:"type"`
		body
	}{e.Kind(), body(e)})
}

func (e TextDelta) MarshalJSON() ([]byte, error) {
	type body TextDelta
	return json.Marshal(struct {
		Type string `json:"type"`
		body
	}{e.Kind(), body(e)})
}

func (e ToolUse) MarshalJSON() ([]byte, error) {
	type body ToolUse
	if len(e.Input) == 0 {
		e.Input = json.RawMessage(`{}`)
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		body
	}{e.Kind(), body(e)})
}

func (e ToolResult) MarshalJSON() ([]byte, error) {
	type body ToolResult
	return json.Marshal(struct {
		Type string `json:"type"`
		body
	}{e.Kind(), body(e)})
}

func (e Result) MarshalJSON() ([]byte, error) {
	type body Result
	return json.Marshal(struct {
		Type string `json:"type"`
		body
	}{e.Kind(), body(e)})
}

func (e Error) MarshalJSON() ([]byte, error) {
	type body Error
	return json.Marshal(struct {
		Type string `json:"type"`
		body
	}{e.Kind(), body(e)})
}
