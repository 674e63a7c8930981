// Package backend drives the external agent process and decodes its
// stream-json output into a closed set of typed events.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Event is one decoded backend event. The concrete types below are the
// only implementations.
type Event interface {
	isEvent()
}

// SystemInit announces the backend's own session id.
type SystemInit struct {
	SessionID string
	Model     string
	CWD       string
}

// Delta kinds carried by StreamDelta.
const (
	DeltaText      = "text_delta"
	DeltaInputJSON = "input_json_delta"
)

// StreamDelta is an incremental content-block update.
type StreamDelta struct {
	Kind        string
	Index       int
	Text        string
	PartialJSON string
}

// Block kinds carried by BlockStart.
const (
	BlockText     = "text"
	BlockToolUse  = "tool_use"
	BlockThinking = "thinking"
)

// BlockStart opens a content block. ID and Name are set for tool_use.
type BlockStart struct {
	Kind  string
	Index int
	ID    string
	Name  string
}

// ToolResult is a single tool_result block. Content is either a JSON
// string or an array of content blocks.
type ToolResult struct {
	ToolUseID string
	Content   json.RawMessage
	IsError   bool
}

// UserMessage is a complete user-role message echoed by the backend;
// only its tool results matter downstream.
type UserMessage struct {
	ToolResults []ToolResult
}

// Result terminates a run.
type Result struct {
	Subtype    string
	Text       string
	CostUSD    float64
	DurationMS int64
	NumTurns   int
	SessionID  string
	IsError    bool
}

// PermissionRequest asks whether a tool invocation may proceed.
type PermissionRequest struct {
	RequestID string
	ToolName  string
	ToolUseID string
	Input     json.RawMessage
}

// Unrecognized preserves anything else verbatim.
type Unrecognized struct {
	Type string
	Raw  json.RawMessage
}

func (SystemInit) isEvent()        {}
func (StreamDelta) isEvent()       {}
func (BlockStart) isEvent()        {}
func (UserMessage) isEvent()       {}
func (Result) isEvent()            {}
func (PermissionRequest) isEvent() {}
func (Unrecognized) isEvent()      {}

// Request starts one backend run. ResumeID continues an earlier backend
// session; otherwise SessionID, when set, is assigned to the new one.
type Request struct {
	Prompt         string
	ResumeID       string
	SessionID      string
	PermissionMode string
	WorkDir        string
}

// Decision answers a PermissionRequest.
type Decision struct {
	Allow        bool
	Message      string
	UpdatedInput json.RawMessage
}

type Backend interface {
	Open(ctx context.Context, req Request) (Stream, error)
}

// Stream yields the events of one run. Next returns io.EOF once the
// backend has nothing more to say.
type Stream interface {
	Next(ctx context.Context) (Event, error)
	Respond(ctx context.Context, requestID string, decision Decision) error
	Close() error
}

var ErrMalformed = errors.New("malformed backend event")

type envelope struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Model     string          `json:"model"`
	CWD       string          `json:"cwd"`
	Event     json.RawMessage `json:"event"`
	Message   json.RawMessage `json:"message"`
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`

	Result       string  `json:"result"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
	IsError      bool    `json:"is_error"`
}

type streamEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type userMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type controlRequest struct {
	Subtype   string          `json:"subtype"`
	ToolName  string          `json:"tool_name"`
	ToolUseID string          `json:"tool_use_id"`
	Input     json.RawMessage `json:"input"`
}

// Decode maps one stream-json line to an Event.
func Decode(line []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	raw := json.RawMessage(append([]byte(nil), line...))

	switch env.Type {
	case "system":
		if env.Subtype != "init" {
			return Unrecognized{Type: "system/" + env.Subtype, Raw: raw}, nil
		}
		return SystemInit{SessionID: env.SessionID, Model: env.Model, CWD: env.CWD}, nil

	case "stream_event":
		return decodeStreamEvent(env.Event, raw)

	case "user":
		return decodeUserMessage(env.Message)

	case "result":
		return Result{
			Subtype:    env.Subtype,
			Text:       env.Result,
			CostUSD:    env.TotalCostUSD,
			DurationMS: env.DurationMS,
			NumTurns:   env.NumTurns,
			SessionID:  env.SessionID,
			IsError:    env.IsError,
		}, nil

	case "control_request":
		var req controlRequest
		if err := json.Unmarshal(env.Request, &req); err != nil {
			return nil, fmt.Errorf("%w: control request: %v", ErrMalformed, err)
		}
		if req.Subtype != "can_use_tool" {
			return Unrecognized{Type: "control_request/" + req.Subtype, Raw: raw}, nil
		}
		return PermissionRequest{
			RequestID: env.RequestID,
			ToolName:  req.ToolName,
			ToolUseID: req.ToolUseID,
			Input:     req.Input,
		}, nil

	default:
		return Unrecognized{Type: env.Type, Raw: raw}, nil
	}
}

func decodeStreamEvent(data, raw json.RawMessage) (Event, error) {
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: stream event: %v", ErrMalformed, err)
	}
	switch ev.Type {
	case "content_block_delta":
		return StreamDelta{
			Kind:        ev.Delta.Type,
			Index:       ev.Index,
			Text:        ev.Delta.Text,
			PartialJSON: ev.Delta.PartialJSON,
		}, nil
	case "content_block_start":
		return BlockStart{
			Kind:  ev.ContentBlock.Type,
			Index: ev.Index,
			ID:    ev.ContentBlock.ID,
			Name:  ev.ContentBlock.Name,
		}, nil
	default:
		return Unrecognized{Type: "stream_event/" + ev.Type, Raw: raw}, nil
	}
}

func decodeUserMessage(data json.RawMessage) (Event, error) {
	var msg userMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: user message: %v", ErrMalformed, err)
	}
	// Plain string content carries no blocks.
	var blocks []contentBlock
	if len(msg.Content) > 0 && msg.Content[0] == '[' {
		if err := json.Unmarshal(msg.Content, &blocks); err != nil {
			return nil, fmt.Errorf("%w: user content: %v", ErrMalformed, err)
		}
	}
	out := UserMessage{}
	for _, block := range blocks {
		if block.Type != "tool_result" {
			continue
		}
		out.ToolResults = append(out.ToolResults, ToolResult{
			ToolUseID: block.ToolUseID,
			Content:   block.Content,
			IsError:   block.IsError,
		})
	}
	return out, nil
}
