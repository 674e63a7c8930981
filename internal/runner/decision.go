package runner

import (
	"bytes"
	"encoding/json"
	"strings"

	"agentrelay/internal/backend"
	"agentrelay/internal/registry"
)

const (
	OptionAllow = "allow"
	OptionDeny  = "deny"

	maxDescriptionBytes = 2000
)

var allowWords = map[string]bool{
	"allow":    true,
	"allowed":  true,
	"approve":  true,
	"approved": true,
	"yes":      true,
	"y":        true,
	"ok":       true,
}

// ParseDecision interprets a human response to a permission request.
// Accepted shapes are a string ("allow", "deny", or free text that is
// relayed to the agent as the denial reason), a boolean, or an object
// with "behavior", "allow" or "approved" plus optional "message" and
// "updatedInput". Anything unrecognised denies.
func ParseDecision(resp registry.Response) backend.Decision {
	raw := bytes.TrimSpace(resp)
	if len(raw) == 0 {
		return backend.Decision{}
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		word := strings.ToLower(strings.TrimSpace(s))
		switch {
		case allowWords[word]:
			return backend.Decision{Allow: true}
		case word == OptionDeny || word == "no" || word == "":
			return backend.Decision{}
		default:
			return backend.Decision{Message: strings.TrimSpace(s)}
		}
	}

	var b bool
	if json.Unmarshal(raw, &b) == nil {
		return backend.Decision{Allow: b}
	}

	var obj struct {
		Behavior     string          `json:"behavior"`
		Allow        *bool           `json:"allow"`
		Approved     *bool           `json:"approved"`
		Message      string          `json:"message"`
		UpdatedInput json.RawMessage `json:"updatedInput"`
	}
	if json.Unmarshal(raw, &obj) != nil {
		return backend.Decision{}
	}
	d := backend.Decision{Message: obj.Message}
	switch {
	case obj.Behavior != "":
		d.Allow = allowWords[strings.ToLower(obj.Behavior)]
	case obj.Allow != nil:
		d.Allow = *obj.Allow
	case obj.Approved != nil:
		d.Allow = *obj.Approved
	}
	if d.Allow && len(obj.UpdatedInput) > 0 && string(obj.UpdatedInput) != "null" {
		d.UpdatedInput = obj.UpdatedInput
	}
	return d
}

// describeInput renders tool input for display, indented and capped.
func describeInput(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, input, "", "  "); err != nil {
		buf.Reset()
		buf.Write(input)
	}
	if buf.Len() > maxDescriptionBytes {
		return string(bytes.ToValidUTF8(buf.Bytes()[:maxDescriptionBytes], nil)) + "..."
	}
	return buf.String()
}
