package registry

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an agent session.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusRunning     Status = "running"
	StatusWaitingUser Status = "waiting_user"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// ActionType classifies what a pending action asks the human for.
type ActionType string

const (
	ActionApprovalRequired ActionType = "approval_required"
	ActionQuestion         ActionType = "question"
	ActionError            ActionType = "error"
)

// PendingAction is a blocking request for human input. Options, when
// present, lists the allowed answers in display order.
type PendingAction struct {
	ID          string     `json:"id"`
	Type        ActionType `json:"type"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Options     []string   `json:"options,omitempty"`
}

func (a PendingAction) clone() *PendingAction {
	if len(a.Options) > 0 {
		a.Options = append([]string(nil), a.Options...)
	}
	return &a
}

// Response is the human's answer to a pending action, passed through
// to the agent backend untouched.
type Response = json.RawMessage

// State is a point-in-time snapshot of one session.
type State struct {
	SessionID       string         `json:"session_id"`
	Status          Status         `json:"status"`
	PendingAction   *PendingAction `json:"pending_action"`
	ProgressMessage string         `json:"progress_message,omitempty"`
	LastActivity    time.Time      `json:"last_activity"`

	// Seq orders the transitions of the registry; a later transition
	// always carries a larger value.
	Seq uint64 `json:"-"`
}

// StateUpdate carries a partial update for UpdateState. Nil fields are
// left untouched. Pending actions are not part of it: they are only
// installed and cleared through Await and SubmitResponse.
type StateUpdate struct {
	Status          *Status
	ProgressMessage *string
}

// consistent reports whether the waiting-user invariant holds.
func (s State) consistent() bool {
	return (s.Status == StatusWaitingUser) == (s.PendingAction != nil)
}
