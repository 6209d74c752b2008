// Package progress carries out-of-band session events to the in-progress view.
package progress

import "time"

// Event types delivered to listeners.
const (
	EventConnected      = "connected"
	EventStepChanged    = "step_changed"
	EventSessionStarted = "session_started"
	EventProgress       = "progress"
	EventError          = "error"
	EventNavigate       = "navigate"
	EventPong           = "pong"
)

// Event is a single message pushed to a wizard's listeners.
type Event struct {
	ID        int64     `json:"id,omitempty"`
	Type      string    `json:"type"`
	WizardID  string    `json:"wizard_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Step      *int      `json:"step,omitempty"`
	Progress  *int      `json:"progress,omitempty"`
	Status    string    `json:"status,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message,omitempty"`
	Navigate  string    `json:"navigate,omitempty"`
	Timestamp time.Time `json:"ts"`
}

func intPtr(v int) *int { return &v }
