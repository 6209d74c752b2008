package domain

import (
	"encoding/json"
	"net/url"
	"time"
)

// SessionStatus is the lifecycle state of a remote analysis session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionRunning, SessionCompleted, SessionFailed:
		return true
	}
	return false
}

// Terminal reports whether no further progress is expected.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// Session is the persisted record of one analysis run. SessionID is always
// assigned by the remote analysis service.
type Session struct {
	SessionID     string                `json:"session_id"`
	OwnerID       string                `json:"owner_id,omitempty"`
	ProjectName   string                `json:"project_name"`
	ScenarioID    string                `json:"scenario"`
	Target        json.RawMessage       `json:"target"`
	Configuration AnalysisConfiguration `json:"config"`
	Status        SessionStatus         `json:"status"`
	Progress      int                   `json:"progress"`
	CurrentStep   int                   `json:"current_step"`
	StartedAt     time.Time             `json:"started_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// ClampProgress bounds p to 0..100.
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// ViewReport is the completion intent that opens the full report.
const ViewReport = "report"

// CompletionResult is emitted by the in-progress view when a run reaches a
// terminal state or the user picks a follow-up action.
type CompletionResult struct {
	View      string        `json:"view"`
	SessionID string        `json:"session_id,omitempty"`
	Status    SessionStatus `json:"status,omitempty"`
}

// Navigation is a named destination handed to the client-side router.
type Navigation struct {
	Destination string     `json:"destination"`
	Path        string     `json:"path"`
	Query       url.Values `json:"query"`
}

// URL renders the navigation as a relative URL.
func (n Navigation) URL() string {
	if len(n.Query) == 0 {
		return n.Path
	}
	return n.Path + "?" + n.Query.Encode()
}
