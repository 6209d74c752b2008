// Package analysis provides clients for the remote analysis-start operation.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/insight-wizard/internal/domain"
)

// ErrEmptySessionID is returned when the service accepts a start request but
// does not assign a session id.
var ErrEmptySessionID = errors.New("analysis service returned empty session id")

// StartRequest is the payload of the analysis-start operation.
type StartRequest struct {
	ProjectName string                       `json:"project_name"`
	Scenario    string                       `json:"scenario"`
	Target      domain.Target                `json:"target"`
	Config      domain.AnalysisConfiguration `json:"config"`
}

// StartResponse carries the remote-assigned session id.
type StartResponse struct {
	SessionID string `json:"sessionId"`
}

// Starter invokes the remote analysis-start operation.
type Starter interface {
	StartAnalysis(ctx context.Context, req StartRequest) (*StartResponse, error)
}

// StartError is a start failure the service reported with a status.
type StartError struct {
	StatusCode int
	Message    string
}

func (e *StartError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("analysis start failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("analysis start failed with status %d: %s", e.StatusCode, e.Message)
}

// UserMessage converts a start failure into text safe to show in the UI.
func UserMessage(err error) string {
	var startErr *StartError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &startErr) && startErr.StatusCode >= 400 && startErr.StatusCode < 500 && startErr.Message != "":
		return "Analysis request rejected: " + startErr.Message
	case errors.Is(err, context.DeadlineExceeded):
		return "Analysis service did not respond in time, please retry"
	case errors.Is(err, ErrEmptySessionID):
		return "Analysis service did not return a session, please retry"
	default:
		return "Failed to start analysis, please retry"
	}
}

// targetPayload flattens a target into a JSON object for transports that need
// a generic map.
func targetPayload(t domain.Target) (map[string]any, error) {
	out := map[string]any{}
	if t == nil {
		return out, nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode target: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode target: %w", err)
	}
	return out, nil
}
