package progress

import (
	"context"
	"testing"

	"github.com/ashureev/insight-wizard/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _ := hub.Subscribe(ctx, "w1")
	n := NewNotifier(hub)

	hub.PublishSession("S1", Event{Type: EventProgress, Progress: intPtr(3)})

	n.StepChanged("w1", domain.StepInProgress)
	ev := recv(t, events)
	assert.Equal(t, EventStepChanged, ev.Type)
	require.NotNil(t, ev.Step)
	assert.Equal(t, 2, *ev.Step)
	assert.Equal(t, "in_progress", ev.Stage)

	n.SessionStarted("w1", &domain.Session{SessionID: "S1", Status: domain.SessionRunning})
	ev = recv(t, events)
	assert.Equal(t, EventSessionStarted, ev.Type)
	assert.Equal(t, "S1", ev.SessionID)
	assert.Equal(t, 0, *ev.Progress)

	held := recv(t, events)
	assert.Equal(t, EventProgress, held.Type, "held event follows session_started")
	assert.Equal(t, 3, *held.Progress)

	n.NotifyError("w1", "Failed to start analysis, please retry")
	ev = recv(t, events)
	assert.Equal(t, EventError, ev.Type)
	assert.Equal(t, "Failed to start analysis, please retry", ev.Message)

	n.Navigate("w1", domain.Navigation{Destination: "report", Path: "/analysis/report"})
	ev = recv(t, events)
	assert.Equal(t, EventNavigate, ev.Type)
	assert.Equal(t, "/analysis/report", ev.Navigate)
}
