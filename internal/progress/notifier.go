package progress

import (
	"github.com/ashureev/insight-wizard/internal/domain"
)

// Notifier publishes launch and routing outcomes through a Hub.
type Notifier struct {
	hub *Hub
}

// NewNotifier creates a hub-backed notifier.
func NewNotifier(hub *Hub) *Notifier {
	return &Notifier{hub: hub}
}

// StepChanged tells listeners the wizard moved to step.
func (n *Notifier) StepChanged(wizardID string, step domain.WizardStep) {
	n.hub.Publish(wizardID, Event{Type: EventStepChanged, Step: intPtr(int(step)), Stage: step.String()})
}

// SessionStarted binds the session to the wizard, flushing any events the
// analysis service sent before the start call returned.
func (n *Notifier) SessionStarted(wizardID string, session *domain.Session) {
	n.hub.Publish(wizardID, Event{
		Type:      EventSessionStarted,
		SessionID: session.SessionID,
		Status:    string(session.Status),
		Progress:  intPtr(session.Progress),
	})
	n.hub.Bind(session.SessionID, wizardID)
}

// NotifyError sends a user-facing error message.
func (n *Notifier) NotifyError(wizardID, message string) {
	n.hub.Publish(wizardID, Event{Type: EventError, Message: message})
}

// Navigate hands a navigation target to the wizard's listeners.
func (n *Notifier) Navigate(wizardID string, nav domain.Navigation) {
	n.hub.Publish(wizardID, Event{Type: EventNavigate, Navigate: nav.URL(), Stage: nav.Destination})
}
