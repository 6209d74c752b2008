package wizard

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a wizard does not exist or belongs to another owner.
var ErrNotFound = errors.New("wizard not found")

// Registry keeps live wizard instances in memory.
type Registry struct {
	mu      sync.RWMutex
	wizards map[string]*Controller
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		wizards: make(map[string]*Controller),
		logger:  logger.With("component", "wizard_registry"),
	}
}

// Create starts a new wizard for ownerID.
func (r *Registry) Create(ownerID string) *Controller {
	c := NewController(uuid.NewString(), ownerID)

	r.mu.Lock()
	r.wizards[c.ID()] = c
	r.mu.Unlock()

	r.logger.Info("Wizard created", "wizard_id", c.ID(), "owner_id", ownerID)
	return c
}

// Get returns the wizard with id if it belongs to ownerID.
func (r *Registry) Get(ownerID, id string) (*Controller, error) {
	r.mu.RLock()
	c, ok := r.wizards[id]
	r.mu.RUnlock()

	if !ok || c.OwnerID() != ownerID {
		return nil, ErrNotFound
	}
	return c, nil
}

// Delete drops a wizard. The remote session, if any, is unaffected.
func (r *Registry) Delete(ownerID, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.wizards[id]; ok && c.OwnerID() == ownerID {
		delete(r.wizards, id)
	}
}

// RemoveIdle drops wizards whose last change is before cutoff and returns their ids.
func (r *Registry) RemoveIdle(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, c := range r.wizards {
		if c.UpdatedAt().Before(cutoff) {
			delete(r.wizards, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Len returns the number of live wizards.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.wizards)
}
