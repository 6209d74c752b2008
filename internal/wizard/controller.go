// Package wizard implements the analysis wizard's step transition controller.
package wizard

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/insight-wizard/internal/domain"
)

var (
	// ErrInvalidTransition is returned when an operation is not legal at the current step.
	ErrInvalidTransition = errors.New("invalid wizard transition")
	// ErrMissingTarget is returned when execution is requested without a target.
	ErrMissingTarget = errors.New("target is required")
	// ErrScenarioMismatch is returned when the target variant does not belong to the selected scenario.
	ErrScenarioMismatch = errors.New("target does not match selected scenario")
	// ErrStaleLaunch is returned when a launch has been superseded by a newer one
	// or the wizard has left the in-progress step.
	ErrStaleLaunch = errors.New("launch superseded")
)

// Launch is one entry into the in-progress step with the inputs recorded for it.
type Launch struct {
	Seq      uint64
	Scenario domain.Scenario
	Target   domain.Target
	Config   domain.AnalysisConfiguration
}

// Snapshot is a point-in-time copy of a wizard's state.
type Snapshot struct {
	ID            string                        `json:"id"`
	OwnerID       string                        `json:"-"`
	Step          domain.WizardStep             `json:"step"`
	StepName      string                        `json:"step_name"`
	Scenario      *domain.Scenario              `json:"scenario,omitempty"`
	Target        domain.Target                 `json:"target,omitempty"`
	Configuration *domain.AnalysisConfiguration `json:"config,omitempty"`
	SessionID     string                        `json:"session_id,omitempty"`
	LastError     string                        `json:"last_error,omitempty"`
	UpdatedAt     time.Time                     `json:"updated_at"`
}

// Controller owns the current step of one wizard instance.
type Controller struct {
	mu        sync.Mutex
	id        string
	ownerID   string
	step      domain.WizardStep
	scenario  *domain.Scenario
	target    domain.Target
	config    *domain.AnalysisConfiguration
	sessionID string
	lastError string
	launchSeq uint64
	updatedAt time.Time
}

// NewController creates a wizard positioned at scenario selection.
func NewController(id, ownerID string) *Controller {
	return &Controller{
		id:        id,
		ownerID:   ownerID,
		step:      domain.StepScenarioSelection,
		updatedAt: time.Now(),
	}
}

// ID returns the wizard identifier.
func (c *Controller) ID() string { return c.id }

// OwnerID returns the identity that created the wizard.
func (c *Controller) OwnerID() string { return c.ownerID }

// Step returns the current step.
func (c *Controller) Step() domain.WizardStep {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}

// SelectScenario sets the active scenario and advances to configuration.
func (c *Controller) SelectScenario(s domain.Scenario) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.step != domain.StepScenarioSelection {
		return fmt.Errorf("%w: select scenario at step %s", ErrInvalidTransition, c.step)
	}
	if s.ID == "" {
		return fmt.Errorf("%w: scenario id is empty", ErrInvalidTransition)
	}

	scenario := s
	c.scenario = &scenario
	c.discardInputs()
	c.step = domain.StepConfiguration
	c.touch()
	return nil
}

// GoBack moves exactly one step back and discards what was captured at or
// after the step being left. A remote session already started keeps running.
func (c *Controller) GoBack() (domain.WizardStep, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.step <= domain.StepScenarioSelection {
		return c.step, fmt.Errorf("%w: already at first step", ErrInvalidTransition)
	}

	if c.step == domain.StepInProgress {
		c.sessionID = ""
		c.lastError = ""
	}
	c.discardInputs()
	c.step--
	c.touch()
	return c.step, nil
}

// AdvanceToExecution validates and records the session inputs. It does not
// change the step; the launch coordinator does that via EnterInProgress.
func (c *Controller) AdvanceToExecution(target domain.Target, cfg domain.AnalysisConfiguration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.step != domain.StepConfiguration {
		return fmt.Errorf("%w: advance to execution at step %s", ErrInvalidTransition, c.step)
	}
	if target == nil {
		return ErrMissingTarget
	}
	if c.scenario != nil && target.Kind() != c.scenario.Kind {
		return fmt.Errorf("%w: scenario %s expects %s, got %s", ErrScenarioMismatch, c.scenario.ID, c.scenario.Kind, target.Kind())
	}
	if err := target.Validate(); err != nil {
		return err
	}

	normalized := cfg.Normalize()
	if err := normalized.Validate(); err != nil {
		return err
	}

	c.target = target
	c.config = &normalized
	c.lastError = ""
	c.touch()
	return nil
}

// EnterInProgress moves from configuration to the in-progress step and
// returns a new launch. Inputs must have been recorded by AdvanceToExecution
// first.
func (c *Controller) EnterInProgress() (Launch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.step != domain.StepConfiguration || c.scenario == nil || c.target == nil || c.config == nil {
		return Launch{}, fmt.Errorf("%w: enter in-progress at step %s", ErrInvalidTransition, c.step)
	}
	c.launchSeq++
	c.step = domain.StepInProgress
	c.sessionID = ""
	c.touch()

	cfg := *c.config
	cfg.FocusAreas = append([]string(nil), c.config.FocusAreas...)
	return Launch{Seq: c.launchSeq, Scenario: *c.scenario, Target: c.target, Config: cfg}, nil
}

// IsCurrent reports whether seq is the launch the wizard is in progress with.
func (c *Controller) IsCurrent(seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked(seq)
}

func (c *Controller) currentLocked(seq uint64) bool {
	return seq != 0 && seq == c.launchSeq && c.step == domain.StepInProgress
}

// ReturnToConfiguration moves from in-progress back to configuration while
// keeping the recorded inputs so the form can be resubmitted. It fails with
// ErrStaleLaunch when seq is no longer the current launch.
func (c *Controller) ReturnToConfiguration(seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.step != domain.StepInProgress {
		return fmt.Errorf("%w: return to configuration at step %s", ErrInvalidTransition, c.step)
	}
	if seq != c.launchSeq {
		return fmt.Errorf("%w: launch %d, current %d", ErrStaleLaunch, seq, c.launchSeq)
	}
	c.step = domain.StepConfiguration
	c.sessionID = ""
	c.touch()
	return nil
}

// Inputs returns the recorded scenario, target and configuration.
func (c *Controller) Inputs() (domain.Scenario, domain.Target, domain.AnalysisConfiguration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.scenario == nil || c.target == nil || c.config == nil {
		return domain.Scenario{}, nil, domain.AnalysisConfiguration{}, false
	}
	return *c.scenario, c.target, *c.config, true
}

// BindSession records the remote session id of launch seq. It reports false
// and changes nothing when seq is no longer current.
func (c *Controller) BindSession(seq uint64, sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentLocked(seq) {
		return false
	}
	c.sessionID = sessionID
	c.touch()
	return true
}

// SessionID returns the bound remote session id, if any.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// UpdatedAt returns the time of the last state change.
func (c *Controller) UpdatedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updatedAt
}

// SetError records a user-facing error message for launch seq. A stale
// launch is ignored.
func (c *Controller) SetError(seq uint64, msg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentLocked(seq) {
		return false
	}
	c.lastError = msg
	c.touch()
	return true
}

// Snapshot returns a copy of the wizard state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		ID:        c.id,
		OwnerID:   c.ownerID,
		Step:      c.step,
		StepName:  c.step.String(),
		Target:    c.target,
		SessionID: c.sessionID,
		LastError: c.lastError,
		UpdatedAt: c.updatedAt,
	}
	if c.scenario != nil {
		s := *c.scenario
		snap.Scenario = &s
	}
	if c.config != nil {
		cfg := *c.config
		cfg.FocusAreas = append([]string(nil), c.config.FocusAreas...)
		snap.Configuration = &cfg
	}
	return snap
}

func (c *Controller) discardInputs() {
	c.target = nil
	c.config = nil
}

func (c *Controller) touch() {
	c.updatedAt = time.Now()
}
