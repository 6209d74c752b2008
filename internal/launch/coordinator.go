// Package launch sequences the transition into a running analysis session.
//
// The in-progress view must be subscribed to progress events before the
// remote start call is issued, because the analysis service may emit its
// first notification as soon as the request is accepted. The coordinator
// therefore moves the wizard to the in-progress step first, waits for the
// listener to acknowledge (or a bounded fallback delay), and only then calls
// the service.
package launch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/insight-wizard/internal/analysis"
	"github.com/ashureev/insight-wizard/internal/domain"
	"github.com/ashureev/insight-wizard/internal/metrics"
	"github.com/ashureev/insight-wizard/internal/store"
	"github.com/ashureev/insight-wizard/internal/wizard"
)

// FailurePolicy decides where the wizard goes when the start call fails.
type FailurePolicy string

const (
	// FailurePolicyStay keeps the wizard on the in-progress step.
	FailurePolicyStay FailurePolicy = "stay"
	// FailurePolicyReturnToConfiguration moves the wizard back to the form.
	FailurePolicyReturnToConfiguration FailurePolicy = "return_to_configuration"
)

// ParseFailurePolicy maps a config value to a policy. Unknown values yield FailurePolicyStay.
func ParseFailurePolicy(s string) FailurePolicy {
	if FailurePolicy(s) == FailurePolicyReturnToConfiguration {
		return FailurePolicyReturnToConfiguration
	}
	return FailurePolicyStay
}

// Readiness reports when the progress listener for a wizard is attached.
type Readiness interface {
	WaitReady(ctx context.Context, wizardID string) error
}

// Notifier delivers launch outcomes to the wizard's progress listener.
type Notifier interface {
	StepChanged(wizardID string, step domain.WizardStep)
	SessionStarted(wizardID string, session *domain.Session)
	NotifyError(wizardID, message string)
}

// SessionObserver is told after a session record has been written.
type SessionObserver interface {
	SessionSaved(ctx context.Context, sessionID string)
}

// Options tune the coordinator.
type Options struct {
	// MountTimeout bounds the wait for a listener acknowledgement.
	MountTimeout time.Duration
	// MountDelay is the fixed pause used when no Readiness is configured.
	MountDelay    time.Duration
	FailurePolicy FailurePolicy
}

// DefaultOptions returns a 5s acknowledgement timeout and a 100ms fallback delay.
func DefaultOptions() Options {
	return Options{
		MountTimeout:  5 * time.Second,
		MountDelay:    100 * time.Millisecond,
		FailurePolicy: FailurePolicyStay,
	}
}

// Deps are the coordinator's collaborators. Readiness, Observer and Metrics
// are optional.
type Deps struct {
	Starter   analysis.Starter
	Store     store.SessionStore
	Notifier  Notifier
	Readiness Readiness
	Observer  SessionObserver
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Coordinator owns session creation.
type Coordinator struct {
	starter  analysis.Starter
	store    store.SessionStore
	notifier Notifier
	ready    Readiness
	observer SessionObserver
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	opts     Options
}

// NewCoordinator wires a coordinator.
func NewCoordinator(deps Deps, opts Options) *Coordinator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = FailurePolicyStay
	}
	return &Coordinator{
		starter:  deps.Starter,
		store:    deps.Store,
		notifier: deps.Notifier,
		ready:    deps.Readiness,
		observer: deps.Observer,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With("component", "launch"),
		now:      deps.Now,
		opts:     opts,
	}
}

// Prepare records the inputs and moves the wizard to the in-progress step.
// No network call happens here; validation errors leave the wizard untouched.
func (c *Coordinator) Prepare(w *wizard.Controller, target domain.Target, cfg domain.AnalysisConfiguration) (wizard.Launch, error) {
	if err := w.AdvanceToExecution(target, cfg); err != nil {
		return wizard.Launch{}, err
	}
	l, err := w.EnterInProgress()
	if err != nil {
		return wizard.Launch{}, err
	}
	c.notifier.StepChanged(w.ID(), domain.StepInProgress)
	c.logger.Info("Wizard entered in-progress step", "wizard_id", w.ID(), "launch", l.Seq)
	return l, nil
}

// Execute waits for the listener, issues exactly one start call for l and
// persists the resulting session. A start failure is reported to the user
// and returned; a persistence failure is logged and ignored.
//
// If the wizard has moved on from l by the time the call returns, the session
// is still persisted but is not bound to the wizard and no outcome is shown.
func (c *Coordinator) Execute(ctx context.Context, w *wizard.Controller, l wizard.Launch) (*domain.Session, error) {
	if l.Seq == 0 || l.Target == nil {
		return nil, fmt.Errorf("%w: execute requires a launch from the in-progress step", wizard.ErrInvalidTransition)
	}

	c.awaitListener(ctx, w.ID())

	req := analysis.StartRequest{
		ProjectName: domain.ProjectNameFor(l.Target),
		Scenario:    l.Scenario.ID,
		Target:      l.Target,
		Config:      l.Config,
	}
	resp, err := c.starter.StartAnalysis(ctx, req)
	if err != nil {
		c.handleStartFailure(w, l, err)
		return nil, fmt.Errorf("start analysis: %w", err)
	}

	session, err := c.newSession(w, req, resp.SessionID)
	if err != nil {
		c.handleStartFailure(w, l, err)
		return nil, err
	}

	if w.BindSession(l.Seq, session.SessionID) {
		c.notifier.SessionStarted(w.ID(), session)
		c.metrics.Launch("started")
	} else {
		c.metrics.Launch("superseded")
		c.logger.Warn("Launch superseded before the session started, not binding",
			"wizard_id", w.ID(), "launch", l.Seq, "session_id", session.SessionID)
	}

	if err := c.store.Save(ctx, session); err != nil {
		c.metrics.SessionSave("error")
		c.logger.Error("Failed to persist session, continuing",
			"error", err, "wizard_id", w.ID(), "session_id", session.SessionID)
	} else {
		c.metrics.SessionSave("ok")
		if c.observer != nil {
			c.observer.SessionSaved(ctx, session.SessionID)
		}
	}

	c.logger.Info("Analysis session started",
		"wizard_id", w.ID(), "session_id", session.SessionID,
		"scenario", l.Scenario.ID, "project_name", req.ProjectName)
	return session, nil
}

// Launch runs Prepare then Execute synchronously.
func (c *Coordinator) Launch(ctx context.Context, w *wizard.Controller, target domain.Target, cfg domain.AnalysisConfiguration) (*domain.Session, error) {
	l, err := c.Prepare(w, target, cfg)
	if err != nil {
		return nil, err
	}
	return c.Execute(ctx, w, l)
}

// LaunchAsync runs Prepare synchronously and Execute in the background,
// detached from ctx cancellation. done, if non-nil, receives the outcome.
func (c *Coordinator) LaunchAsync(ctx context.Context, w *wizard.Controller, target domain.Target, cfg domain.AnalysisConfiguration, done func(*domain.Session, error)) error {
	l, err := c.Prepare(w, target, cfg)
	if err != nil {
		return err
	}

	execCtx := context.WithoutCancel(ctx)
	go func() {
		session, err := c.Execute(execCtx, w, l)
		if err != nil {
			c.logger.Warn("Background launch failed", "wizard_id", w.ID(), "error", err)
		}
		if done != nil {
			done(session, err)
		}
	}()
	return nil
}

func (c *Coordinator) awaitListener(ctx context.Context, wizardID string) {
	start := c.now()

	if c.ready == nil {
		if c.opts.MountDelay <= 0 {
			return
		}
		timer := time.NewTimer(c.opts.MountDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		c.metrics.MountWait(c.now().Sub(start).Seconds(), false)
		return
	}

	waitCtx := ctx
	if c.opts.MountTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.opts.MountTimeout)
		defer cancel()
	}

	err := c.ready.WaitReady(waitCtx, wizardID)
	c.metrics.MountWait(c.now().Sub(start).Seconds(), err != nil)
	if err != nil {
		c.logger.Warn("Progress listener did not acknowledge, starting anyway",
			"wizard_id", wizardID, "timeout", c.opts.MountTimeout, "error", err)
	}
}

func (c *Coordinator) handleStartFailure(w *wizard.Controller, l wizard.Launch, err error) {
	msg := analysis.UserMessage(err)
	c.metrics.Launch("failed")
	c.logger.Error("Analysis start failed", "error", err, "wizard_id", w.ID(), "launch", l.Seq, "policy", c.opts.FailurePolicy)

	if !w.SetError(l.Seq, msg) {
		c.logger.Info("Ignoring failure of superseded launch", "wizard_id", w.ID(), "launch", l.Seq)
		return
	}
	c.notifier.NotifyError(w.ID(), msg)

	if c.opts.FailurePolicy == FailurePolicyReturnToConfiguration {
		if rerr := w.ReturnToConfiguration(l.Seq); rerr == nil {
			c.notifier.StepChanged(w.ID(), domain.StepConfiguration)
		}
	}
}

func (c *Coordinator) newSession(w *wizard.Controller, req analysis.StartRequest, sessionID string) (*domain.Session, error) {
	if sessionID == "" {
		return nil, analysis.ErrEmptySessionID
	}
	target, err := json.Marshal(req.Target)
	if err != nil {
		return nil, fmt.Errorf("encode target: %w", err)
	}

	now := c.now()
	return &domain.Session{
		SessionID:     sessionID,
		OwnerID:       w.OwnerID(),
		ProjectName:   req.ProjectName,
		ScenarioID:    req.Scenario,
		Target:        target,
		Configuration: req.Config,
		Status:        domain.SessionRunning,
		Progress:      0,
		CurrentStep:   0,
		StartedAt:     now,
		UpdatedAt:     now,
	}, nil
}

type nopNotifier struct{}

func (nopNotifier) StepChanged(string, domain.WizardStep)  {}
func (nopNotifier) SessionStarted(string, *domain.Session) {}
func (nopNotifier) NotifyError(string, string)             {}
