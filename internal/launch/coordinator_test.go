package launch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/insight-wizard/internal/analysis"
	"github.com/ashureev/insight-wizard/internal/domain"
	"github.com/ashureev/insight-wizard/internal/metrics"
	"github.com/ashureev/insight-wizard/internal/store"
	"github.com/ashureev/insight-wizard/internal/wizard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// callLog records the order in which collaborators are invoked.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeStarter struct {
	log       *callLog
	wiz       *wizard.Controller
	sessionID string
	err       error

	mu         sync.Mutex
	calls      int
	lastReq    analysis.StartRequest
	stepAtCall domain.WizardStep
}

func (f *fakeStarter) StartAnalysis(_ context.Context, req analysis.StartRequest) (*analysis.StartResponse, error) {
	f.log.add("start")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	if f.wiz != nil {
		f.stepAtCall = f.wiz.Step()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &analysis.StartResponse{SessionID: f.sessionID}, nil
}

func (f *fakeStarter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeNotifier struct {
	log *callLog

	mu       sync.Mutex
	steps    []domain.WizardStep
	sessions []*domain.Session
	errors   []string
}

func (n *fakeNotifier) StepChanged(_ string, step domain.WizardStep) {
	n.log.add("step:" + step.String())
	n.mu.Lock()
	defer n.mu.Unlock()
	n.steps = append(n.steps, step)
}

func (n *fakeNotifier) SessionStarted(_ string, session *domain.Session) {
	n.log.add("session_started")
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sessions = append(n.sessions, session)
}

func (n *fakeNotifier) NotifyError(_ string, message string) {
	n.log.add("error")
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, message)
}

func (n *fakeNotifier) errorCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.errors)
}

type recordingStore struct {
	*store.MemoryStore
	log     *callLog
	saveErr error
}

func (s *recordingStore) Save(ctx context.Context, session *domain.Session) error {
	s.log.add("save")
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.MemoryStore.Save(ctx, session)
}

// gateReadiness blocks WaitReady until release is closed or ctx ends.
type gateReadiness struct {
	log     *callLog
	release chan struct{}
}

func (g *gateReadiness) WaitReady(ctx context.Context, _ string) error {
	g.log.add("wait")
	if g.release == nil {
		return nil
	}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// heldStarter blocks each start call until its gate receives a session id.
// An empty id fails the call.
type heldStarter struct {
	gates []chan string

	mu    sync.Mutex
	calls int
}

func newHeldStarter(n int) *heldStarter {
	h := &heldStarter{}
	for i := 0; i < n; i++ {
		h.gates = append(h.gates, make(chan string))
	}
	return h
}

func (h *heldStarter) StartAnalysis(ctx context.Context, _ analysis.StartRequest) (*analysis.StartResponse, error) {
	h.mu.Lock()
	gate := h.gates[h.calls]
	h.calls++
	h.mu.Unlock()

	select {
	case id := <-gate:
		if id == "" {
			return nil, errors.New("connection reset")
		}
		return &analysis.StartResponse{SessionID: id}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *heldStarter) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type savedObserver struct {
	mu  sync.Mutex
	ids []string
}

func (o *savedObserver) SessionSaved(_ context.Context, sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ids = append(o.ids, sessionID)
}

func (o *savedObserver) saved() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.ids...)
}

type fixture struct {
	log      *callLog
	wiz      *wizard.Controller
	starter  *fakeStarter
	notifier *fakeNotifier
	store    *recordingStore
	ready    *gateReadiness
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := &callLog{}
	wiz := wizard.NewController("w1", "alice")
	require.NoError(t, wiz.SelectScenario(domain.Scenario{
		ID:   "company-deep-dive",
		Kind: domain.ScenarioCompanyDeepDive,
	}))
	return &fixture{
		log:      log,
		wiz:      wiz,
		starter:  &fakeStarter{log: log, wiz: wiz, sessionID: "S1"},
		notifier: &fakeNotifier{log: log},
		store:    &recordingStore{MemoryStore: store.NewMemory(), log: log},
		ready:    &gateReadiness{log: log},
	}
}

func (f *fixture) coordinator(opts Options) *Coordinator {
	return NewCoordinator(Deps{
		Starter:   f.starter,
		Store:     f.store,
		Notifier:  f.notifier,
		Readiness: f.ready,
		Metrics:   metrics.New(),
		Now:       func() time.Time { return time.UnixMilli(1_700_000_000_000) },
	}, opts)
}

func appleTarget() domain.Target {
	return &domain.CompanyTarget{CompanyName: "Apple", Ticker: "AAPL"}
}

func validConfig() domain.AnalysisConfiguration {
	return domain.AnalysisConfiguration{
		Depth:      domain.DepthComprehensive,
		Timeframe:  "5Y",
		FocusAreas: []string{"valuation"},
		Language:   "en",
	}
}

func TestLaunch_Success(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(DefaultOptions())

	session, err := c.Launch(context.Background(), f.wiz, appleTarget(), validConfig())
	require.NoError(t, err)

	assert.Equal(t, []string{"step:in_progress", "wait", "start", "session_started", "save"}, f.log.list())
	assert.Equal(t, domain.StepInProgress, f.starter.stepAtCall, "step must be in progress before the start call")
	assert.Equal(t, 1, f.starter.callCount())

	assert.Equal(t, "Apple", f.starter.lastReq.ProjectName)
	assert.Equal(t, "company-deep-dive", f.starter.lastReq.Scenario)

	assert.Equal(t, "S1", session.SessionID)
	assert.Equal(t, "S1", f.wiz.SessionID())
	assert.Equal(t, domain.StepInProgress, f.wiz.Step())

	stored, err := f.store.Load(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, stored.Status)
	assert.Equal(t, 0, stored.Progress)
	assert.Equal(t, 0, stored.CurrentStep)
	assert.Equal(t, "alice", stored.OwnerID)
	assert.Equal(t, "Apple", stored.ProjectName)
	assert.JSONEq(t, `{"company_name":"Apple","ticker":"AAPL"}`, string(stored.Target))
	assert.Equal(t, int64(1_700_000_000_000), stored.StartedAt.UnixMilli())
	assert.Zero(t, f.notifier.errorCount())
}

func TestLaunch_StartFailureStays(t *testing.T) {
	f := newFixture(t)
	f.starter.err = errors.New("connection refused")
	c := f.coordinator(DefaultOptions())

	session, err := c.Launch(context.Background(), f.wiz, appleTarget(), validConfig())
	require.Error(t, err)
	assert.Nil(t, session)

	assert.Equal(t, 1, f.starter.callCount())
	assert.Equal(t, 1, f.notifier.errorCount())
	assert.NotContains(t, f.log.list(), "save")
	assert.NotContains(t, f.log.list(), "session_started")

	assert.Equal(t, domain.StepInProgress, f.wiz.Step())
	assert.Empty(t, f.wiz.SessionID())
	assert.Equal(t, "Failed to start analysis, please retry", f.wiz.Snapshot().LastError)

	list, err := f.store.ListByOwner(context.Background(), "alice", 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestLaunch_StartFailureReturnsToConfiguration(t *testing.T) {
	f := newFixture(t)
	f.starter.err = &analysis.StartError{StatusCode: 400, Message: "unknown ticker"}
	opts := DefaultOptions()
	opts.FailurePolicy = FailurePolicyReturnToConfiguration
	c := f.coordinator(opts)

	_, err := c.Launch(context.Background(), f.wiz, appleTarget(), validConfig())
	require.Error(t, err)

	assert.Equal(t, domain.StepConfiguration, f.wiz.Step())
	assert.Equal(t, []string{"step:in_progress", "wait", "start", "error", "step:configuration"}, f.log.list())
	assert.Equal(t, "Analysis request rejected: unknown ticker", f.wiz.Snapshot().LastError)

	_, target, _, ok := f.wiz.Inputs()
	require.True(t, ok, "inputs are kept for resubmission")
	assert.Equal(t, "Apple", target.DisplayName())
}

func TestLaunch_EmptySessionID(t *testing.T) {
	f := newFixture(t)
	f.starter.sessionID = ""
	c := f.coordinator(DefaultOptions())

	_, err := c.Launch(context.Background(), f.wiz, appleTarget(), validConfig())
	assert.ErrorIs(t, err, analysis.ErrEmptySessionID)
	assert.Equal(t, 1, f.notifier.errorCount())
	assert.NotContains(t, f.log.list(), "save")
}

func TestLaunch_InvalidInputsMakeNoCalls(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(DefaultOptions())

	_, err := c.Launch(context.Background(), f.wiz, &domain.CompanyTarget{}, validConfig())
	assert.ErrorIs(t, err, domain.ErrInvalidTarget)

	bad := validConfig()
	bad.Depth = "extreme"
	_, err = c.Launch(context.Background(), f.wiz, appleTarget(), bad)
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)

	assert.Empty(t, f.log.list())
	assert.Equal(t, domain.StepConfiguration, f.wiz.Step())
}

func TestLaunch_SaveFailureDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	f.store.saveErr = errors.New("disk full")
	c := f.coordinator(DefaultOptions())

	session, err := c.Launch(context.Background(), f.wiz, appleTarget(), validConfig())
	require.NoError(t, err)
	assert.Equal(t, "S1", session.SessionID)
	assert.Equal(t, "S1", f.wiz.SessionID())
	assert.Zero(t, f.notifier.errorCount())
}

func TestLaunch_WaitsForListener(t *testing.T) {
	f := newFixture(t)
	f.ready.release = make(chan struct{})
	c := f.coordinator(DefaultOptions())

	done := make(chan error, 1)
	go func() {
		_, err := c.Launch(context.Background(), f.wiz, appleTarget(), validConfig())
		done <- err
	}()

	assert.Eventually(t, func() bool { return f.wiz.Step() == domain.StepInProgress }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return f.starter.callCount() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	close(f.ready.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, f.starter.callCount())
}

func TestLaunch_ListenerTimeoutStillStarts(t *testing.T) {
	f := newFixture(t)
	f.ready.release = make(chan struct{})
	opts := DefaultOptions()
	opts.MountTimeout = 20 * time.Millisecond
	c := f.coordinator(opts)

	_, err := c.Launch(context.Background(), f.wiz, appleTarget(), validConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, f.starter.callCount())
}

func TestLaunch_FixedDelayWithoutReadiness(t *testing.T) {
	f := newFixture(t)
	c := NewCoordinator(Deps{
		Starter:  f.starter,
		Store:    f.store,
		Notifier: f.notifier,
	}, Options{MountDelay: 30 * time.Millisecond})

	start := time.Now()
	_, err := c.Launch(context.Background(), f.wiz, appleTarget(), validConfig())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, []string{"step:in_progress", "start", "session_started", "save"}, f.log.list())
}

func TestExecute_RequiresInProgress(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(DefaultOptions())

	_, err := c.Execute(context.Background(), f.wiz, wizard.Launch{})
	assert.ErrorIs(t, err, wizard.ErrInvalidTransition)
	assert.Zero(t, f.starter.callCount())
}

func TestLaunchAsync(t *testing.T) {
	f := newFixture(t)
	f.ready.release = make(chan struct{})
	c := f.coordinator(DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan *domain.Session, 1)
	err := c.LaunchAsync(ctx, f.wiz, appleTarget(), validConfig(), func(s *domain.Session, err error) {
		assert.NoError(t, err)
		result <- s
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StepInProgress, f.wiz.Step(), "step changes before LaunchAsync returns")

	// Request cancellation must not abort the background launch.
	cancel()
	close(f.ready.release)

	select {
	case s := <-result:
		assert.Equal(t, "S1", s.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("background launch did not finish")
	}
}

// relaunch starts a launch that is held in the start call, goes back, and
// starts a second one. It returns once both start calls are in flight.
func relaunch(t *testing.T, f *fixture, c *Coordinator, held *heldStarter, results chan<- *domain.Session) {
	t.Helper()
	done := func(s *domain.Session, _ error) { results <- s }

	require.NoError(t, c.LaunchAsync(context.Background(), f.wiz, appleTarget(), validConfig(), done))
	require.Eventually(t, func() bool { return held.callCount() == 1 }, time.Second, 5*time.Millisecond)

	_, err := f.wiz.GoBack()
	require.NoError(t, err)
	require.NoError(t, c.LaunchAsync(context.Background(), f.wiz, appleTarget(), validConfig(), done))
	require.Eventually(t, func() bool { return held.callCount() == 2 }, time.Second, 5*time.Millisecond)
}

func waitResult(t *testing.T, results <-chan *domain.Session) *domain.Session {
	t.Helper()
	select {
	case s := <-results:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("launch did not finish")
		return nil
	}
}

func TestLaunchAsync_SupersededLaunchDoesNotBind(t *testing.T) {
	f := newFixture(t)
	held := newHeldStarter(2)
	observer := &savedObserver{}
	c := NewCoordinator(Deps{
		Starter:   held,
		Store:     f.store,
		Notifier:  f.notifier,
		Readiness: f.ready,
		Observer:  observer,
	}, DefaultOptions())

	results := make(chan *domain.Session, 2)
	relaunch(t, f, c, held, results)

	held.gates[1] <- "NEW"
	assert.Equal(t, "NEW", waitResult(t, results).SessionID)
	held.gates[0] <- "OLD"
	assert.Equal(t, "OLD", waitResult(t, results).SessionID)

	assert.Equal(t, "NEW", f.wiz.SessionID())
	assert.Equal(t, domain.StepInProgress, f.wiz.Step())

	f.notifier.mu.Lock()
	require.Len(t, f.notifier.sessions, 1)
	assert.Equal(t, "NEW", f.notifier.sessions[0].SessionID)
	f.notifier.mu.Unlock()

	// The superseded session keeps running remotely and stays recoverable.
	_, err := f.store.Load(context.Background(), "OLD")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"NEW", "OLD"}, observer.saved())
}

func TestLaunchAsync_SupersededFailureIsIgnored(t *testing.T) {
	f := newFixture(t)
	held := newHeldStarter(2)
	opts := DefaultOptions()
	opts.FailurePolicy = FailurePolicyReturnToConfiguration
	c := NewCoordinator(Deps{
		Starter:   held,
		Store:     f.store,
		Notifier:  f.notifier,
		Readiness: f.ready,
	}, opts)

	results := make(chan *domain.Session, 2)
	relaunch(t, f, c, held, results)

	held.gates[0] <- ""
	assert.Nil(t, waitResult(t, results))

	assert.Equal(t, domain.StepInProgress, f.wiz.Step())
	assert.Empty(t, f.wiz.Snapshot().LastError)
	assert.Zero(t, f.notifier.errorCount())

	held.gates[1] <- "NEW"
	assert.Equal(t, "NEW", waitResult(t, results).SessionID)
	assert.Equal(t, "NEW", f.wiz.SessionID())
}

func TestLaunch_ObserverRunsAfterSave(t *testing.T) {
	f := newFixture(t)
	observer := &savedObserver{}
	c := NewCoordinator(Deps{
		Starter:   f.starter,
		Store:     f.store,
		Notifier:  f.notifier,
		Readiness: f.ready,
		Observer:  observer,
	}, DefaultOptions())

	_, err := c.Launch(context.Background(), f.wiz, appleTarget(), validConfig())
	require.NoError(t, err)
	assert.Equal(t, []string{"S1"}, observer.saved())

	f2 := newFixture(t)
	f2.store.saveErr = errors.New("disk full")
	observer2 := &savedObserver{}
	c2 := NewCoordinator(Deps{Starter: f2.starter, Store: f2.store, Notifier: f2.notifier, Observer: observer2}, Options{})
	_, err = c2.Launch(context.Background(), f2.wiz, appleTarget(), validConfig())
	require.NoError(t, err)
	assert.Empty(t, observer2.saved(), "nothing to reconcile when the record was not written")
}

func TestLaunchAsync_ValidationIsSynchronous(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(DefaultOptions())

	err := c.LaunchAsync(context.Background(), f.wiz, nil, validConfig(), nil)
	assert.ErrorIs(t, err, wizard.ErrMissingTarget)
	assert.Equal(t, domain.StepConfiguration, f.wiz.Step())
}

func TestParseFailurePolicy(t *testing.T) {
	assert.Equal(t, FailurePolicyReturnToConfiguration, ParseFailurePolicy("return_to_configuration"))
	assert.Equal(t, FailurePolicyStay, ParseFailurePolicy("stay"))
	assert.Equal(t, FailurePolicyStay, ParseFailurePolicy(""))
	assert.Equal(t, FailurePolicyStay, ParseFailurePolicy("bogus"))
}
