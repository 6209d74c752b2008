package progress

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/insight-wizard/internal/domain"
	"github.com/ashureev/insight-wizard/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNATSRelay_Handle(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.Save(ctx, &domain.Session{SessionID: "S1", Status: domain.SessionRunning, StartedAt: time.Now()}))

	hub := NewHub(nil)
	hub.Bind("S1", "w1")
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, _ := hub.Subscribe(subCtx, "w1")

	relay := NewNATSRelay(nil, "analysis.progress.", hub, s, nil, nil)

	relay.Handle("analysis.progress.S1", []byte(`{"progress":40,"stage":"collecting"}`))
	ev := recv(t, events)
	assert.Equal(t, EventProgress, ev.Type)
	assert.Equal(t, "S1", ev.SessionID)
	assert.Equal(t, 40, *ev.Progress)
	assert.Equal(t, "collecting", ev.Stage)

	got, err := s.Load(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)

	relay.Handle("analysis.progress.other", []byte(`{"session_id":"S1","progress":150,"status":"completed"}`))
	ev = recv(t, events)
	assert.Equal(t, 100, *ev.Progress)
	assert.Equal(t, "completed", ev.Status)

	got, err = s.Load(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, got.Status)
}

func TestNATSRelay_HoldsUnknownSession(t *testing.T) {
	hub := NewHub(nil)
	relay := NewNATSRelay(nil, "", hub, store.NewMemory(), nil, nil)

	relay.Handle(DefaultSubjectPrefix+".S2", []byte(`{"progress":5}`))
	assert.Empty(t, hub.Missed("w2", 0))

	hub.Bind("S2", "w2")
	missed := hub.Missed("w2", 0)
	require.Len(t, missed, 1)
	assert.Equal(t, 5, *missed[0].Progress)
}

func TestNATSRelay_DropsBadInput(t *testing.T) {
	hub := NewHub(nil)
	relay := NewNATSRelay(nil, "analysis.progress", hub, nil, nil, nil)

	relay.Handle("analysis.progress.S1", []byte(`not json`))
	relay.Handle("unrelated.subject", []byte(`{"progress":5}`))

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	assert.Empty(t, hub.pending)
}

func TestNATSRelay_EarlyCompletionReachesStore(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	hub := NewHub(nil)
	relay := NewNATSRelay(nil, "", hub, s, nil, nil)

	relay.Handle(DefaultSubjectPrefix+".S1", []byte(`{"progress":60,"status":"running"}`))
	relay.Handle(DefaultSubjectPrefix+".S1", []byte(`{"progress":100,"status":"completed"}`))
	relay.Handle(DefaultSubjectPrefix+".S1", []byte(`{"progress":10,"status":"running"}`))

	require.NoError(t, s.Save(ctx, &domain.Session{SessionID: "S1", OwnerID: "alice", Status: domain.SessionRunning, StartedAt: time.Now()}))
	relay.SessionSaved(ctx, "S1")
	hub.Bind("S1", "w1")

	got, err := s.Load(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Len(t, hub.Missed("w1", 0), 3, "the listener still sees every event")

	relay.mu.Lock()
	assert.Empty(t, relay.early)
	relay.mu.Unlock()

	// A second notification for the same session is a no-op.
	relay.SessionSaved(ctx, "S1")
}

func TestNATSRelay_SessionSavedWithoutEarlyProgress(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.Save(ctx, &domain.Session{SessionID: "S1", Status: domain.SessionRunning, StartedAt: time.Now()}))
	relay := NewNATSRelay(nil, "", NewHub(nil), s, nil, nil)

	relay.SessionSaved(ctx, "S1")

	got, err := s.Load(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, got.Status)
	assert.Equal(t, 0, got.Progress)
}

func TestNATSRelay_EarlyProgressIsBounded(t *testing.T) {
	relay := NewNATSRelay(nil, "", NewHub(nil), store.NewMemory(), nil, nil)
	now := time.Unix(1_700_000_000, 0)
	relay.now = func() time.Time { return now }
	relay.maxEarly = 3

	for _, id := range []string{"A", "B", "C", "D"} {
		relay.Handle(DefaultSubjectPrefix+"."+id, []byte(`{"progress":5}`))
		now = now.Add(time.Second)
	}

	relay.mu.Lock()
	assert.Len(t, relay.early, 3)
	assert.NotContains(t, relay.early, "A", "oldest entry is evicted at capacity")
	relay.mu.Unlock()

	now = now.Add(defaultEarlyTTL + time.Minute)
	relay.Handle(DefaultSubjectPrefix+".E", []byte(`{"progress":5}`))

	relay.mu.Lock()
	defer relay.mu.Unlock()
	assert.Len(t, relay.early, 1, "expired entries are dropped")
	assert.Contains(t, relay.early, "E")
}
