package progress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/insight-wizard/internal/domain"
	"github.com/ashureev/insight-wizard/internal/identity"
	"github.com/ashureev/insight-wizard/internal/router"
	"github.com/ashureev/insight-wizard/internal/store"
	"github.com/ashureev/insight-wizard/internal/wizard"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsFixture struct {
	srv     *httptest.Server
	wizards *wizard.Registry
	hub     *Hub
	ready   *ReadyTracker
	store   *store.MemoryStore
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	f := &wsFixture{
		wizards: wizard.NewRegistry(nil),
		hub:     NewHub(nil),
		ready:   NewReadyTracker(),
		store:   store.NewMemory(),
	}
	h := NewWebSocketHandler(WebSocketDeps{
		Wizards:       f.wizards,
		Hub:           f.hub,
		Ready:         f.ready,
		Store:         f.store,
		Router:        router.New(f.store, NewNotifier(f.hub), "", nil, nil),
		AllowedOrigin: "http://localhost:5173",
	})

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(identity.WithUserID(r.Context(), "alice")))
		})
	})
	r.Get("/ws/wizards/{id}", h.ServeHTTP)

	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *wsFixture) dial(t *testing.T, ctx context.Context, wizardID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/wizards/" + wizardID
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) Event {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(msg)))
}

func TestWebSocket_ReadyAndEvents(t *testing.T) {
	f := newWSFixture(t)
	wiz := f.wizards.Create("alice")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := f.dial(t, ctx, wiz.ID())

	connected := readEvent(t, ctx, conn)
	assert.Equal(t, EventConnected, connected.Type)
	assert.Equal(t, wiz.ID(), connected.WizardID)
	require.NotNil(t, connected.Step)
	assert.Equal(t, 0, *connected.Step)

	assert.False(t, f.ready.IsReady(wiz.ID()))
	send(t, ctx, conn, `{"type":"ready"}`)
	assert.Eventually(t, func() bool { return f.ready.IsReady(wiz.ID()) }, time.Second, 5*time.Millisecond)

	f.hub.Publish(wiz.ID(), Event{Type: EventProgress, Progress: intPtr(25)})
	ev := readEvent(t, ctx, conn)
	assert.Equal(t, EventProgress, ev.Type)
	assert.Equal(t, 25, *ev.Progress)

	send(t, ctx, conn, `{"type":"ping"}`)
	assert.Equal(t, EventPong, readEvent(t, ctx, conn).Type)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	assert.Eventually(t, func() bool { return !f.ready.IsReady(wiz.ID()) }, time.Second, 5*time.Millisecond)
}

func TestWebSocket_ReplaysMissedEvents(t *testing.T) {
	f := newWSFixture(t)
	wiz := f.wizards.Create("alice")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := f.hub.Publish(wiz.ID(), Event{Type: EventStepChanged})
	f.hub.Publish(wiz.ID(), Event{Type: EventSessionStarted, SessionID: "S1"})

	conn := f.dial(t, ctx, wiz.ID())
	readEvent(t, ctx, conn)

	send(t, ctx, conn, `{"type":"ready","last_event_id":`+jsonInt(first.ID)+`}`)
	ev := readEvent(t, ctx, conn)
	assert.Equal(t, EventSessionStarted, ev.Type)
	assert.Equal(t, "S1", ev.SessionID)
}

func TestWebSocket_CompleteNavigatesToReport(t *testing.T) {
	f := newWSFixture(t)
	wiz := f.wizards.Create("alice")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := f.dial(t, ctx, wiz.ID())
	readEvent(t, ctx, conn)

	send(t, ctx, conn, `{"type":"complete","view":"report","session_id":"S1","status":"completed"}`)
	ev := readEvent(t, ctx, conn)
	assert.Equal(t, EventNavigate, ev.Type)
	assert.Equal(t, "/analysis/report?sessionId=S1", ev.Navigate)
}

func TestWebSocket_ClientProgressUpdatesStore(t *testing.T) {
	f := newWSFixture(t)
	wiz := f.wizards.Create("alice")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.store.Save(ctx, &domain.Session{SessionID: "S1", OwnerID: "alice", Status: domain.SessionRunning, StartedAt: time.Now()}))

	conn := f.dial(t, ctx, wiz.ID())
	readEvent(t, ctx, conn)

	send(t, ctx, conn, `{"type":"progress","session_id":"S1","progress":70}`)
	assert.Eventually(t, func() bool {
		s, err := f.store.Load(ctx, "S1")
		return err == nil && s.Progress == 70
	}, time.Second, 5*time.Millisecond)
}

func TestWebSocket_UnknownWizard(t *testing.T) {
	f := newWSFixture(t)
	other := f.wizards.Create("bob")

	for _, id := range []string{"missing", other.ID()} {
		resp, err := http.Get(f.srv.URL + "/ws/wizards/" + id)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	f := newWSFixture(t)
	wiz := f.wizards.Create("alice")

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/ws/wizards/"+wiz.ID(), nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func jsonInt(v int64) string {
	data, _ := json.Marshal(v)
	return string(data)
}
