package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	subscriberBufferSize = 64
	defaultReplaySize    = 100
	defaultPendingSize   = 50

	// Held events outlive the mount wait and a slow start call, then expire.
	defaultPendingTTL         = 2 * time.Minute
	defaultMaxPendingSessions = 1024
)

// heldEvents are events for a session that is not bound to a wizard yet.
type heldEvents struct {
	events    []*Event
	firstSeen time.Time
}

// Hub fans events out to the listeners of a wizard. Events that arrive for a
// session before the session is bound to a wizard are held and delivered on
// Bind, so notifications emitted while the start call is still returning are
// not lost. Held events for sessions that are never bound expire after a TTL,
// and the number of sessions held at once is capped.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // wizardID -> subID -> ch
	replay      map[string][]*Event               // wizardID -> recent events
	pending     map[string]*heldEvents            // sessionID -> unbound events
	bindings    map[string]string                 // sessionID -> wizardID
	nextID      int64
	replaySize  int
	pendingSize int
	pendingTTL  time.Duration
	maxPending  int
	now         func() time.Time
	logger      *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]map[string]chan *Event),
		replay:      make(map[string][]*Event),
		pending:     make(map[string]*heldEvents),
		bindings:    make(map[string]string),
		replaySize:  defaultReplaySize,
		pendingSize: defaultPendingSize,
		pendingTTL:  defaultPendingTTL,
		maxPending:  defaultMaxPendingSessions,
		now:         time.Now,
		logger:      logger.With("component", "progress_hub"),
	}
}

// Subscribe registers a listener for wizardID. The subscription is removed
// when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, wizardID string) (<-chan *Event, string) {
	subID := uuid.NewString()
	ch := make(chan *Event, subscriberBufferSize)

	h.mu.Lock()
	if _, ok := h.subscribers[wizardID]; !ok {
		h.subscribers[wizardID] = make(map[string]chan *Event)
	}
	h.subscribers[wizardID][subID] = ch
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "wizard_id", wizardID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		h.Unsubscribe(wizardID, subID)
	}()
	return ch, subID
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(wizardID, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[wizardID]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(h.subscribers, wizardID)
	}
	h.logger.Debug("subscriber removed", "wizard_id", wizardID, "sub_id", subID)
}

// Publish assigns an event id, records the event for replay and delivers it
// to every listener of wizardID. Sends never block; slow listeners drop events.
func (h *Hub) Publish(wizardID string, ev Event) *Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.publishLocked(wizardID, ev)
}

func (h *Hub) publishLocked(wizardID string, ev Event) *Event {
	h.nextID++
	ev.ID = h.nextID
	ev.WizardID = wizardID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	stored := &ev

	queue := append(h.replay[wizardID], stored)
	if len(queue) > h.replaySize {
		queue = queue[len(queue)-h.replaySize:]
	}
	h.replay[wizardID] = queue

	for _, ch := range h.subscribers[wizardID] {
		select {
		case ch <- stored:
		default:
			h.logger.Debug("dropped event for slow subscriber", "wizard_id", wizardID, "event_id", stored.ID)
		}
	}
	return stored
}

// PublishSession routes a session event to the bound wizard, or holds it
// until Bind is called for the session.
func (h *Hub) PublishSession(sessionID string, ev Event) {
	ev.SessionID = sessionID

	h.mu.Lock()
	wizardID, bound := h.bindings[sessionID]
	if !bound {
		now := h.now()
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		held, ok := h.pending[sessionID]
		if !ok {
			h.prunePendingLocked(now)
			held = &heldEvents{firstSeen: now}
			h.pending[sessionID] = held
		}
		held.events = append(held.events, &ev)
		if len(held.events) > h.pendingSize {
			held.events = held.events[len(held.events)-h.pendingSize:]
		}
		h.mu.Unlock()
		h.logger.Debug("held event for unbound session", "session_id", sessionID, "type", ev.Type)
		return
	}
	h.publishLocked(wizardID, ev)
	h.mu.Unlock()
}

// prunePendingLocked drops expired held sessions and, at capacity, the
// oldest one.
func (h *Hub) prunePendingLocked(now time.Time) {
	var oldestID string
	var oldest time.Time
	for sid, held := range h.pending {
		if now.Sub(held.firstSeen) > h.pendingTTL {
			delete(h.pending, sid)
			h.logger.Debug("expired held events", "session_id", sid, "count", len(held.events))
			continue
		}
		if oldestID == "" || held.firstSeen.Before(oldest) {
			oldestID, oldest = sid, held.firstSeen
		}
	}
	if len(h.pending) >= h.maxPending && oldestID != "" {
		delete(h.pending, oldestID)
		h.logger.Warn("Dropped held events, too many unbound sessions", "session_id", oldestID)
	}
}

// Bind associates sessionID with wizardID and flushes held events in order.
func (h *Hub) Bind(sessionID, wizardID string) {
	h.mu.Lock()
	h.bindings[sessionID] = wizardID
	var held []*Event
	if p, ok := h.pending[sessionID]; ok {
		held = p.events
		delete(h.pending, sessionID)
	}
	for _, ev := range held {
		h.publishLocked(wizardID, *ev)
	}
	h.mu.Unlock()

	if len(held) > 0 {
		h.logger.Info("Flushed held session events", "session_id", sessionID, "wizard_id", wizardID, "count", len(held))
	}
}

// WizardFor returns the wizard bound to sessionID.
func (h *Hub) WizardFor(sessionID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.bindings[sessionID]
	return id, ok
}

// Missed returns events for wizardID with an id greater than afterID.
func (h *Hub) Missed(wizardID string, afterID int64) []*Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*Event
	for _, ev := range h.replay[wizardID] {
		if ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out
}

// Forget drops replay state for a wizard that no longer exists. Expired held
// events are dropped as well.
func (h *Hub) Forget(wizardID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prunePendingLocked(h.now())
	delete(h.replay, wizardID)
	for sid, wid := range h.bindings {
		if wid == wizardID {
			delete(h.bindings, sid)
		}
	}
}

// Close shuts down the hub and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for wizardID, subs := range h.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(h.subscribers, wizardID)
	}
	h.logger.Debug("hub closed")
}
