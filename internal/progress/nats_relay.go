package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/insight-wizard/internal/domain"
	"github.com/ashureev/insight-wizard/internal/metrics"
	"github.com/ashureev/insight-wizard/internal/store"
	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is where the analysis service publishes session events,
// one subject per session: <prefix>.<sessionId>.
const DefaultSubjectPrefix = "analysis.progress"

const (
	defaultEarlyTTL         = 2 * time.Minute
	defaultMaxEarlySessions = 1024
)

// RemoteEvent is a session event published by the analysis service.
type RemoteEvent struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	Progress  *int   `json:"progress,omitempty"`
	Status    string `json:"status,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Message   string `json:"message,omitempty"`
}

// earlyProgress is the merged state of events received before the session
// record was written.
type earlyProgress struct {
	progress  int
	status    domain.SessionStatus
	firstSeen time.Time
}

// NATSRelay forwards analysis service events into the store and the hub.
// Progress for a session that is not persisted yet is kept and applied by
// SessionSaved.
type NATSRelay struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	prefix  string
	hub     *Hub
	store   store.SessionStore
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	early    map[string]*earlyProgress
	earlyTTL time.Duration
	maxEarly int
	now      func() time.Time
}

// ConnectNATS dials url with reconnect settings suited to a long-lived relay.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("insight-wizard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// NewNATSRelay creates a relay on an established connection.
func NewNATSRelay(nc *nats.Conn, prefix string, hub *Hub, s store.SessionStore, m *metrics.Metrics, logger *slog.Logger) *NATSRelay {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSRelay{
		nc:       nc,
		prefix:   strings.TrimSuffix(prefix, "."),
		hub:      hub,
		store:    s,
		metrics:  m,
		logger:   logger.With("component", "nats_relay"),
		early:    make(map[string]*earlyProgress),
		earlyTTL: defaultEarlyTTL,
		maxEarly: defaultMaxEarlySessions,
		now:      time.Now,
	}
}

// Start subscribes to <prefix>.>.
func (r *NATSRelay) Start() error {
	subject := r.prefix + ".>"
	sub, err := r.nc.Subscribe(subject, func(msg *nats.Msg) {
		r.Handle(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	r.sub = sub
	r.logger.Info("Relaying analysis events", "subject", subject)
	return nil
}

// Handle processes one raw event. Exported for tests and alternate transports.
func (r *NATSRelay) Handle(subject string, data []byte) {
	var ev RemoteEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		r.logger.Warn("Dropping malformed analysis event", "subject", subject, "error", err)
		return
	}
	if ev.SessionID == "" {
		if id, ok := strings.CutPrefix(subject, r.prefix+"."); ok {
			ev.SessionID = id
		}
	}
	if ev.SessionID == "" {
		r.logger.Warn("Dropping analysis event without session id", "subject", subject)
		return
	}
	if ev.Type == "" {
		ev.Type = EventProgress
	}
	r.metrics.ProgressEvent("nats")

	if r.store != nil && (ev.Progress != nil || ev.Status != "") {
		r.apply(ev)
	}

	out := Event{
		Type:    ev.Type,
		Status:  ev.Status,
		Stage:   ev.Stage,
		Message: ev.Message,
	}
	if ev.Progress != nil {
		out.Progress = intPtr(domain.ClampProgress(*ev.Progress))
	}
	r.hub.PublishSession(ev.SessionID, out)
}

func (r *NATSRelay) apply(ev RemoteEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	progress := 0
	if ev.Progress != nil {
		progress = *ev.Progress
	}
	status := domain.SessionStatus(ev.Status)
	if !status.Valid() {
		status = ""
	}

	// Held across the write so SessionSaved cannot run between a miss and remember.
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.store.ApplyProgress(ctx, ev.SessionID, progress, status)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		r.rememberLocked(ev.SessionID, progress, status)
		r.logger.Debug("Progress for session not yet persisted", "session_id", ev.SessionID)
	default:
		r.logger.Warn("Failed to apply remote progress", "session_id", ev.SessionID, "error", err)
	}
}

func (r *NATSRelay) rememberLocked(sessionID string, progress int, status domain.SessionStatus) {
	now := r.now()
	if e, ok := r.early[sessionID]; ok {
		e.progress = max(e.progress, domain.ClampProgress(progress))
		if status != "" && !e.status.Terminal() {
			e.status = status
		}
		return
	}

	r.pruneEarlyLocked(now)
	r.early[sessionID] = &earlyProgress{
		progress:  domain.ClampProgress(progress),
		status:    status,
		firstSeen: now,
	}
}

// pruneEarlyLocked drops expired entries and, at capacity, the oldest one.
func (r *NATSRelay) pruneEarlyLocked(now time.Time) {
	var oldestID string
	var oldest time.Time
	for id, e := range r.early {
		if now.Sub(e.firstSeen) > r.earlyTTL {
			delete(r.early, id)
			continue
		}
		if oldestID == "" || e.firstSeen.Before(oldest) {
			oldestID, oldest = id, e.firstSeen
		}
	}
	if len(r.early) >= r.maxEarly && oldestID != "" {
		delete(r.early, oldestID)
		r.logger.Warn("Dropped early progress for unpersisted session", "session_id", oldestID)
	}
}

// SessionSaved applies progress that arrived before sessionID was written.
func (r *NATSRelay) SessionSaved(ctx context.Context, sessionID string) {
	if r.store == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.early[sessionID]
	if !ok {
		return
	}
	delete(r.early, sessionID)

	if _, err := r.store.ApplyProgress(ctx, sessionID, e.progress, e.status); err != nil {
		r.logger.Warn("Failed to apply early progress", "session_id", sessionID, "error", err)
		return
	}
	r.logger.Info("Applied early progress", "session_id", sessionID, "progress", e.progress, "status", e.status)
}

// Close unsubscribes and drains the connection.
func (r *NATSRelay) Close() {
	if r.sub != nil {
		if err := r.sub.Unsubscribe(); err != nil {
			r.logger.Debug("Failed to unsubscribe", "error", err)
		}
	}
	if r.nc != nil {
		if err := r.nc.Drain(); err != nil {
			r.logger.Debug("Failed to drain NATS connection", "error", err)
		}
	}
}
