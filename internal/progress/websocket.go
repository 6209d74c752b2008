package progress

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/insight-wizard/internal/domain"
	"github.com/ashureev/insight-wizard/internal/identity"
	"github.com/ashureev/insight-wizard/internal/metrics"
	"github.com/ashureev/insight-wizard/internal/router"
	"github.com/ashureev/insight-wizard/internal/store"
	"github.com/ashureev/insight-wizard/internal/wizard"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

const writeTimeout = 5 * time.Second

// Client message types.
const (
	msgReady    = "ready"
	msgPing     = "ping"
	msgProgress = "progress"
	msgComplete = "complete"
)

// clientMessage is a message sent by the in-progress view.
type clientMessage struct {
	Type        string `json:"type"`
	LastEventID int64  `json:"last_event_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	Progress    *int   `json:"progress,omitempty"`
	Status      string `json:"status,omitempty"`
	View        string `json:"view,omitempty"`
}

// WebSocketDeps are the collaborators of the websocket endpoint.
type WebSocketDeps struct {
	Wizards       *wizard.Registry
	Hub           *Hub
	Ready         *ReadyTracker
	Store         store.SessionStore
	Router        *router.CompletionRouter
	Metrics       *metrics.Metrics
	AllowedOrigin string
	IsDev         bool
	Logger        *slog.Logger
}

// WebSocketHandler streams wizard events to the in-progress view and accepts
// its mount acknowledgement, progress reports and completion results.
type WebSocketHandler struct {
	deps   WebSocketDeps
	logger *slog.Logger
}

// NewWebSocketHandler creates the websocket endpoint handler.
func NewWebSocketHandler(deps WebSocketDeps) *WebSocketHandler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{deps: deps, logger: logger.With("component", "progress_ws")}
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.UserIDFromContext(r.Context())
	tabID := identity.TabIDFromContext(r.Context())
	wizardID := chi.URLParam(r, "id")

	wiz, err := h.deps.Wizards.Get(ownerID, wizardID)
	if err != nil {
		http.Error(w, `{"error":"wizard not found"}`, http.StatusNotFound)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "wizard_id", wizardID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "listener closed"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "wizard_id", wizardID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, _ := h.deps.Hub.Subscribe(ctx, wizardID)
	h.deps.Metrics.ListenerConnected()
	defer h.deps.Metrics.ListenerDisconnected()

	h.logger.Info("Progress listener connected", "wizard_id", wizardID, "owner_id", ownerID, "tab_id", tabID)

	step := int(wiz.Step())
	if err := h.writeJSON(ctx, ws, Event{
		Type:      EventConnected,
		WizardID:  wizardID,
		SessionID: wiz.SessionID(),
		Step:      &step,
		Timestamp: time.Now(),
	}); err != nil {
		h.logger.Debug("Failed to send connected event", "error", err)
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		for ev := range events {
			if err := h.writeJSON(ctx, ws, ev); err != nil {
				if ctx.Err() == nil {
					h.logger.Debug("WebSocket write error", "error", err, "wizard_id", wizardID)
				}
				return
			}
		}
	}()

	acked := h.readLoop(ctx, ws, wiz)
	if acked {
		h.deps.Ready.MarkGone(wizardID)
	}
	cancel()
	<-writerDone
	h.logger.Info("Progress listener disconnected", "wizard_id", wizardID)
}

// readLoop handles client messages until the connection ends. It reports
// whether the listener acknowledged readiness.
func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, wiz *wizard.Controller) bool {
	wizardID := wiz.ID()
	acked := false

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed", "wizard_id", wizardID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "wizard_id", wizardID)
			}
			return acked
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("Ignoring malformed client message", "wizard_id", wizardID, "error", err)
			continue
		}

		switch msg.Type {
		case msgReady:
			if msg.LastEventID > 0 {
				for _, ev := range h.deps.Hub.Missed(wizardID, msg.LastEventID) {
					if err := h.writeJSON(ctx, ws, ev); err != nil {
						return acked
					}
				}
			}
			if !acked {
				acked = true
				h.deps.Ready.MarkReady(wizardID)
				h.logger.Debug("Progress listener acknowledged", "wizard_id", wizardID)
			}
		case msgPing:
			if err := h.writeJSON(ctx, ws, Event{Type: EventPong, Timestamp: time.Now()}); err != nil {
				return acked
			}
		case msgProgress:
			h.applyClientProgress(ctx, wiz, msg)
		case msgComplete:
			if h.deps.Router == nil {
				continue
			}
			sessionID := msg.SessionID
			if sessionID == "" {
				sessionID = wiz.SessionID()
			}
			h.deps.Router.Route(ctx, wizardID, domain.CompletionResult{
				View:      msg.View,
				SessionID: sessionID,
				Status:    domain.SessionStatus(msg.Status),
			})
		default:
			h.logger.Debug("Unknown client message", "wizard_id", wizardID, "type", msg.Type)
		}
	}
}

func (h *WebSocketHandler) applyClientProgress(ctx context.Context, wiz *wizard.Controller, msg clientMessage) {
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = wiz.SessionID()
	}
	if sessionID == "" || h.deps.Store == nil {
		return
	}
	h.deps.Metrics.ProgressEvent("client")

	progress := 0
	if msg.Progress != nil {
		progress = *msg.Progress
	}
	if _, err := h.deps.Store.ApplyProgress(ctx, sessionID, progress, domain.SessionStatus(msg.Status)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.logger.Debug("Progress for unknown session", "session_id", sessionID)
			return
		}
		h.logger.Warn("Failed to apply client progress", "session_id", sessionID, "error", err)
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.deps.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.deps.AllowedOrigin == "*" || origin == h.deps.AllowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.deps.AllowedOrigin)
	return false
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
