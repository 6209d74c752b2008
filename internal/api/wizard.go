package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/insight-wizard/internal/catalog"
	"github.com/ashureev/insight-wizard/internal/domain"
	"github.com/ashureev/insight-wizard/internal/identity"
	"github.com/ashureev/insight-wizard/internal/launch"
	"github.com/ashureev/insight-wizard/internal/progress"
	"github.com/ashureev/insight-wizard/internal/router"
	"github.com/ashureev/insight-wizard/internal/wizard"
	"github.com/go-chi/chi/v5"
)

// WizardHandler drives wizard instances through their steps.
type WizardHandler struct {
	wizards     *wizard.Registry
	catalog     *catalog.Catalog
	coordinator *launch.Coordinator
	router      *router.CompletionRouter
	hub         *progress.Hub
	logger      *slog.Logger
}

// NewWizardHandler creates a wizard handler. Pass nil logger for default.
func NewWizardHandler(wizards *wizard.Registry, cat *catalog.Catalog, coordinator *launch.Coordinator, rt *router.CompletionRouter, hub *progress.Hub, logger *slog.Logger) *WizardHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WizardHandler{
		wizards:     wizards,
		catalog:     cat,
		coordinator: coordinator,
		router:      rt,
		hub:         hub,
		logger:      logger.With("component", "wizard_api"),
	}
}

// RegisterRoutes registers scenario and wizard routes.
func (h *WizardHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/scenarios", h.ListScenarios)
	r.Route("/api/wizards", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/", h.Delete)
			r.Post("/scenario", h.SelectScenario)
			r.Post("/back", h.GoBack)
			r.Post("/launch", h.Launch)
			r.Post("/complete", h.Complete)
		})
	})
}

// ListScenarios returns the scenario catalog.
func (h *WizardHandler) ListScenarios(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{"scenarios": h.catalog.All()})
}

// Create starts a new wizard at scenario selection.
func (h *WizardHandler) Create(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.UserIDFromContext(r.Context())
	if ownerID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	c := h.wizards.Create(ownerID)
	JSON(w, http.StatusCreated, c.Snapshot())
}

// Get returns a wizard snapshot.
func (h *WizardHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, c.Snapshot())
}

// Delete drops a wizard. A running remote session is not cancelled.
func (h *WizardHandler) Delete(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.wizards.Delete(c.OwnerID(), c.ID())
	h.hub.Forget(c.ID())
	w.WriteHeader(http.StatusNoContent)
}

type selectScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// SelectScenario picks a scenario and advances to configuration.
func (h *WizardHandler) SelectScenario(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req selectScenarioRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	scenario, err := h.catalog.Lookup(req.ScenarioID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := c.SelectScenario(scenario); err != nil {
		writeError(w, err)
		return
	}

	h.logger.Info("Scenario selected", "wizard_id", c.ID(), "scenario", scenario.ID)
	JSON(w, http.StatusOK, c.Snapshot())
}

// GoBack moves the wizard one step back.
func (h *WizardHandler) GoBack(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}

	sessionID := c.SessionID()
	step, err := c.GoBack()
	if err != nil {
		writeError(w, err)
		return
	}
	if sessionID != "" {
		h.logger.Info("Left in-progress step, remote session keeps running", "wizard_id", c.ID(), "session_id", sessionID)
	}
	h.logger.Info("Wizard stepped back", "wizard_id", c.ID(), "step", step.String())
	JSON(w, http.StatusOK, c.Snapshot())
}

type launchRequest struct {
	Target json.RawMessage              `json:"target"`
	Config domain.AnalysisConfiguration `json:"config"`
}

// Launch validates the inputs, moves the wizard to the in-progress step and
// starts the analysis in the background once the listener acknowledges.
func (h *WizardHandler) Launch(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req launchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	snap := c.Snapshot()
	if snap.Step != domain.StepConfiguration || snap.Scenario == nil {
		writeError(w, wizard.ErrInvalidTransition)
		return
	}

	target, err := catalog.DecodeTarget(snap.Scenario.Kind, req.Target)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.coordinator.LaunchAsync(r.Context(), c, target, req.Config, nil); err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusAccepted, c.Snapshot())
}

type completeRequest struct {
	View      string               `json:"view"`
	SessionID string               `json:"session_id"`
	Status    domain.SessionStatus `json:"status"`
}

// Complete routes a terminal result from the in-progress view.
func (h *WizardHandler) Complete(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req completeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		req.SessionID = c.SessionID()
	}

	nav, routed := h.router.Route(r.Context(), c.ID(), domain.CompletionResult{
		View:      req.View,
		SessionID: req.SessionID,
		Status:    req.Status,
	})
	if !routed {
		JSON(w, http.StatusOK, map[string]interface{}{"navigate": nil})
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"navigate":   nav.URL(),
		"navigation": nav,
	})
}

func (h *WizardHandler) lookup(w http.ResponseWriter, r *http.Request) (*wizard.Controller, bool) {
	ownerID := identity.UserIDFromContext(r.Context())
	c, err := h.wizards.Get(ownerID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return c, true
}
