// Package router decides where the client goes when an analysis run ends.
package router

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/ashureev/insight-wizard/internal/domain"
	"github.com/ashureev/insight-wizard/internal/metrics"
	"github.com/ashureev/insight-wizard/internal/store"
)

// DestinationReport names the full report view.
const DestinationReport = "report"

// DefaultReportPath is the client route of the report view.
const DefaultReportPath = "/analysis/report"

// Navigator hands a navigation target to the client-side router.
type Navigator interface {
	Navigate(wizardID string, nav domain.Navigation)
}

// CompletionRouter interprets terminal results from the in-progress view.
type CompletionRouter struct {
	store      store.SessionStore
	navigator  Navigator
	reportPath string
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New creates a router. store and m may be nil.
func New(s store.SessionStore, navigator Navigator, reportPath string, m *metrics.Metrics, logger *slog.Logger) *CompletionRouter {
	if reportPath == "" {
		reportPath = DefaultReportPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionRouter{
		store:      s,
		navigator:  navigator,
		reportPath: reportPath,
		metrics:    m,
		logger:     logger.With("component", "completion_router"),
	}
}

// Route records a terminal status carried by result and, for the report
// intent, performs exactly one navigation keyed by the session id. Other
// intents are accepted without navigating.
func (r *CompletionRouter) Route(ctx context.Context, wizardID string, result domain.CompletionResult) (*domain.Navigation, bool) {
	if result.SessionID != "" && result.Status.Terminal() {
		r.recordStatus(ctx, result)
	}

	if result.View != domain.ViewReport {
		r.logger.Debug("Completion result not routed", "wizard_id", wizardID, "view", result.View)
		r.metrics.Navigation("none")
		return nil, false
	}
	if result.SessionID == "" {
		r.logger.Warn("Report requested without session id", "wizard_id", wizardID)
		r.metrics.Navigation("none")
		return nil, false
	}

	nav := domain.Navigation{
		Destination: DestinationReport,
		Path:        r.reportPath,
		Query:       url.Values{"sessionId": []string{result.SessionID}},
	}
	if r.navigator != nil {
		r.navigator.Navigate(wizardID, nav)
	}
	r.metrics.Navigation(DestinationReport)
	r.logger.Info("Routing to report", "wizard_id", wizardID, "session_id", result.SessionID)
	return &nav, true
}

func (r *CompletionRouter) recordStatus(ctx context.Context, result domain.CompletionResult) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.store.ApplyProgress(ctx, result.SessionID, 0, result.Status)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		r.logger.Debug("Terminal status for unknown session", "session_id", result.SessionID)
	default:
		r.logger.Warn("Failed to record terminal status", "session_id", result.SessionID, "error", err)
	}
}
