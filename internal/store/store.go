// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/insight-wizard/internal/domain"
)

// ErrNotFound is returned when no session exists for the requested id.
var ErrNotFound = errors.New("session not found")

// SessionStore defines the durable record of in-flight and historical sessions.
type SessionStore interface {
	// Save upserts a session keyed by SessionID; the latest fields win.
	Save(ctx context.Context, session *domain.Session) error

	// Load returns the session or ErrNotFound.
	Load(ctx context.Context, sessionID string) (*domain.Session, error)

	// ApplyProgress records a progress report. Progress never regresses and a
	// terminal status is never replaced, so repeated reports are harmless.
	ApplyProgress(ctx context.Context, sessionID string, progress int, status domain.SessionStatus) (*domain.Session, error)

	// ListByOwner returns an owner's sessions, newest first.
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*domain.Session, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
