// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/elysium-atlas/atlas/internal/domain"
)

// Repository defines the interface for persisting wizard state.
type Repository interface {
	// GetWizardSession retrieves the wizard state for a session key.
	// It returns nil, nil when nothing is stored.
	GetWizardSession(ctx context.Context, sessionKey string) (*domain.WizardSession, error)

	// UpsertWizardSession creates or updates wizard state.
	UpsertWizardSession(ctx context.Context, session *domain.WizardSession) error

	// DeleteWizardSession removes wizard state.
	DeleteWizardSession(ctx context.Context, sessionKey string) error

	// DeleteIdleWizardSession removes wizard state only when it was last
	// updated before cutoff and reports whether a row was removed.
	DeleteIdleWizardSession(ctx context.Context, sessionKey string, cutoff time.Time) (bool, error)

	// ExpiredWizardSessions lists sessions not updated within ttl.
	ExpiredWizardSessions(ctx context.Context, ttl time.Duration) ([]*domain.WizardSession, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
