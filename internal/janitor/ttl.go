// Package janitor removes wizard sessions that have been idle too long.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/elysium-atlas/atlas/internal/store"
	"github.com/elysium-atlas/atlas/internal/uploads"
	"github.com/elysium-atlas/atlas/internal/wizard"
)

// DefaultInterval is the sweep period used by Start.
const DefaultInterval = 5 * time.Minute

// CleanupCallback is called for every session removed by a sweep.
type CleanupCallback func(sessionKey string)

// Worker sweeps expired wizard sessions.
type Worker struct {
	repo      store.Repository
	sessions  *wizard.Sessions
	files     *uploads.Store
	ttl       time.Duration
	interval  time.Duration
	onCleanup CleanupCallback
	logger    *slog.Logger
}

// New creates a worker. onCleanup may be nil.
func New(repo store.Repository, sessions *wizard.Sessions, files *uploads.Store, ttl time.Duration, onCleanup CleanupCallback, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		repo:      repo,
		sessions:  sessions,
		files:     files,
		ttl:       ttl,
		interval:  DefaultInterval,
		onCleanup: onCleanup,
		logger:    logger,
	}
}

// Start runs a background goroutine that sweeps until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	go func() {
		defer ticker.Stop()
		w.logger.Info("TTL worker started", "interval", w.interval, "ttl", w.ttl)

		for {
			select {
			case <-ticker.C:
				w.Sweep(ctx)
			case <-ctx.Done():
				w.logger.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep removes every session idle longer than the TTL and returns how many
// were removed. Sessions written to after the expired list was read are kept.
func (w *Worker) Sweep(ctx context.Context) int {
	cutoff := time.Now().Add(-w.ttl)
	expired, err := w.repo.ExpiredWizardSessions(ctx, w.ttl)
	if err != nil {
		w.logger.Error("TTL worker failed to get expired sessions", "error", err)
		return 0
	}
	if len(expired) == 0 {
		return 0
	}

	w.logger.Info("TTL worker found expired sessions", "count", len(expired))

	cleaned := 0
	for i, s := range expired {
		if ctx.Err() != nil {
			w.logger.Debug("TTL worker interrupted, cleanup incomplete", "remaining", len(expired)-i)
			break
		}

		removed, err := w.sessions.Expire(ctx, s.SessionKey, cutoff)
		if err != nil {
			w.logger.Warn("TTL worker failed to delete wizard session", "error", err, "session_key", s.SessionKey)
			continue
		}
		if !removed {
			w.logger.Debug("TTL worker skipped session updated since listing", "session_key", s.SessionKey)
			continue
		}

		if w.onCleanup != nil {
			w.onCleanup(s.SessionKey)
		}
		if err := w.files.RemoveSession(s.SessionKey); err != nil {
			w.logger.Warn("TTL worker failed to remove uploads", "error", err, "session_key", s.SessionKey)
		}
		cleaned++
	}

	w.logger.Info("TTL worker cleanup completed", "cleaned", cleaned)
	return cleaned
}
