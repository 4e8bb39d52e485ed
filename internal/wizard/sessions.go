package wizard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/elysium-atlas/atlas/internal/domain"
	"github.com/elysium-atlas/atlas/internal/store"
)

// Sessions keeps the live wizard of every browser session in memory and
// mirrors step and draft to the repository after each successful change.
// Staged files live only in memory.
type Sessions struct {
	repo   store.Repository
	logger *slog.Logger

	// locks serializes access per session key. An entry lives while
	// someone holds or waits for it.
	locksMu sync.Mutex
	locks   map[string]*sessionLock

	mu   sync.Mutex
	live map[string]*Wizard
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewSessions creates a session cache backed by repo.
func NewSessions(repo store.Repository, logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{
		repo:   repo,
		logger: logger,
		locks:  make(map[string]*sessionLock),
		live:   make(map[string]*Wizard),
	}
}

func (s *Sessions) lock(sessionKey string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[sessionKey]
	if !ok {
		l = &sessionLock{}
		s.locks[sessionKey] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(s.locks, sessionKey)
		}
		s.locksMu.Unlock()
	}
}

// View runs fn with the session's wizard without persisting.
func (s *Sessions) View(ctx context.Context, sessionKey string, fn func(*Wizard) error) error {
	unlock := s.lock(sessionKey)
	defer unlock()

	w, err := s.load(ctx, sessionKey)
	if err != nil {
		return err
	}
	return fn(w)
}

// Update runs fn with the session's wizard and persists the result. When fn
// or the save fails, the live wizard is rolled back so memory and storage
// keep agreeing.
func (s *Sessions) Update(ctx context.Context, sessionKey string, fn func(*Wizard) error) error {
	unlock := s.lock(sessionKey)
	defer unlock()

	w, err := s.load(ctx, sessionKey)
	if err != nil {
		return err
	}
	before := w.checkpoint()
	if err := fn(w); err != nil {
		w.rollback(before)
		return err
	}
	if err := s.save(ctx, sessionKey, w); err != nil {
		w.rollback(before)
		return err
	}
	return nil
}

// Reset drops the session's wizard from memory and storage. It returns every
// file the wizard still referenced so the caller can remove them.
func (s *Sessions) Reset(ctx context.Context, sessionKey string) ([]domain.FileHandle, error) {
	unlock := s.lock(sessionKey)
	defer unlock()

	var files []domain.FileHandle
	if w := s.evict(sessionKey); w != nil {
		files = append(files, w.draft.KnowledgeBaseFiles...)
		files = append(files, w.DiscardStagedFiles()...)
	} else if persisted, err := s.restore(ctx, sessionKey); err == nil && persisted != nil {
		files = append(files, persisted.draft.KnowledgeBaseFiles...)
	}

	if err := s.repo.DeleteWizardSession(ctx, sessionKey); err != nil {
		return files, err
	}
	return files, nil
}

// Expire removes a session that has not been updated since cutoff, both from
// storage and from memory. It reports whether the session was removed; one
// written after cutoff is left alone.
func (s *Sessions) Expire(ctx context.Context, sessionKey string, cutoff time.Time) (bool, error) {
	unlock := s.lock(sessionKey)
	defer unlock()

	deleted, err := s.repo.DeleteIdleWizardSession(ctx, sessionKey, cutoff)
	if err != nil || !deleted {
		return false, err
	}
	s.evict(sessionKey)
	return true, nil
}

// Len returns the number of cached wizards.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func (s *Sessions) evict(sessionKey string) *Wizard {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.live[sessionKey]
	delete(s.live, sessionKey)
	return w
}

func (s *Sessions) load(ctx context.Context, sessionKey string) (*Wizard, error) {
	s.mu.Lock()
	w, ok := s.live[sessionKey]
	s.mu.Unlock()
	if ok {
		return w, nil
	}

	w, err := s.restore(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = New()
	}

	s.mu.Lock()
	s.live[sessionKey] = w
	s.mu.Unlock()
	return w, nil
}

func (s *Sessions) restore(ctx context.Context, sessionKey string) (*Wizard, error) {
	persisted, err := s.repo.GetWizardSession(ctx, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("load wizard session: %w", err)
	}
	if persisted == nil {
		return nil, nil
	}

	var draft domain.AgentDraft
	if err := json.Unmarshal([]byte(persisted.DraftJSON), &draft); err != nil {
		// A corrupt row must not lock the user out of the wizard.
		s.logger.Warn("Discarding unreadable wizard draft", "session_key", sessionKey, "error", err)
		return New(), nil
	}
	return Resume(persisted.Step, &draft), nil
}

func (s *Sessions) save(ctx context.Context, sessionKey string, w *Wizard) error {
	data, err := json.Marshal(w.draft)
	if err != nil {
		return fmt.Errorf("encode wizard draft: %w", err)
	}
	err = s.repo.UpsertWizardSession(ctx, &domain.WizardSession{
		SessionKey: sessionKey,
		Step:       int(w.step),
		DraftJSON:  string(data),
		UpdatedAt:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("save wizard session: %w", err)
	}
	return nil
}
