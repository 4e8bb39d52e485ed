// Package wizard implements the agent-construction wizard as an explicit
// state container: the current step, the shared draft, and the step-local
// staging area for knowledge-base files.
//
// A Wizard is not safe for concurrent use; callers serialize access per
// session.
package wizard

import (
	"errors"
	"strings"

	"github.com/elysium-atlas/atlas/internal/domain"
)

// Step identifies a wizard step. Steps are 1-based.
type Step int

const (
	// StepIdentity collects the agent name.
	StepIdentity Step = 1
	// StepKnowledgeBase assembles links, files, text and Q&A.
	StepKnowledgeBase Step = 2

	firstStep = StepIdentity
	lastStep  = StepKnowledgeBase
)

var (
	// ErrAgentNameRequired blocks leaving step 1 without a name.
	ErrAgentNameRequired = errors.New("agent name is required")
	// ErrNoPreviousStep is returned by Back on the first step.
	ErrNoPreviousStep = errors.New("already at first step")
	// ErrNoNextStep is returned by Next on the last step.
	ErrNoNextStep = errors.New("already at last step")
	// ErrInvalidStep is returned by GoTo for steps outside the wizard.
	ErrInvalidStep = errors.New("invalid step")
	// ErrIndexOutOfRange is returned when removing a non-existent entry.
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrNotOnKnowledgeBaseStep is returned when staging files from another step.
	ErrNotOnKnowledgeBaseStep = errors.New("files can only be staged on the knowledge base step")
)

// String returns the step's name.
func (s Step) String() string {
	switch s {
	case StepIdentity:
		return "identity"
	case StepKnowledgeBase:
		return "knowledge_base"
	default:
		return "unknown"
	}
}

// Valid reports whether s is a step of the wizard.
func (s Step) Valid() bool {
	return s >= firstStep && s <= lastStep
}

// ClampStep maps any out-of-range value to the first step.
func ClampStep(n int) Step {
	s := Step(n)
	if !s.Valid() {
		return firstStep
	}
	return s
}

// Wizard holds the state of one agent-construction session.
type Wizard struct {
	step   Step
	draft  *domain.AgentDraft
	staged []domain.FileHandle
}

// New starts a fresh wizard on the first step with an empty draft.
func New() *Wizard {
	return &Wizard{step: firstStep, draft: domain.NewAgentDraft()}
}

// Resume restores a persisted wizard. Unknown steps fall back to step 1 and a
// nil draft is replaced by an empty one.
func Resume(step int, draft *domain.AgentDraft) *Wizard {
	if draft == nil {
		draft = domain.NewAgentDraft()
	} else {
		draft = draft.Clone()
	}
	return &Wizard{step: ClampStep(step), draft: draft}
}

// Step returns the current step.
func (w *Wizard) Step() Step {
	return w.step
}

// Draft returns a copy of the current draft.
func (w *Wizard) Draft() *domain.AgentDraft {
	return w.draft.Clone()
}

// Staged returns a copy of the files staged but not yet confirmed.
func (w *Wizard) Staged() []domain.FileHandle {
	out := make([]domain.FileHandle, len(w.staged))
	copy(out, w.staged)
	return out
}

// Next advances one step. The staged files of the step being left are
// returned when they were discarded by the move.
func (w *Wizard) Next() ([]domain.FileHandle, error) {
	if w.step >= lastStep {
		return nil, ErrNoNextStep
	}
	return w.moveTo(w.step + 1)
}

// Back retreats one step.
func (w *Wizard) Back() ([]domain.FileHandle, error) {
	if w.step <= firstStep {
		return nil, ErrNoPreviousStep
	}
	return w.moveTo(w.step - 1)
}

// GoTo jumps directly to step. Moving forward still requires every step in
// between to validate.
func (w *Wizard) GoTo(step int) ([]domain.FileHandle, error) {
	target := Step(step)
	if !target.Valid() {
		return nil, ErrInvalidStep
	}
	if target == w.step {
		return nil, nil
	}
	return w.moveTo(target)
}

func (w *Wizard) moveTo(target Step) ([]domain.FileHandle, error) {
	for s := w.step; s < target; s++ {
		if err := w.validate(s); err != nil {
			return nil, err
		}
	}

	var discarded []domain.FileHandle
	if w.step == StepKnowledgeBase {
		discarded = w.DiscardStagedFiles()
	}
	w.step = target
	return discarded, nil
}

func (w *Wizard) validate(s Step) error {
	switch s {
	case StepIdentity:
		if strings.TrimSpace(w.draft.AgentName) == "" {
			return ErrAgentNameRequired
		}
	}
	return nil
}

// CanAdvance reports whether Next would succeed from the current step.
func (w *Wizard) CanAdvance() bool {
	return w.step < lastStep && w.validate(w.step) == nil
}

// checkpoint captures the whole wizard so a change can be undone.
type checkpoint struct {
	step   Step
	draft  *domain.AgentDraft
	staged []domain.FileHandle
}

func (w *Wizard) checkpoint() checkpoint {
	return checkpoint{step: w.step, draft: w.draft.Clone(), staged: w.Staged()}
}

func (w *Wizard) rollback(c checkpoint) {
	w.step = c.step
	w.draft = c.draft
	w.staged = c.staged
}

// LoadDraft replaces the whole draft atomically, e.g. with a freshly mapped
// backend record. Staged files belong to the replaced draft and are
// discarded. A nil draft resets to an empty one.
func (w *Wizard) LoadDraft(draft *domain.AgentDraft) []domain.FileHandle {
	if draft == nil {
		draft = domain.NewAgentDraft()
	}
	w.draft = draft.Clone()
	return w.DiscardStagedFiles()
}
