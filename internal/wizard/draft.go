package wizard

import (
	"github.com/elysium-atlas/atlas/internal/domain"
	"github.com/elysium-atlas/atlas/internal/knowledge"
)

// SetAgentName sets the agent name.
func (w *Wizard) SetAgentName(name string) {
	w.draft.AgentName = name
}

// SetAgentID records the backend identifier after creation.
func (w *Wizard) SetAgentID(id string) {
	w.draft.AgentID = id
}

// SetBaseURL sets or, with nil, unsets the base URL.
func (w *Wizard) SetBaseURL(v *string) {
	w.draft.BaseURL = clone(v)
}

// SetSystemPrompt sets or unsets the system prompt.
func (w *Wizard) SetSystemPrompt(v *string) {
	w.draft.SystemPrompt = clone(v)
}

// SetTemperature sets or unsets the sampling temperature.
func (w *Wizard) SetTemperature(v *float64) {
	w.draft.Temperature = clone(v)
}

// SetWelcomeMessage sets or unsets the welcome message.
func (w *Wizard) SetWelcomeMessage(v *string) {
	w.draft.WelcomeMessage = clone(v)
}

// SetLLMModel sets or unsets the model name.
func (w *Wizard) SetLLMModel(v *string) {
	w.draft.LLMModel = clone(v)
}

// SetAgentIcon sets or clears the avatar reference.
func (w *Wizard) SetAgentIcon(v *string) {
	w.draft.AgentIcon = clone(v)
}

// AddLinks appends validated links, skipping duplicates.
func (w *Wizard) AddLinks(raw ...string) error {
	links, err := knowledge.NormalizeLinks(w.draft.KnowledgeBaseLinks, raw)
	if err != nil {
		return err
	}
	w.draft.KnowledgeBaseLinks = links
	return nil
}

// RemoveLink removes the link at i.
func (w *Wizard) RemoveLink(i int) error {
	links, err := removeAt(w.draft.KnowledgeBaseLinks, i)
	if err != nil {
		return err
	}
	w.draft.KnowledgeBaseLinks = links
	return nil
}

// AddTextBlock appends a free-text block.
func (w *Wizard) AddTextBlock(raw string) error {
	text, err := knowledge.NormalizeText(raw)
	if err != nil {
		return err
	}
	w.draft.KnowledgeBaseText = append(w.draft.KnowledgeBaseText, text)
	return nil
}

// RemoveTextBlock removes the text block at i.
func (w *Wizard) RemoveTextBlock(i int) error {
	text, err := removeAt(w.draft.KnowledgeBaseText, i)
	if err != nil {
		return err
	}
	w.draft.KnowledgeBaseText = text
	return nil
}

// AddQnA appends a question/answer pair.
func (w *Wizard) AddQnA(question, answer string) error {
	pair, err := knowledge.NormalizeQnA(question, answer)
	if err != nil {
		return err
	}
	w.draft.KnowledgeBaseQnA = append(w.draft.KnowledgeBaseQnA, pair)
	return nil
}

// RemoveQnA removes the pair at i.
func (w *Wizard) RemoveQnA(i int) error {
	qna, err := removeAt(w.draft.KnowledgeBaseQnA, i)
	if err != nil {
		return err
	}
	w.draft.KnowledgeBaseQnA = qna
	return nil
}

// RemoveFile removes the confirmed file at i and returns it so the caller
// can release its storage.
func (w *Wizard) RemoveFile(i int) (domain.FileHandle, error) {
	if i < 0 || i >= len(w.draft.KnowledgeBaseFiles) {
		return domain.FileHandle{}, ErrIndexOutOfRange
	}
	removed := w.draft.KnowledgeBaseFiles[i]
	files, _ := removeAt(w.draft.KnowledgeBaseFiles, i)
	w.draft.KnowledgeBaseFiles = files
	return removed, nil
}

// StageFiles adds files to the step-local pending selection. Staged files
// are not part of the draft until confirmed.
func (w *Wizard) StageFiles(files ...domain.FileHandle) error {
	if w.step != StepKnowledgeBase {
		return ErrNotOnKnowledgeBaseStep
	}
	w.staged = append(w.staged, files...)
	return nil
}

// ConfirmStagedFiles moves every staged file into the draft.
func (w *Wizard) ConfirmStagedFiles() int {
	n := len(w.staged)
	w.draft.KnowledgeBaseFiles = append(w.draft.KnowledgeBaseFiles, w.staged...)
	w.staged = nil
	return n
}

// DiscardStagedFiles drops the pending selection and returns what was dropped.
func (w *Wizard) DiscardStagedFiles() []domain.FileHandle {
	dropped := w.staged
	w.staged = nil
	return dropped
}

// RemoveIngested drops the entries the backend has accepted from the draft.
// Entries are matched by value, files by ID, and each ingested entry removes
// one occurrence. Anything added since the ingested snapshot was taken stays,
// as do staged files. The removed files are returned.
func (w *Wizard) RemoveIngested(kb domain.KnowledgeBase) []domain.FileHandle {
	w.draft.KnowledgeBaseLinks = subtract(w.draft.KnowledgeBaseLinks, kb.Links)
	w.draft.KnowledgeBaseText = subtract(w.draft.KnowledgeBaseText, kb.Text)
	w.draft.KnowledgeBaseQnA = subtract(w.draft.KnowledgeBaseQnA, kb.QnA)

	ids := make(map[string]bool, len(kb.Files))
	for _, f := range kb.Files {
		ids[f.ID] = true
	}
	kept := make([]domain.FileHandle, 0, len(w.draft.KnowledgeBaseFiles))
	var removed []domain.FileHandle
	for _, f := range w.draft.KnowledgeBaseFiles {
		if ids[f.ID] {
			removed = append(removed, f)
			continue
		}
		kept = append(kept, f)
	}
	w.draft.KnowledgeBaseFiles = kept
	return removed
}

// subtract removes one occurrence of every element of drop from s, keeping order.
func subtract[T comparable](s, drop []T) []T {
	pending := make(map[T]int, len(drop))
	for _, v := range drop {
		pending[v]++
	}
	out := make([]T, 0, len(s))
	for _, v := range s {
		if pending[v] > 0 {
			pending[v]--
			continue
		}
		out = append(out, v)
	}
	return out
}

func removeAt[T any](s []T, i int) ([]T, error) {
	if i < 0 || i >= len(s) {
		return s, ErrIndexOutOfRange
	}
	out := make([]T, 0, len(s)-1)
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...), nil
}

func clone[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
