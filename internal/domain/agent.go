// Package domain contains core domain types for the Elysium Atlas dashboard service.
package domain

import "slices"

// ServerAgentRecord is an agent as returned by the agent backend.
// Every field is optional; the backend has shipped several naming conventions
// over time, so the record is defaulted at the boundary instead of trusted.
type ServerAgentRecord struct {
	AgentID          *string  `json:"agent_id,omitempty"`
	LegacyAgentID    *string  `json:"agentID,omitempty"`
	AgentName        *string  `json:"agent_name,omitempty"`
	BaseURL          *string  `json:"base_url,omitempty"`
	AgentStatus      *string  `json:"agent_status,omitempty"`
	AgentCurrentTask *string  `json:"agent_current_task,omitempty"`
	Progress         *float64 `json:"progress,omitempty"`
	SystemPrompt     *string  `json:"system_prompt,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	WelcomeMessage   *string  `json:"welcome_message,omitempty"`
	LLMModel         *string  `json:"llm_model,omitempty"`
	AgentIcon        *string  `json:"agent_icon,omitempty"`

	// Knowledge-base content occasionally echoed by the backend. Drafts never
	// take it from here; ingestion is repopulated through separate calls.
	KnowledgeBaseLinks []string  `json:"knowledge_base_links,omitempty"`
	KnowledgeBaseText  []string  `json:"knowledge_base_text,omitempty"`
	KnowledgeBaseQnA   []QnAPair `json:"knowledge_base_qna,omitempty"`
}

// QnAPair is a single question/answer knowledge-base entry.
type QnAPair struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// FileHandle references an uploaded knowledge-base file that has not been
// sent to the agent backend yet.
type FileHandle struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
	Path        string `json:"path"`
}

// AgentDraft is the in-progress agent configuration assembled by the wizard.
type AgentDraft struct {
	AgentID        string   `json:"agent_id"`
	AgentName      string   `json:"agent_name"`
	BaseURL        *string  `json:"base_url,omitempty"`
	SystemPrompt   *string  `json:"system_prompt,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	WelcomeMessage *string  `json:"welcome_message,omitempty"`
	LLMModel       *string  `json:"llm_model,omitempty"`

	KnowledgeBaseLinks []string     `json:"knowledge_base_links"`
	KnowledgeBaseFiles []FileHandle `json:"knowledge_base_files"`
	KnowledgeBaseText  []string     `json:"knowledge_base_text"`
	KnowledgeBaseQnA   []QnAPair    `json:"knowledge_base_qna"`

	AgentIcon *string `json:"agent_icon,omitempty"`

	// Server-reported; read-only for the wizard.
	AgentStatus      *string  `json:"agent_status,omitempty"`
	AgentCurrentTask *string  `json:"agent_current_task,omitempty"`
	Progress         *float64 `json:"progress,omitempty"`
}

// KnowledgeBase groups knowledge-base entries, e.g. the part of a draft the
// backend has accepted.
type KnowledgeBase struct {
	Links []string
	Text  []string
	QnA   []QnAPair
	Files []FileHandle
}

// Empty reports whether kb holds no entries.
func (kb KnowledgeBase) Empty() bool {
	return len(kb.Links) == 0 && len(kb.Text) == 0 && len(kb.QnA) == 0 && len(kb.Files) == 0
}

// NewAgentDraft returns an empty draft with initialized collections.
func NewAgentDraft() *AgentDraft {
	return &AgentDraft{
		KnowledgeBaseLinks: []string{},
		KnowledgeBaseFiles: []FileHandle{},
		KnowledgeBaseText:  []string{},
		KnowledgeBaseQnA:   []QnAPair{},
	}
}

// IsCreated reports whether the backend has assigned an agent ID.
func (d *AgentDraft) IsCreated() bool {
	return d.AgentID != ""
}

// HasKnowledgeBase reports whether any knowledge-base collection is non-empty.
func (d *AgentDraft) HasKnowledgeBase() bool {
	return len(d.KnowledgeBaseLinks) > 0 || len(d.KnowledgeBaseFiles) > 0 ||
		len(d.KnowledgeBaseText) > 0 || len(d.KnowledgeBaseQnA) > 0
}

// Clone returns a deep copy of the draft.
func (d *AgentDraft) Clone() *AgentDraft {
	if d == nil {
		return nil
	}
	c := *d
	c.BaseURL = clonePtr(d.BaseURL)
	c.SystemPrompt = clonePtr(d.SystemPrompt)
	c.Temperature = clonePtr(d.Temperature)
	c.WelcomeMessage = clonePtr(d.WelcomeMessage)
	c.LLMModel = clonePtr(d.LLMModel)
	c.AgentIcon = clonePtr(d.AgentIcon)
	c.AgentStatus = clonePtr(d.AgentStatus)
	c.AgentCurrentTask = clonePtr(d.AgentCurrentTask)
	c.Progress = clonePtr(d.Progress)
	c.KnowledgeBaseLinks = cloneSlice(d.KnowledgeBaseLinks)
	c.KnowledgeBaseFiles = cloneSlice(d.KnowledgeBaseFiles)
	c.KnowledgeBaseText = cloneSlice(d.KnowledgeBaseText)
	c.KnowledgeBaseQnA = cloneSlice(d.KnowledgeBaseQnA)
	return &c
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return slices.Clone(s)
}
