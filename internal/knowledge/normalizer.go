// Package knowledge turns backend agent records and raw ingestion input into
// the canonical draft shape used by the wizard.
package knowledge

import (
	"math"

	"github.com/elysium-atlas/atlas/internal/domain"
)

// MapServerRecordToDraft maps a backend agent record onto a fresh draft.
//
// A nil record yields a nil draft. The knowledge-base collections always start
// empty: the backend record does not carry ingested content inline, and the
// ingestion calls repopulate them. The record is never modified.
func MapServerRecordToDraft(record *domain.ServerAgentRecord) *domain.AgentDraft {
	if record == nil {
		return nil
	}

	draft := domain.NewAgentDraft()
	draft.AgentID = agentID(record)
	draft.AgentName = deref(record.AgentName)
	draft.BaseURL = copyPtr(record.BaseURL)
	draft.AgentStatus = copyPtr(record.AgentStatus)
	draft.AgentCurrentTask = copyPtr(record.AgentCurrentTask)
	draft.Progress = finite(record.Progress)
	draft.SystemPrompt = copyPtr(record.SystemPrompt)
	draft.Temperature = finite(record.Temperature)
	draft.WelcomeMessage = copyPtr(record.WelcomeMessage)
	draft.LLMModel = copyPtr(record.LLMModel)
	draft.AgentIcon = copyPtr(record.AgentIcon)
	return draft
}

func agentID(record *domain.ServerAgentRecord) string {
	if record.AgentID != nil {
		return *record.AgentID
	}
	if record.LegacyAgentID != nil {
		return *record.LegacyAgentID
	}
	return ""
}

// finite copies p, dropping NaN and infinities, which a draft cannot store.
func finite(p *float64) *float64 {
	if p == nil || math.IsNaN(*p) || math.IsInf(*p, 0) {
		return nil
	}
	v := *p
	return &v
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
