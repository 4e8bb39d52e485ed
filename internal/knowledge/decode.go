package knowledge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/elysium-atlas/atlas/internal/domain"
)

// DecodeServerRecord parses a backend agent record leniently.
//
// Fields of the wrong type are dropped rather than failing the decode, numeric
// fields accept quoted numbers, and identifiers accept bare numbers. Only
// malformed JSON or a non-object payload is an error; a JSON null yields nil.
func DecodeServerRecord(data []byte) (*domain.ServerAgentRecord, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("decode agent record: %w", err)
	}

	// Some endpoints wrap the record in {"agent": {...}}.
	if inner, ok := fields["agent"]; ok && len(fields) == 1 {
		return DecodeServerRecord(inner)
	}

	return &domain.ServerAgentRecord{
		AgentID:            identField(fields, "agent_id"),
		LegacyAgentID:      identField(fields, "agentID"),
		AgentName:          stringField(fields, "agent_name"),
		BaseURL:            stringField(fields, "base_url"),
		AgentStatus:        stringField(fields, "agent_status"),
		AgentCurrentTask:   stringField(fields, "agent_current_task"),
		Progress:           numberField(fields, "progress"),
		SystemPrompt:       stringField(fields, "system_prompt"),
		Temperature:        numberField(fields, "temperature"),
		WelcomeMessage:     stringField(fields, "welcome_message"),
		LLMModel:           stringField(fields, "llm_model"),
		AgentIcon:          stringField(fields, "agent_icon"),
		KnowledgeBaseLinks: stringsField(fields, "knowledge_base_links"),
		KnowledgeBaseText:  stringsField(fields, "knowledge_base_text"),
	}, nil
}

func stringField(fields map[string]json.RawMessage, key string) *string {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return &s
}

func identField(fields map[string]json.RawMessage, key string) *string {
	if s := stringField(fields, key); s != nil {
		return s
	}
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil
	}
	s := n.String()
	return &s
}

func numberField(fields map[string]json.RawMessage, key string) *float64 {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func stringsField(fields map[string]json.RawMessage, key string) []string {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
