package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/elysium-atlas/atlas/internal/domain"
)

const maxResponseBytes = 4 << 20

// AgentPayload is the scalar agent configuration sent on create and update.
type AgentPayload struct {
	AgentName      string   `json:"agent_name"`
	BaseURL        *string  `json:"base_url,omitempty"`
	SystemPrompt   *string  `json:"system_prompt,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	WelcomeMessage *string  `json:"welcome_message,omitempty"`
	LLMModel       *string  `json:"llm_model,omitempty"`
	AgentIcon      *string  `json:"agent_icon,omitempty"`
}

// PayloadFromDraft extracts the scalar fields of a draft.
func PayloadFromDraft(d *domain.AgentDraft) AgentPayload {
	return AgentPayload{
		AgentName:      strings.TrimSpace(d.AgentName),
		BaseURL:        d.BaseURL,
		SystemPrompt:   d.SystemPrompt,
		Temperature:    d.Temperature,
		WelcomeMessage: d.WelcomeMessage,
		LLMModel:       d.LLMModel,
		AgentIcon:      d.AgentIcon,
	}
}

type linksRequest struct {
	Links []string `json:"links"`
}

type textRequest struct {
	Text []string `json:"text"`
}

type qnaRequest struct {
	QnA []domain.QnAPair `json:"qna"`
}

// APIError is a non-2xx response from the agent backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent backend returned %d", e.StatusCode)
	}
	return fmt.Sprintf("agent backend returned %d: %s", e.StatusCode, e.Message)
}

func newAPIError(status int, body []byte) *APIError {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	msg := ""
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, s := range []string{payload.Error, payload.Message, payload.Detail} {
			if s != "" {
				msg = s
				break
			}
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
	}
	return &APIError{StatusCode: status, Message: msg}
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	return statusOf(err) == http.StatusNotFound
}

// IsUnauthorized reports whether err is a 401 or 403 from the backend.
func IsUnauthorized(err error) bool {
	s := statusOf(err)
	return s == http.StatusUnauthorized || s == http.StatusForbidden
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
