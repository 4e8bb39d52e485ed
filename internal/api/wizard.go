package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/elysium-atlas/atlas/internal/agent"
	"github.com/elysium-atlas/atlas/internal/domain"
	"github.com/elysium-atlas/atlas/internal/identity"
	"github.com/elysium-atlas/atlas/internal/imaging"
	"github.com/elysium-atlas/atlas/internal/knowledge"
	"github.com/elysium-atlas/atlas/internal/uploads"
	"github.com/elysium-atlas/atlas/internal/wizard"
)

// submitLocks prevents concurrent submissions for the same session.
var submitLocks sync.Map

// multipartMemory is the in-memory part of multipart parsing; the rest spills to temp files.
const multipartMemory = 8 << 20

// WizardHandler exposes the agent-construction wizard of the caller's session.
type WizardHandler struct {
	*Handler
	avatarSize int
}

// NewWizardHandler creates a wizard handler producing avatarSize×avatarSize icons.
func NewWizardHandler(base *Handler, avatarSize int) *WizardHandler {
	return &WizardHandler{Handler: base, avatarSize: avatarSize}
}

// RegisterRoutes registers wizard routes.
func (h *WizardHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/wizard", func(r chi.Router) {
		r.Get("/", h.GetState)
		r.Delete("/", h.Reset)

		r.Post("/next", h.Next)
		r.Post("/back", h.Back)
		r.Post("/step", h.GoTo)

		r.Patch("/draft", h.PatchDraft)

		r.Post("/links", h.AddLinks)
		r.Delete("/links/{index}", h.RemoveLink)
		r.Post("/text", h.AddText)
		r.Delete("/text/{index}", h.RemoveText)
		r.Post("/qna", h.AddQnA)
		r.Delete("/qna/{index}", h.RemoveQnA)

		r.Post("/files/stage", h.StageFiles)
		r.Post("/files/confirm", h.ConfirmFiles)
		r.Delete("/files/staged", h.DiscardFiles)
		r.Delete("/files/{index}", h.RemoveFile)

		r.Post("/avatar", h.UploadAvatar)
		r.Post("/load/{agentID}", h.LoadAgent)
		r.Post("/submit", h.Submit)
	})
}

// WizardState is the wizard as seen by the dashboard.
type WizardState struct {
	Step        int                 `json:"step"`
	StepName    string              `json:"step_name"`
	CanAdvance  bool                `json:"can_advance"`
	Draft       *domain.AgentDraft  `json:"draft"`
	StagedFiles []domain.FileHandle `json:"staged_files"`
}

func stateOf(w *wizard.Wizard) WizardState {
	return WizardState{
		Step:        int(w.Step()),
		StepName:    w.Step().String(),
		CanAdvance:  w.CanAdvance(),
		Draft:       w.Draft(),
		StagedFiles: w.Staged(),
	}
}

// update applies fn to the caller's wizard, persists it and writes the new state.
// Files returned by fn are released once the change is stored.
func (h *WizardHandler) update(w http.ResponseWriter, r *http.Request, fn func(*wizard.Wizard) ([]domain.FileHandle, error)) {
	sessionKey := identity.SessionKeyFromContext(r.Context())

	var state WizardState
	var released []domain.FileHandle
	err := h.sessions.Update(r.Context(), sessionKey, func(wz *wizard.Wizard) error {
		files, err := fn(wz)
		if err != nil {
			return err
		}
		released = files
		state = stateOf(wz)
		return nil
	})
	if err != nil {
		h.writeError(w, sessionKey, err)
		return
	}
	h.releaseFiles(sessionKey, released)
	JSON(w, http.StatusOK, state)
}

// writeError maps domain errors onto HTTP status codes.
func (h *WizardHandler) writeError(w http.ResponseWriter, sessionKey string, err error) {
	var apiErr *agent.APIError
	switch {
	case errors.Is(err, wizard.ErrAgentNameRequired),
		errors.Is(err, wizard.ErrInvalidStep),
		errors.Is(err, knowledge.ErrInvalidLink),
		errors.Is(err, knowledge.ErrEmptyText),
		errors.Is(err, knowledge.ErrIncompleteQnA),
		errors.Is(err, imaging.ErrInvalidTargetSize),
		errors.Is(err, errBadRequest):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, wizard.ErrNoPreviousStep),
		errors.Is(err, wizard.ErrNoNextStep),
		errors.Is(err, wizard.ErrNotOnKnowledgeBaseStep):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, wizard.ErrIndexOutOfRange):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, uploads.ErrTooLarge):
		Error(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.As(err, &apiErr):
		status := http.StatusBadGateway
		if agent.IsUnauthorized(err) {
			status = http.StatusUnauthorized
		}
		h.logger.Warn("Agent backend rejected request", "session_key", sessionKey, "status", apiErr.StatusCode, "error", err)
		Error(w, status, apiErr.Message)
	default:
		h.logger.Error("Wizard request failed", "session_key", sessionKey, "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func indexParam(r *http.Request) (int, error) {
	i, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		return 0, badRequest("index must be an integer")
	}
	return i, nil
}

// GetState returns the caller's wizard, restoring it from storage when needed.
func (h *WizardHandler) GetState(w http.ResponseWriter, r *http.Request) {
	sessionKey := identity.SessionKeyFromContext(r.Context())
	var state WizardState
	err := h.sessions.View(r.Context(), sessionKey, func(wz *wizard.Wizard) error {
		state = stateOf(wz)
		return nil
	})
	if err != nil {
		h.writeError(w, sessionKey, err)
		return
	}
	JSON(w, http.StatusOK, state)
}

// Reset discards the caller's wizard and its files.
func (h *WizardHandler) Reset(w http.ResponseWriter, r *http.Request) {
	sessionKey := identity.SessionKeyFromContext(r.Context())
	files, err := h.sessions.Reset(r.Context(), sessionKey)
	h.releaseFiles(sessionKey, files)
	if err != nil {
		h.writeError(w, sessionKey, err)
		return
	}
	h.logger.Info("Wizard reset", "session_key", sessionKey)
	JSON(w, http.StatusOK, stateOf(wizard.New()))
}

// Next advances one step.
func (h *WizardHandler) Next(w http.ResponseWriter, r *http.Request) {
	h.update(w, r, func(wz *wizard.Wizard) ([]domain.FileHandle, error) {
		return wz.Next()
	})
}

// Back retreats one step.
func (h *WizardHandler) Back(w http.ResponseWriter, r *http.Request) {
	h.update(w, r, func(wz *wizard.Wizard) ([]domain.FileHandle, error) {
		return wz.Back()
	})
}

// GoTo jumps to the step given as {"step": n}.
func (h *WizardHandler) GoTo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Step int `json:"step"`
	}
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, identity.SessionKeyFromContext(r.Context()), err)
		return
	}
	h.update(w, r, func(wz *wizard.Wizard) ([]domain.FileHandle, error) {
		return wz.GoTo(req.Step)
	})
}

// draftPatch holds the scalar fields of PATCH /draft. A field present with
// null clears the value; an absent field is left alone.
type draftPatch map[string]json.RawMessage

var patchableFields = map[string]bool{
	"agent_name":      true,
	"base_url":        true,
	"system_prompt":   true,
	"temperature":     true,
	"welcome_message": true,
	"llm_model":       true,
	"agent_icon":      true,
}

func (p draftPatch) optString(key string) (*string, bool, error) {
	raw, ok := p[key]
	if !ok {
		return nil, false, nil
	}
	var v *string
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false, badRequest("%s must be a string or null", key)
	}
	return v, true, nil
}

// apply validates every field before touching the wizard so a bad patch
// changes nothing.
func (p draftPatch) apply(wz *wizard.Wizard) error {
	for key := range p {
		if !patchableFields[key] {
			return badRequest("unknown field %q", key)
		}
	}

	strs := map[string]*string{}
	for _, key := range []string{"agent_name", "base_url", "system_prompt", "welcome_message", "llm_model", "agent_icon"} {
		v, ok, err := p.optString(key)
		if err != nil {
			return err
		}
		if ok {
			strs[key] = v
		}
	}

	var temp *float64
	_, hasTemp := p["temperature"]
	if hasTemp {
		if err := json.Unmarshal(p["temperature"], &temp); err != nil {
			return badRequest("temperature must be a number or null")
		}
		if temp != nil && (*temp < 0 || *temp > 2) {
			return badRequest("temperature must be between 0 and 2")
		}
	}
	if v, ok := strs["base_url"]; ok && v != nil && strings.TrimSpace(*v) != "" {
		if _, err := knowledge.NormalizeLink(*v); err != nil {
			return badRequest("base_url must be an http(s) URL")
		}
	}

	if v, ok := strs["agent_name"]; ok {
		name := ""
		if v != nil {
			name = *v
		}
		wz.SetAgentName(name)
	}
	if v, ok := strs["base_url"]; ok {
		wz.SetBaseURL(v)
	}
	if v, ok := strs["system_prompt"]; ok {
		wz.SetSystemPrompt(v)
	}
	if v, ok := strs["welcome_message"]; ok {
		wz.SetWelcomeMessage(v)
	}
	if v, ok := strs["llm_model"]; ok {
		wz.SetLLMModel(v)
	}
	if v, ok := strs["agent_icon"]; ok {
		wz.SetAgentIcon(v)
	}
	if hasTemp {
		wz.SetTemperature(temp)
	}
	return nil
}

// PatchDraft updates scalar draft fields.
func (h *WizardHandler) PatchDraft(w http.ResponseWriter, r *http.Request) {
	var patch draftPatch
	if err := decodeBody(r, &patch); err != nil {
		h.writeError(w, identity.SessionKeyFromContext(r.Context()), err)
		return
	}
	h.update(w, r, func(wz *wizard.Wizard) ([]domain.FileHandle, error) {
		return nil, patch.apply(wz)
	})
}

// AddLinks appends links from {"links": [...]}.
func (h *WizardHandler) AddLinks(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Links []string `json:"links"`
	}
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, identity.SessionKeyFromContext(r.Context()), err)
		return
	}
	h.update(w, r, func(wz *wizard.Wizard) ([]domain.FileHandle, error) {
		return nil, wz.AddLinks(req.Links...)
	})
}

// RemoveLink removes the link at {index}.
func (h *WizardHandler) RemoveLink(w http.ResponseWriter, r *http.Request) {
	h.removeAt(w, r, (*wizard.Wizard).RemoveLink)
}

// AddText appends a text block from {"text": "..."}.
func (h *WizardHandler) AddText(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, identity.SessionKeyFromContext(r.Context()), err)
		return
	}
	h.update(w, r, func(wz *wizard.Wizard) ([]domain.FileHandle, error) {
		return nil, wz.AddTextBlock(req.Text)
	})
}

// RemoveText removes the text block at {index}.
func (h *WizardHandler) RemoveText(w http.ResponseWriter, r *http.Request) {
	h.removeAt(w, r, (*wizard.Wizard).RemoveTextBlock)
}

// AddQnA appends a pair from {"question": "...", "answer": "..."}.
func (h *WizardHandler) AddQnA(w http.ResponseWriter, r *http.Request) {
	var req domain.QnAPair
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, identity.SessionKeyFromContext(r.Context()), err)
		return
	}
	h.update(w, r, func(wz *wizard.Wizard) ([]domain.FileHandle, error) {
		return nil, wz.AddQnA(req.Question, req.Answer)
	})
}

// RemoveQnA removes the pair at {index}.
func (h *WizardHandler) RemoveQnA(w http.ResponseWriter, r *http.Request) {
	h.removeAt(w, r, (*wizard.Wizard).RemoveQnA)
}

func (h *WizardHandler) removeAt(w http.ResponseWriter, r *http.Request, remove func(*wizard.Wizard, int) error) {
	i, err := indexParam(r)
	if err != nil {
		h.writeError(w, identity.SessionKeyFromContext(r.Context()), err)
		return
	}
	h.update(w, r, func(wz *wizard.Wizard) ([]domain.FileHandle, error) {
		return nil, remove(wz, i)
	})
}

// RemoveFile removes the confirmed file at {index} and deletes it from disk.
func (h *WizardHandler) RemoveFile(w http.ResponseWriter, r *http.Request) {
	i, err := indexParam(r)
	if err != nil {
		h.writeError(w, identity.SessionKeyFromContext(r.Context()), err)
		return
	}
	h.update(w, r, func(wz *wizard.Wizard) ([]domain.FileHandle, error) {
		f, err := wz.RemoveFile(i)
		if err != nil {
			return nil, err
		}
		return []domain.FileHandle{f}, nil
	})
}

// StageFiles stores the multipart "files" parts and stages them on the
// knowledge-base step.
func (h *WizardHandler) StageFiles(w http.ResponseWriter, r *http.Request) {
	sessionKey := identity.SessionKeyFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.files.MaxBytes()*8+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		h.writeError(w, sessionKey, badRequest("invalid multipart form: %v", err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		h.writeError(w, sessionKey, badRequest("no files provided"))
		return
	}

	saved := make([]domain.FileHandle, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			h.releaseFiles(sessionKey, saved)
			h.writeError(w, sessionKey, badRequest("read %s: %v", fh.Filename, err))
			return
		}
		handle, err := h.files.Save(sessionKey, fh.Filename, fh.Header.Get("Content-Type"), f)
		_ = f.Close()
		if err != nil {
			h.releaseFiles(sessionKey, saved)
			h.writeError(w, sessionKey, err)
			return
		}
		saved = append(saved, handle)
	}

	staged := false
	h.update(w, r, func(wz *wizard.Wizard) ([]domain.FileHandle, error) {
		if err := wz.StageFiles(saved...); err != nil {
			return nil, err
		}
		staged = true
		return nil, nil
	})
	if !staged {
		h.releaseFiles(sessionKey, saved)
	}
}

// ConfirmFiles moves staged files into the draft.
func (h *WizardHandler) ConfirmFiles(w http.ResponseWriter, r *http.Request) {
	h.update(w, r, func(wz *wizard.Wizard) ([]domain.FileHandle, error) {
		wz.ConfirmStagedFiles()
		return nil, nil
	})
}

// DiscardFiles drops the staged selection.
func (h *WizardHandler) DiscardFiles(w http.ResponseWriter, r *http.Request) {
	h.update(w, r, func(wz *wizard.Wizard) ([]domain.FileHandle, error) {
		return wz.DiscardStagedFiles(), nil
	})
}

// UploadAvatar downsamples the multipart "avatar" image into a square PNG
// data URL and stores it as the agent icon.
func (h *WizardHandler) UploadAvatar(w http.ResponseWriter, r *http.Request) {
	sessionKey := identity.SessionKeyFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.files.MaxBytes()+multipartMemory)
	f, _, err := r.FormFile("avatar")
	if err != nil {
		h.writeError(w, sessionKey, badRequest("avatar image is required"))
		return
	}
	defer func() { _ = f.Close() }()
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}

	img, err := imaging.DecodeAndDownsample(f, h.avatarSize)
	if err != nil {
		if errors.Is(err, imaging.ErrInvalidTargetSize) {
			h.writeError(w, sessionKey, err)
			return
		}
		h.writeError(w, sessionKey, badRequest("unsupported image: %v", err))
		return
	}

	icon := img.DataURL()
	h.update(w, r, func(wz *wizard.Wizard) ([]domain.FileHandle, error) {
		wz.SetAgentIcon(&icon)
		return nil, nil
	})
}

// LoadAgent fetches an existing agent and replaces the draft with it.
// Knowledge-base collections start empty; they are never read back from
// the backend record.
func (h *WizardHandler) LoadAgent(w http.ResponseWriter, r *http.Request) {
	sessionKey := identity.SessionKeyFromContext(r.Context())
	agentID := chi.URLParam(r, "agentID")

	record, err := h.backend.FetchAgent(r.Context(), agentID)
	if err != nil {
		h.writeError(w, sessionKey, err)
		return
	}
	if record == nil {
		Error(w, http.StatusNotFound, "agent not found")
		return
	}

	draft := knowledge.MapServerRecordToDraft(record)
	h.update(w, r, func(wz *wizard.Wizard) ([]domain.FileHandle, error) {
		released := wz.Draft().KnowledgeBaseFiles
		released = append(released, wz.LoadDraft(draft)...)
		return released, nil
	})
}

// Submit hands the draft to the agent backend. Whatever the backend ingested
// is removed from the knowledge base, even when other parts failed, and the
// agent ID is kept so a later submit updates the same agent. Entries added
// while the submit was running stay in the draft for the next one.
func (h *WizardHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionKey := identity.SessionKeyFromContext(ctx)

	lock, _ := submitLocks.LoadOrStore(sessionKey, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		h.logger.Warn("Submit already in progress", "session_key", sessionKey)
		Error(w, http.StatusConflict, "submit_in_progress")
		return
	}
	defer func() {
		mutex.Unlock()
		submitLocks.Delete(sessionKey)
	}()

	var draft *domain.AgentDraft
	err := h.sessions.View(ctx, sessionKey, func(wz *wizard.Wizard) error {
		if strings.TrimSpace(wz.Draft().AgentName) == "" {
			return wizard.ErrAgentNameRequired
		}
		draft = wz.Draft()
		return nil
	})
	if err != nil {
		h.writeError(w, sessionKey, err)
		return
	}

	h.logger.Info("Submitting agent", "session_key", sessionKey, "agent_id", draft.AgentID)
	result, submitErr := agent.Submit(ctx, h.backend, draft)

	var released []domain.FileHandle
	var state WizardState
	if result.AgentID != "" {
		err = h.sessions.Update(ctx, sessionKey, func(wz *wizard.Wizard) error {
			// A different agent was loaded meanwhile; its draft is not ours to edit.
			if current := wz.Draft().AgentID; current != draft.AgentID {
				h.logger.Warn("Draft replaced during submit", "session_key", sessionKey, "agent_id", result.AgentID, "current_agent_id", current)
				state = stateOf(wz)
				return nil
			}
			wz.SetAgentID(result.AgentID)
			released = wz.RemoveIngested(result.Ingested)
			state = stateOf(wz)
			return nil
		})
		if err != nil {
			released = nil
			if submitErr == nil {
				submitErr = err
			}
		}
	}
	h.releaseFiles(sessionKey, released)
	if submitErr != nil {
		h.writeError(w, sessionKey, submitErr)
		return
	}

	h.logger.Info("Agent submitted", "session_key", sessionKey, "agent_id", result.AgentID)
	JSON(w, http.StatusOK, map[string]interface{}{
		"agent_id": result.AgentID,
		"state":    state,
	})
}
