package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/elysium-atlas/atlas/internal/agent"
	"github.com/elysium-atlas/atlas/internal/domain"
	"github.com/elysium-atlas/atlas/internal/identity"
	"github.com/elysium-atlas/atlas/internal/uploads"
	"github.com/elysium-atlas/atlas/internal/wizard"
)

type testEnv struct {
	t       *testing.T
	router  chi.Router
	repo    *fakeRepo
	backend *fakeBackend
	files   *uploads.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := newFakeRepo()
	backend := newFakeBackend()
	files, err := uploads.New(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("uploads.New: %v", err)
	}
	return newTestEnvWith(t, repo, backend, files)
}

func newTestEnvWith(t *testing.T, repo *fakeRepo, backend *fakeBackend, files *uploads.Store) *testEnv {
	t.Helper()
	base := NewHandler(repo, wizard.NewSessions(repo, nil), files, backend, nil)
	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	NewWizardHandler(base, 64).RegisterRoutes(r)
	NewSystemHandler(base, 64, 1<<20, "/ws/agent").RegisterRoutes(r)
	return &testEnv{t: t, router: r, repo: repo, backend: backend, files: files}
}

func (e *testEnv) send(req *http.Request) *httptest.ResponseRecorder {
	e.t.Helper()
	req.AddCookie(&http.Cookie{Name: identity.SessionCookieName, Value: "tok-test"})
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return e.send(req)
}

func (e *testEnv) upload(path, field string, parts map[string][]byte) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, data := range parts {
		fw, err := mw.CreateFormFile(field, name)
		if err != nil {
			e.t.Fatalf("create form file: %v", err)
		}
		_, _ = fw.Write(data)
	}
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return e.send(req)
}

func decodeState(t *testing.T, rr *httptest.ResponseRecorder) WizardState {
	t.Helper()
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var s WizardState
	if err := json.NewDecoder(rr.Body).Decode(&s); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return s
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}

func (e *testEnv) toKnowledgeBase() {
	e.t.Helper()
	decodeState(e.t, e.do(http.MethodPatch, "/api/wizard/draft", map[string]any{"agent_name": "Atlas"}))
	s := decodeState(e.t, e.do(http.MethodPost, "/api/wizard/next", nil))
	if s.Step != 2 {
		e.t.Fatalf("expected step 2, got %d", s.Step)
	}
}

func TestWizardInitialState(t *testing.T) {
	env := newTestEnv(t)
	s := decodeState(t, env.do(http.MethodGet, "/api/wizard/", nil))

	if s.Step != 1 || s.StepName != "identity" || s.CanAdvance {
		t.Fatalf("unexpected initial state %+v", s)
	}
	if s.Draft == nil || s.Draft.KnowledgeBaseLinks == nil {
		t.Fatal("expected initialized draft collections")
	}
}

func TestWizardNavigationRules(t *testing.T) {
	env := newTestEnv(t)

	expectStatus(t, env.do(http.MethodPost, "/api/wizard/next", nil), http.StatusBadRequest)
	expectStatus(t, env.do(http.MethodPost, "/api/wizard/back", nil), http.StatusConflict)
	expectStatus(t, env.do(http.MethodPost, "/api/wizard/step", map[string]int{"step": 2}), http.StatusBadRequest)
	expectStatus(t, env.do(http.MethodPost, "/api/wizard/step", map[string]int{"step": 9}), http.StatusBadRequest)

	env.toKnowledgeBase()
	expectStatus(t, env.do(http.MethodPost, "/api/wizard/next", nil), http.StatusConflict)

	s := decodeState(t, env.do(http.MethodPost, "/api/wizard/step", map[string]int{"step": 1}))
	if s.Step != 1 || s.Draft.AgentName != "Atlas" {
		t.Fatalf("navigation must keep the draft, got %+v", s)
	}
}

func TestPatchDraft(t *testing.T) {
	env := newTestEnv(t)

	s := decodeState(t, env.do(http.MethodPatch, "/api/wizard/draft", map[string]any{
		"agent_name":    "Atlas",
		"temperature":   0.7,
		"system_prompt": "be kind",
		"base_url":      "https://atlas.example.com",
	}))
	if s.Draft.Temperature == nil || *s.Draft.Temperature != 0.7 {
		t.Fatalf("temperature not set: %+v", s.Draft)
	}

	s = decodeState(t, env.do(http.MethodPatch, "/api/wizard/draft", map[string]any{"system_prompt": nil}))
	if s.Draft.SystemPrompt != nil {
		t.Fatal("null must clear system_prompt")
	}
	if s.Draft.AgentName != "Atlas" {
		t.Fatal("absent fields must be left alone")
	}

	expectStatus(t, env.do(http.MethodPatch, "/api/wizard/draft", map[string]any{"agent_status": "ready"}), http.StatusBadRequest)
	expectStatus(t, env.do(http.MethodPatch, "/api/wizard/draft", map[string]any{"agent_name": "Other", "temperature": 5}), http.StatusBadRequest)
	expectStatus(t, env.do(http.MethodPatch, "/api/wizard/draft", map[string]any{"base_url": "ftp://x"}), http.StatusBadRequest)

	s = decodeState(t, env.do(http.MethodGet, "/api/wizard/", nil))
	if s.Draft.AgentName != "Atlas" {
		t.Fatalf("rejected patch must not apply partially, got %q", s.Draft.AgentName)
	}
}

func TestKnowledgeBaseEntries(t *testing.T) {
	env := newTestEnv(t)
	env.toKnowledgeBase()

	expectStatus(t, env.do(http.MethodPost, "/api/wizard/links", map[string]any{"links": []string{"https://a.example.com", "not a url"}}), http.StatusBadRequest)

	s := decodeState(t, env.do(http.MethodPost, "/api/wizard/links", map[string]any{"links": []string{"https://a.example.com", "https://a.example.com"}}))
	if len(s.Draft.KnowledgeBaseLinks) != 1 {
		t.Fatalf("expected de-duplicated links, got %v", s.Draft.KnowledgeBaseLinks)
	}

	decodeState(t, env.do(http.MethodPost, "/api/wizard/text", map[string]string{"text": "  hours are 9-5 "}))
	expectStatus(t, env.do(http.MethodPost, "/api/wizard/text", map[string]string{"text": "   "}), http.StatusBadRequest)

	decodeState(t, env.do(http.MethodPost, "/api/wizard/qna", map[string]string{"question": "Q?", "answer": "A."}))
	expectStatus(t, env.do(http.MethodPost, "/api/wizard/qna", map[string]string{"question": "Q?"}), http.StatusBadRequest)

	expectStatus(t, env.do(http.MethodDelete, "/api/wizard/links/5", nil), http.StatusNotFound)
	expectStatus(t, env.do(http.MethodDelete, "/api/wizard/links/abc", nil), http.StatusBadRequest)

	s = decodeState(t, env.do(http.MethodDelete, "/api/wizard/qna/0", nil))
	if len(s.Draft.KnowledgeBaseQnA) != 0 || len(s.Draft.KnowledgeBaseText) != 1 {
		t.Fatalf("unexpected draft %+v", s.Draft)
	}
}

func TestStageFilesRequiresKnowledgeBaseStep(t *testing.T) {
	env := newTestEnv(t)

	rr := env.upload("/api/wizard/files/stage", "files", map[string][]byte{"a.txt": []byte("a")})
	expectStatus(t, rr, http.StatusConflict)

	sessionDir := env.sessionDir(t)
	entries, _ := os.ReadDir(sessionDir)
	if len(entries) != 0 {
		t.Fatalf("rejected upload must be removed from disk, found %d files", len(entries))
	}
}

func (e *testEnv) sessionDir(t *testing.T) string {
	t.Helper()
	h, err := e.files.Save(identity.SessionKey("tok-test"), "marker", "", strings.NewReader(""))
	if err != nil {
		t.Fatalf("marker save: %v", err)
	}
	dir := filepath.Dir(h.Path)
	if err := e.files.Remove(h); err != nil {
		t.Fatalf("marker remove: %v", err)
	}
	return dir
}

func TestStageConfirmAndDiscardFiles(t *testing.T) {
	env := newTestEnv(t)
	env.toKnowledgeBase()

	s := decodeState(t, env.upload("/api/wizard/files/stage", "files", map[string][]byte{"a.txt": []byte("alpha")}))
	if len(s.StagedFiles) != 1 || len(s.Draft.KnowledgeBaseFiles) != 0 {
		t.Fatalf("expected one staged file, got %+v", s)
	}

	s = decodeState(t, env.do(http.MethodPost, "/api/wizard/files/confirm", nil))
	if len(s.StagedFiles) != 0 || len(s.Draft.KnowledgeBaseFiles) != 1 {
		t.Fatalf("expected one confirmed file, got %+v", s)
	}
	confirmed := s.Draft.KnowledgeBaseFiles[0]

	s = decodeState(t, env.upload("/api/wizard/files/stage", "files", map[string][]byte{"b.txt": []byte("beta")}))
	staged := s.StagedFiles[0]

	// Leaving the step discards the staged file but keeps the confirmed one.
	s = decodeState(t, env.do(http.MethodPost, "/api/wizard/back", nil))
	if len(s.StagedFiles) != 0 || len(s.Draft.KnowledgeBaseFiles) != 1 {
		t.Fatalf("unexpected state after back %+v", s)
	}
	if _, err := os.Stat(staged.Path); !os.IsNotExist(err) {
		t.Fatal("discarded staged file must be deleted")
	}
	if _, err := os.Stat(confirmed.Path); err != nil {
		t.Fatalf("confirmed file must survive navigation: %v", err)
	}

	decodeState(t, env.do(http.MethodPost, "/api/wizard/next", nil))
	s = decodeState(t, env.do(http.MethodDelete, "/api/wizard/files/0", nil))
	if len(s.Draft.KnowledgeBaseFiles) != 0 {
		t.Fatal("expected file removal")
	}
	if _, err := os.Stat(confirmed.Path); !os.IsNotExist(err) {
		t.Fatal("removed file must be deleted")
	}
}

func TestDiscardStagedFilesEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.toKnowledgeBase()

	s := decodeState(t, env.upload("/api/wizard/files/stage", "files", map[string][]byte{"a.txt": []byte("a"), "b.txt": []byte("b")}))
	if len(s.StagedFiles) != 2 {
		t.Fatalf("expected two staged files, got %d", len(s.StagedFiles))
	}
	s = decodeState(t, env.do(http.MethodDelete, "/api/wizard/files/staged", nil))
	if len(s.StagedFiles) != 0 {
		t.Fatal("expected staged files discarded")
	}
}

func TestUploadAvatar(t *testing.T) {
	env := newTestEnv(t)

	img := image.NewRGBA(image.Rect(0, 0, 300, 200))
	for y := 0; y < 200; y++ {
		for x := 0; x < 300; x++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	s := decodeState(t, env.upload("/api/wizard/avatar", "avatar", map[string][]byte{"me.png": buf.Bytes()}))
	if s.Draft.AgentIcon == nil || !strings.HasPrefix(*s.Draft.AgentIcon, "data:image/png;base64,") {
		t.Fatalf("expected PNG data URL icon, got %v", s.Draft.AgentIcon)
	}

	expectStatus(t, env.upload("/api/wizard/avatar", "avatar", map[string][]byte{"bad.png": []byte("nope")}), http.StatusBadRequest)
}

func TestLoadAgentReplacesDraft(t *testing.T) {
	env := newTestEnv(t)
	env.backend.records["a-9"] = &domain.ServerAgentRecord{
		LegacyAgentID:      domain.Ptr("a-9"),
		AgentName:          domain.Ptr("Remote"),
		AgentStatus:        domain.Ptr("active"),
		KnowledgeBaseLinks: []string{"https://ignored.example.com"},
	}

	env.toKnowledgeBase()
	decodeState(t, env.do(http.MethodPost, "/api/wizard/text", map[string]string{"text": "local note"}))

	s := decodeState(t, env.do(http.MethodPost, "/api/wizard/load/a-9", nil))
	if s.Draft.AgentID != "a-9" || s.Draft.AgentName != "Remote" {
		t.Fatalf("unexpected draft %+v", s.Draft)
	}
	if s.Draft.AgentStatus == nil || *s.Draft.AgentStatus != "active" {
		t.Fatal("server-reported status must be loaded")
	}
	if s.Draft.HasKnowledgeBase() {
		t.Fatalf("knowledge base must start empty after load, got %+v", s.Draft)
	}
	if s.Step != 2 {
		t.Fatalf("load must not move the wizard, got step %d", s.Step)
	}

	expectStatus(t, env.do(http.MethodPost, "/api/wizard/load/missing", nil), http.StatusNotFound)
}

func TestSubmitCreatesAgentAndClearsKnowledgeBase(t *testing.T) {
	env := newTestEnv(t)
	expectStatus(t, env.do(http.MethodPost, "/api/wizard/submit", nil), http.StatusBadRequest)

	env.toKnowledgeBase()
	decodeState(t, env.do(http.MethodPost, "/api/wizard/links", map[string]any{"links": []string{"https://a.example.com"}}))
	s := decodeState(t, env.upload("/api/wizard/files/stage", "files", map[string][]byte{"a.txt": []byte("a")}))
	path := s.StagedFiles[0].Path
	decodeState(t, env.do(http.MethodPost, "/api/wizard/files/confirm", nil))

	rr := env.do(http.MethodPost, "/api/wizard/submit", nil)
	expectStatus(t, rr, http.StatusOK)

	var resp struct {
		AgentID string      `json:"agent_id"`
		State   WizardState `json:"state"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if resp.AgentID != "agent-1" || resp.State.Draft.AgentID != "agent-1" {
		t.Fatalf("unexpected submit response %+v", resp)
	}
	if resp.State.Draft.HasKnowledgeBase() {
		t.Fatal("ingested knowledge base must be cleared")
	}
	if env.backend.ingested["links"] != 1 || env.backend.ingested["files"] != 1 {
		t.Fatalf("unexpected ingestion %v", env.backend.ingested)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("submitted file must be deleted locally")
	}

	// A second submit updates the same agent.
	expectStatus(t, env.do(http.MethodPost, "/api/wizard/submit", nil), http.StatusOK)
	if len(env.backend.records) != 1 {
		t.Fatalf("expected a single agent, got %d", len(env.backend.records))
	}
}

func TestSubmitKeepsEntriesAddedWhileRunning(t *testing.T) {
	env := newTestEnv(t)
	env.toKnowledgeBase()
	decodeState(t, env.do(http.MethodPost, "/api/wizard/links", map[string]any{"links": []string{"https://a.example"}}))

	env.backend.createStarted = make(chan struct{})
	env.backend.createGate = make(chan struct{})
	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- env.do(http.MethodPost, "/api/wizard/submit", nil) }()

	<-env.backend.createStarted
	s := decodeState(t, env.do(http.MethodPost, "/api/wizard/links", map[string]any{"links": []string{"https://b.example"}}))
	if len(s.Draft.KnowledgeBaseLinks) != 2 {
		t.Fatalf("edits must not wait for the backend, got %v", s.Draft.KnowledgeBaseLinks)
	}
	close(env.backend.createGate)
	expectStatus(t, <-done, http.StatusOK)

	s = decodeState(t, env.do(http.MethodGet, "/api/wizard/", nil))
	if len(s.Draft.KnowledgeBaseLinks) != 1 || s.Draft.KnowledgeBaseLinks[0] != "https://b.example" {
		t.Fatalf("link added during submit must stay for the next submit, got %v", s.Draft.KnowledgeBaseLinks)
	}
	if len(env.backend.links) != 1 || len(env.backend.links[0]) != 1 || env.backend.links[0][0] != "https://a.example" {
		t.Fatalf("only the submitted snapshot is ingested, got %v", env.backend.links)
	}
}

func TestSubmitPartialFailureClearsOnlyIngested(t *testing.T) {
	env := newTestEnv(t)
	env.backend.ingestErr["text"] = errors.New("text store down")
	env.toKnowledgeBase()
	decodeState(t, env.do(http.MethodPost, "/api/wizard/links", map[string]any{"links": []string{"https://a.example"}}))
	decodeState(t, env.do(http.MethodPost, "/api/wizard/text", map[string]string{"text": "note"}))

	expectStatus(t, env.do(http.MethodPost, "/api/wizard/submit", nil), http.StatusInternalServerError)

	s := decodeState(t, env.do(http.MethodGet, "/api/wizard/", nil))
	if s.Draft.AgentID != "agent-1" {
		t.Fatalf("created agent id must be kept, got %q", s.Draft.AgentID)
	}
	if len(s.Draft.KnowledgeBaseLinks) != 0 {
		t.Fatalf("ingested links must be cleared, got %v", s.Draft.KnowledgeBaseLinks)
	}
	if len(s.Draft.KnowledgeBaseText) != 1 {
		t.Fatalf("failed text must stay for a retry, got %v", s.Draft.KnowledgeBaseText)
	}

	delete(env.backend.ingestErr, "text")
	expectStatus(t, env.do(http.MethodPost, "/api/wizard/submit", nil), http.StatusOK)
	if env.backend.ingested["links"] != 1 || env.backend.ingested["text"] != 1 {
		t.Fatalf("retry must not ingest links twice, got %v", env.backend.ingested)
	}
}

func TestLoadAgentWithNonFiniteTemperature(t *testing.T) {
	env := newTestEnv(t)
	env.backend.records["a-1"] = &domain.ServerAgentRecord{
		AgentID:     domain.Ptr("a-1"),
		AgentName:   domain.Ptr("Remote"),
		Temperature: domain.Ptr(math.NaN()),
	}

	s := decodeState(t, env.do(http.MethodPost, "/api/wizard/load/a-1", nil))
	if s.Draft.Temperature != nil {
		t.Fatalf("non-finite temperature must be dropped, got %v", *s.Draft.Temperature)
	}
	s = decodeState(t, env.do(http.MethodPatch, "/api/wizard/draft", map[string]any{"agent_name": "Other"}))
	if s.Draft.AgentName != "Other" {
		t.Fatalf("wizard must stay editable, got %+v", s.Draft)
	}
}

func TestSubmitUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	env.backend.createErr = &agent.APIError{StatusCode: http.StatusUnauthorized, Message: "login required"}
	env.toKnowledgeBase()

	expectStatus(t, env.do(http.MethodPost, "/api/wizard/submit", nil), http.StatusUnauthorized)
}

func TestWizardSurvivesRestart(t *testing.T) {
	env := newTestEnv(t)
	env.toKnowledgeBase()
	decodeState(t, env.do(http.MethodPost, "/api/wizard/text", map[string]string{"text": "note"}))

	restarted := newTestEnvWith(t, env.repo, env.backend, env.files)
	s := decodeState(t, restarted.do(http.MethodGet, "/api/wizard/", nil))
	if s.Step != 2 || s.Draft.AgentName != "Atlas" || len(s.Draft.KnowledgeBaseText) != 1 {
		t.Fatalf("expected resumed wizard, got %+v", s)
	}
}

func TestResetWizard(t *testing.T) {
	env := newTestEnv(t)
	env.toKnowledgeBase()

	s := decodeState(t, env.do(http.MethodDelete, "/api/wizard/", nil))
	if s.Step != 1 || s.Draft.AgentName != "" {
		t.Fatalf("expected fresh wizard, got %+v", s)
	}
	if len(env.repo.rows) != 0 {
		t.Fatal("expected persisted state removed")
	}
}

func TestHealthAndConfig(t *testing.T) {
	env := newTestEnv(t)

	expectStatus(t, env.do(http.MethodGet, "/health", nil), http.StatusOK)
	env.repo.pingErr = os.ErrClosed
	expectStatus(t, env.do(http.MethodGet, "/health", nil), http.StatusServiceUnavailable)

	rr := env.do(http.MethodGet, "/api/config", nil)
	expectStatus(t, rr, http.StatusOK)
	var cfg map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&cfg); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if cfg["authenticated"] != true || cfg["socket_path"] != "/ws/agent" {
		t.Fatalf("unexpected config %v", cfg)
	}
}
