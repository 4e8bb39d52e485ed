// Package agent talks to the Elysium Atlas agent backend over HTTP.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/elysium-atlas/atlas/internal/domain"
	"github.com/elysium-atlas/atlas/internal/identity"
	"github.com/elysium-atlas/atlas/internal/knowledge"
)

// Client defines the agent backend operations used by the wizard.
type Client interface {
	// FetchAgent retrieves an agent record by ID. A missing agent yields nil, nil.
	FetchAgent(ctx context.Context, agentID string) (*domain.ServerAgentRecord, error)

	// CreateAgent creates an agent and returns the stored record.
	CreateAgent(ctx context.Context, payload AgentPayload) (*domain.ServerAgentRecord, error)

	// UpdateAgent updates the scalar fields of an existing agent.
	UpdateAgent(ctx context.Context, agentID string, payload AgentPayload) (*domain.ServerAgentRecord, error)

	// AddLinks ingests web links into the agent knowledge base.
	AddLinks(ctx context.Context, agentID string, links []string) error

	// AddText ingests free-text blocks into the agent knowledge base.
	AddText(ctx context.Context, agentID string, blocks []string) error

	// AddQnA ingests question/answer pairs into the agent knowledge base.
	AddQnA(ctx context.Context, agentID string, pairs []domain.QnAPair) error

	// UploadFile streams a confirmed file into the agent knowledge base.
	UploadFile(ctx context.Context, agentID string, file domain.FileHandle) error
}

// Ensure HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)

// HTTPClient implements Client against the agent backend REST API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates a backend client rooted at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// FetchAgent retrieves an agent record by ID.
func (c *HTTPClient) FetchAgent(ctx context.Context, agentID string) (*domain.ServerAgentRecord, error) {
	body, err := c.doJSON(ctx, http.MethodGet, agentPath(agentID), nil)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch agent %s: %w", agentID, err)
	}
	record, err := knowledge.DecodeServerRecord(body)
	if err != nil {
		return nil, fmt.Errorf("fetch agent %s: %w", agentID, err)
	}
	return record, nil
}

// CreateAgent creates an agent and returns the stored record.
func (c *HTTPClient) CreateAgent(ctx context.Context, payload AgentPayload) (*domain.ServerAgentRecord, error) {
	body, err := c.doJSON(ctx, http.MethodPost, "/agents", payload)
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	record, err := knowledge.DecodeServerRecord(body)
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	return record, nil
}

// UpdateAgent updates the scalar fields of an existing agent.
func (c *HTTPClient) UpdateAgent(ctx context.Context, agentID string, payload AgentPayload) (*domain.ServerAgentRecord, error) {
	body, err := c.doJSON(ctx, http.MethodPut, agentPath(agentID), payload)
	if err != nil {
		return nil, fmt.Errorf("update agent %s: %w", agentID, err)
	}
	record, err := knowledge.DecodeServerRecord(body)
	if err != nil {
		return nil, fmt.Errorf("update agent %s: %w", agentID, err)
	}
	return record, nil
}

// AddLinks ingests web links into the agent knowledge base.
func (c *HTTPClient) AddLinks(ctx context.Context, agentID string, links []string) error {
	if _, err := c.doJSON(ctx, http.MethodPost, agentPath(agentID)+"/knowledge/links", linksRequest{Links: links}); err != nil {
		return fmt.Errorf("add links to %s: %w", agentID, err)
	}
	return nil
}

// AddText ingests free-text blocks into the agent knowledge base.
func (c *HTTPClient) AddText(ctx context.Context, agentID string, blocks []string) error {
	if _, err := c.doJSON(ctx, http.MethodPost, agentPath(agentID)+"/knowledge/text", textRequest{Text: blocks}); err != nil {
		return fmt.Errorf("add text to %s: %w", agentID, err)
	}
	return nil
}

// AddQnA ingests question/answer pairs into the agent knowledge base.
func (c *HTTPClient) AddQnA(ctx context.Context, agentID string, pairs []domain.QnAPair) error {
	if _, err := c.doJSON(ctx, http.MethodPost, agentPath(agentID)+"/knowledge/qna", qnaRequest{QnA: pairs}); err != nil {
		return fmt.Errorf("add qna to %s: %w", agentID, err)
	}
	return nil
}

// UploadFile streams a confirmed file into the agent knowledge base.
func (c *HTTPClient) UploadFile(ctx context.Context, agentID string, file domain.FileHandle) error {
	f, err := os.Open(file.Path)
	if err != nil {
		return fmt.Errorf("open upload %s: %w", file.Name, err)
	}
	defer func() { _ = f.Close() }()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(file.Name))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	// Closing the read side unblocks the writer if the request ends early.
	defer func() { _ = pr.Close() }()

	req, err := c.newRequest(ctx, http.MethodPost, agentPath(agentID)+"/knowledge/files", pr)
	if err != nil {
		return fmt.Errorf("upload %s: %w", file.Name, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	if _, err := c.do(req); err != nil {
		return fmt.Errorf("upload %s: %w", file.Name, err)
	}
	return nil
}

func agentPath(agentID string) string {
	return "/agents/" + url.PathEscape(agentID)
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	// Anonymous callers go out without credentials; the backend decides.
	if token, ok := identity.TokenFromContext(ctx); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req)
}

func (c *HTTPClient) do(req *http.Request) ([]byte, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("Agent backend call",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp.StatusCode, body)
	}
	return body, nil
}
