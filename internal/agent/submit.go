package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/elysium-atlas/atlas/internal/domain"
	"github.com/elysium-atlas/atlas/internal/knowledge"
)

// ErrNoAgentID is returned when the backend creates an agent without an ID.
var ErrNoAgentID = errors.New("agent backend returned no agent id")

// maxConcurrentIngest bounds parallel ingestion calls per submit.
const maxConcurrentIngest = 4

// SubmitResult describes what a submit achieved, including on failure.
type SubmitResult struct {
	// AgentID is empty when the agent could not be created or updated.
	AgentID string
	// Ingested holds the entries the backend accepted.
	Ingested domain.KnowledgeBase
}

// Submit hands a draft to the backend. It creates the agent when the draft
// has no ID yet, otherwise updates it, then ingests the knowledge-base
// collections concurrently. Each collection and file is ingested
// independently: one failure does not cancel the others, and the result lists
// whatever was accepted.
func Submit(ctx context.Context, c Client, draft *domain.AgentDraft) (SubmitResult, error) {
	var res SubmitResult
	payload := PayloadFromDraft(draft)

	agentID := draft.AgentID
	if agentID == "" {
		record, err := c.CreateAgent(ctx, payload)
		if err != nil {
			return res, err
		}
		if d := knowledge.MapServerRecordToDraft(record); d != nil {
			agentID = d.AgentID
		}
		if agentID == "" {
			return res, ErrNoAgentID
		}
	} else if _, err := c.UpdateAgent(ctx, agentID, payload); err != nil {
		return res, err
	}
	res.AgentID = agentID

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(maxConcurrentIngest)
	accept := func(fn func(kb *domain.KnowledgeBase)) {
		mu.Lock()
		defer mu.Unlock()
		fn(&res.Ingested)
	}

	if links := draft.KnowledgeBaseLinks; len(links) > 0 {
		g.Go(func() error {
			if err := c.AddLinks(ctx, agentID, links); err != nil {
				return fmt.Errorf("links: %w", err)
			}
			accept(func(kb *domain.KnowledgeBase) { kb.Links = links })
			return nil
		})
	}
	if text := draft.KnowledgeBaseText; len(text) > 0 {
		g.Go(func() error {
			if err := c.AddText(ctx, agentID, text); err != nil {
				return fmt.Errorf("text: %w", err)
			}
			accept(func(kb *domain.KnowledgeBase) { kb.Text = text })
			return nil
		})
	}
	if qna := draft.KnowledgeBaseQnA; len(qna) > 0 {
		g.Go(func() error {
			if err := c.AddQnA(ctx, agentID, qna); err != nil {
				return fmt.Errorf("qna: %w", err)
			}
			accept(func(kb *domain.KnowledgeBase) { kb.QnA = qna })
			return nil
		})
	}
	for _, f := range draft.KnowledgeBaseFiles {
		g.Go(func() error {
			if err := c.UploadFile(ctx, agentID, f); err != nil {
				return fmt.Errorf("file %s: %w", f.Name, err)
			}
			accept(func(kb *domain.KnowledgeBase) { kb.Files = append(kb.Files, f) })
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return res, fmt.Errorf("ingest knowledge base for %s: %w", agentID, err)
	}
	return res, nil
}
