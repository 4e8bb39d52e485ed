package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/elysium-atlas/atlas/internal/agent"
	"github.com/elysium-atlas/atlas/internal/domain"
)

type fakeRepo struct {
	mu      sync.Mutex
	rows    map[string]domain.WizardSession
	pingErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: map[string]domain.WizardSession{}}
}

func (f *fakeRepo) GetWizardSession(_ context.Context, key string) (*domain.WizardSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[key]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (f *fakeRepo) UpsertWizardSession(_ context.Context, s *domain.WizardSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[s.SessionKey] = *s
	return nil
}

func (f *fakeRepo) DeleteWizardSession(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, key)
	return nil
}

func (f *fakeRepo) DeleteIdleWizardSession(_ context.Context, key string, cutoff time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[key]
	if !ok || !row.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	delete(f.rows, key)
	return true, nil
}

func (f *fakeRepo) ExpiredWizardSessions(context.Context, time.Duration) ([]*domain.WizardSession, error) {
	return nil, nil
}

func (f *fakeRepo) Ping(context.Context) error { return f.pingErr }
func (f *fakeRepo) Close() error               { return nil }

// fakeBackend is an in-memory agent.Client.
type fakeBackend struct {
	mu        sync.Mutex
	records   map[string]*domain.ServerAgentRecord
	ingested  map[string]int
	links     [][]string
	createErr error
	ingestErr map[string]error
	nextID    int

	// When set, CreateAgent closes createStarted and waits for createGate.
	createStarted chan struct{}
	createGate    chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		records:   map[string]*domain.ServerAgentRecord{},
		ingested:  map[string]int{},
		ingestErr: map[string]error{},
	}
}

func (f *fakeBackend) FetchAgent(_ context.Context, id string) (*domain.ServerAgentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[id], nil
}

func (f *fakeBackend) CreateAgent(ctx context.Context, p agent.AgentPayload) (*domain.ServerAgentRecord, error) {
	if f.createStarted != nil {
		close(f.createStarted)
		<-f.createGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("agent-%d", f.nextID)
	rec := &domain.ServerAgentRecord{AgentID: domain.Ptr(id), AgentName: domain.Ptr(p.AgentName)}
	f.records[id] = rec
	return rec, nil
}

func (f *fakeBackend) UpdateAgent(_ context.Context, id string, p agent.AgentPayload) (*domain.ServerAgentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, &agent.APIError{StatusCode: 404, Message: "no such agent"}
	}
	rec.AgentName = domain.Ptr(p.AgentName)
	return rec, nil
}

// count records a successful ingestion of kind unless it is set to fail.
func (f *fakeBackend) count(kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ingestErr[kind]; err != nil {
		return err
	}
	f.ingested[kind]++
	return nil
}

func (f *fakeBackend) AddLinks(_ context.Context, _ string, links []string) error {
	if err := f.count("links"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links = append(f.links, links)
	return nil
}

func (f *fakeBackend) AddText(context.Context, string, []string) error  { return f.count("text") }
func (f *fakeBackend) AddQnA(context.Context, string, []domain.QnAPair) error {
	return f.count("qna")
}
func (f *fakeBackend) UploadFile(context.Context, string, domain.FileHandle) error {
	return f.count("files")
}
