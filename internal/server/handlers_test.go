package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"github.com/finrag-core/server/internal/agent/graph"
	"github.com/finrag-core/server/internal/agent/graph/conversations"
	"github.com/finrag-core/server/internal/agent/graph/nodes"
	"github.com/finrag-core/server/internal/agent/graph/retrieval"
	"github.com/finrag-core/server/internal/agent/model"
)

const (
	classifierReply        = `("classification"<||>price_data<||>Apple<||>0.9<||>{"days_range": 365})##<|COMPLETE|>`
	classifierUnknownReply = `("classification"<||>price_data<||>Fabricated Conglomerate LLC<||>0.9)##<|COMPLETE|>`
	synthesisReply         = "Apple closed at $198.50.\nCITATIONS: price:AAPL"
	sufficiencyReply       = "VERDICT: SUFFICIENT\nREASON: answers the question"
)

type cannedChatModel struct {
	reply string
}

func (m *cannedChatModel) Generate(ctx context.Context, _ []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	return schema.AssistantMessage(m.reply, nil), nil
}

func (m *cannedChatModel) Stream(ctx context.Context, _ []*schema.Message, _ ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("stream not supported by fake")
}

type failingChatModel struct{}

func (m *failingChatModel) Generate(ctx context.Context, _ []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	return nil, fmt.Errorf("upstream model unavailable")
}

func (m *failingChatModel) Stream(ctx context.Context, _ []*schema.Message, _ ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("stream not supported by fake")
}

type fakeIndex struct{}

func (f *fakeIndex) SimilaritySearch(ctx context.Context, query string, k int, exclude []string) ([]retrieval.Document, error) {
	return nil, nil
}
func (f *fakeIndex) DocumentsByID(ctx context.Context, ids []string) ([]retrieval.Document, error) {
	return nil, nil
}
func (f *fakeIndex) DocumentExists(ctx context.Context, symbol string, docType model.DocumentType, year int, month string) (bool, error) {
	return false, nil
}
func (f *fakeIndex) Ping(ctx context.Context) error { return nil }

type fakePrices struct{}

func (f *fakePrices) FetchPriceReport(ctx context.Context, symbol string, days int) (model.PriceReport, error) {
	return model.PriceReport{Symbol: symbol, Currency: "USD", LatestPrice: 198.5, WindowDays: days}, nil
}

type memThreads struct {
	mu      sync.Mutex
	known   map[string]bool
	history map[string][]model.ChatTurn
}

func newMemThreads() *memThreads {
	return &memThreads{known: map[string]bool{}, history: map[string][]model.ChatTurn{}}
}

func (m *memThreads) CreateThread(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.known[threadID] = true
	return nil
}
func (m *memThreads) ThreadExists(ctx context.Context, threadID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.known[threadID], nil
}
func (m *memThreads) AppendHistory(ctx context.Context, threadID string, turns []model.ChatTurn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[threadID] = append(m.history[threadID], turns...)
	return nil
}
func (m *memThreads) LoadHistory(ctx context.Context, threadID string) ([]model.ChatTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history[threadID], nil
}

type memCheckpoints struct {
	mu     sync.Mutex
	byRun  map[string][]model.Checkpoint
	latest map[string]int
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{byRun: map[string][]model.Checkpoint{}, latest: map[string]int{}}
}

func (m *memCheckpoints) Save(ctx context.Context, cp model.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := cp.ThreadID + "/" + cp.RunID
	m.byRun[k] = append(m.byRun[k], cp)
	m.latest[k] = cp.Step
	return nil
}
func (m *memCheckpoints) Latest(ctx context.Context, threadID, runID string) (*model.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := threadID + "/" + runID
	cps := m.byRun[k]
	if len(cps) == 0 {
		return nil, fmt.Errorf("no checkpoints for %s", k)
	}
	cp := cps[len(cps)-1]
	return &cp, nil
}
func (m *memCheckpoints) List(ctx context.Context, threadID, runID string) ([]model.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byRun[threadID+"/"+runID], nil
}
func (m *memCheckpoints) Ping(ctx context.Context) error { return nil }

func testServer(t *testing.T) (*Server, *memThreads, *memCheckpoints) {
	t.Helper()
	return testServerModels(t,
		&cannedChatModel{reply: classifierReply},
		&cannedChatModel{reply: synthesisReply},
		&cannedChatModel{reply: sufficiencyReply})
}

func testServerModels(t *testing.T, classifier, synthesizer, sufficiency einomodel.BaseChatModel) (*Server, *memThreads, *memCheckpoints) {
	t.Helper()
	threads := newMemThreads()
	checkpoints := newMemCheckpoints()
	history := conversations.NewHistoryManager(threads, model.ConversationConfig{HistoryMaxTurns: 5})

	cms := &nodes.ChatModels{
		Classifier:  classifier,
		Synthesizer: synthesizer,
		Sufficiency: sufficiency,
	}
	index := &fakeIndex{}
	orch, err := graph.NewOrchestrator(
		nodes.NewClassifierNode(cms, history, nodes.NewTickerResolver()),
		nodes.NewRetrieverNode(index, &fakePrices{}, model.VectorIndexConfig{TopK: 4}),
		nodes.NewSynthesizerNode(cms, index, history),
		nodes.NewSufficiencyNode(cms, history, model.SufficiencyModelConfig{MinCitations: 1}),
		checkpoints,
		history,
		model.OrchestratorConfig{MaxRetries: 2, RunTimeout: "30s"},
	)
	require.NoError(t, err)

	return New(orch, threads, checkpoints, index, Config{Port: "0"}), threads, checkpoints
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := testServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ok"`)
}

func TestCreateThread(t *testing.T) {
	srv, threads, _ := testServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/threads", nil))

	require.Equal(t, http.StatusCreated, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["thread_id"])

	exists, err := threads.ThreadExists(context.Background(), body["thread_id"])
	require.NoError(t, err)
	require.True(t, exists)
}

func createThread(t *testing.T, srv *Server) string {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/threads", nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["thread_id"]
}

func TestRunWaitReturnsFinalAnswer(t *testing.T) {
	srv, _, checkpoints := testServer(t)
	threadID := createThread(t, srv)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/threads/"+threadID+"/runs/wait",
		strings.NewReader(`{"input": {"query": "how is apple stock doing?"}}`))
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, threadID, resp.ThreadID)
	require.NotEmpty(t, resp.RunID)
	require.Equal(t, model.PhaseDone, resp.Phase)
	require.NotNil(t, resp.Answer)
	require.Equal(t, "Apple closed at $198.50.", resp.Answer.Text)
	require.Contains(t, resp.DocumentsUsed, "price:AAPL")

	cps, err := checkpoints.List(context.Background(), threadID, resp.RunID)
	require.NoError(t, err)
	require.Len(t, cps, 4)
}

func TestRunWaitAcceptsSDKEnvelope(t *testing.T) {
	srv, _, _ := testServer(t)
	threadID := createThread(t, srv)

	body := `{
		"assistant_id": "agent",
		"stream_mode": "updates",
		"input": {
			"query": "how is apple stock doing?",
			"messages": [{"role": "user", "content": "how is apple stock doing?"}],
			"documents_used": [],
			"price_data": {},
			"vector_store_updated": false,
			"use_existing_data": false,
			"chat_history": null
		}
	}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/threads/"+threadID+"/runs/wait", strings.NewReader(body))
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, model.PhaseDone, resp.Phase)
	require.NotNil(t, resp.Answer)
}

func TestRunWaitClarifyReportsClarifyPhase(t *testing.T) {
	srv, _, _ := testServerModels(t,
		&cannedChatModel{reply: classifierUnknownReply},
		&cannedChatModel{reply: synthesisReply},
		&cannedChatModel{reply: sufficiencyReply})
	threadID := createThread(t, srv)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/threads/"+threadID+"/runs/wait",
		strings.NewReader(`{"input": {"query": "price of fabricated conglomerate?"}}`))
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, model.PhaseClarify, resp.Phase)
	require.NotNil(t, resp.Answer)
	require.Contains(t, resp.Answer.Text, "Fabricated Conglomerate LLC")
}

func TestRunWaitFailureReportsRunContext(t *testing.T) {
	srv, _, _ := testServerModels(t,
		&cannedChatModel{reply: classifierReply},
		&failingChatModel{},
		&cannedChatModel{reply: sufficiencyReply})
	threadID := createThread(t, srv)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/threads/"+threadID+"/runs/wait",
		strings.NewReader(`{"input": {"query": "how is apple stock doing?"}}`))
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp runFailureResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Error)
	require.NotNil(t, resp.Classification)
	require.Equal(t, model.DocTypePriceData, resp.Classification.DocumentType)
	require.Contains(t, resp.DocumentsUsed, "price:AAPL")
	require.Zero(t, resp.RetryCount)
}

func TestRunStreamErrorEventCarriesState(t *testing.T) {
	srv, _, _ := testServerModels(t,
		&cannedChatModel{reply: classifierReply},
		&failingChatModel{},
		&cannedChatModel{reply: sufficiencyReply})
	threadID := createThread(t, srv)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/threads/"+threadID+"/runs/stream",
		strings.NewReader(`{"input": {"query": "how is apple stock doing?"}}`))
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	errIdx := strings.Index(body, "event: error")
	require.Greater(t, errIdx, -1)
	require.Contains(t, body[errIdx:], `"price:AAPL"`)
}

func TestRunWaitUnknownThread(t *testing.T) {
	srv, _, _ := testServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/threads/nope/runs/wait",
		strings.NewReader(`{"input": {"query": "q"}}`))
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunWaitInvalidBody(t *testing.T) {
	srv, _, _ := testServer(t)
	threadID := createThread(t, srv)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/threads/"+threadID+"/runs/wait",
		strings.NewReader(`{"query": `))
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/threads/"+threadID+"/runs/wait",
		strings.NewReader(`{"input": {"query": "   "}}`))
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// A flat init without the envelope has no query either.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/threads/"+threadID+"/runs/wait",
		strings.NewReader(`{"query": "apple price?"}`))
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunStreamEmitsOrderedEvents(t *testing.T) {
	srv, _, _ := testServer(t)
	threadID := createThread(t, srv)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/threads/"+threadID+"/runs/stream",
		strings.NewReader(`{"input": {"query": "how is apple stock doing?"}}`))
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	classifierIdx := strings.Index(body, `"node":"classifier"`)
	retrieverIdx := strings.Index(body, `"node":"retriever"`)
	finalIdx := strings.Index(body, "event: final")
	require.Greater(t, classifierIdx, -1)
	require.Greater(t, retrieverIdx, classifierIdx)
	require.Greater(t, finalIdx, retrieverIdx)
}

func TestCheckpointInspection(t *testing.T) {
	srv, _, _ := testServer(t)
	threadID := createThread(t, srv)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/threads/"+threadID+"/runs/wait",
		strings.NewReader(`{"input": {"query": "apple price?"}}`))
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/threads/"+threadID+"/runs/"+resp.RunID+"/checkpoints", nil)
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var listing struct {
		Checkpoints []model.Checkpoint `json:"checkpoints"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Checkpoints, 4)
	require.Equal(t, model.PhaseDone, listing.Checkpoints[3].NextPhase)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/threads/"+threadID+"/runs/absent/checkpoints", nil)
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResumeFinishedRunStreamsFinalEvent(t *testing.T) {
	srv, _, _ := testServer(t)
	threadID := createThread(t, srv)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/threads/"+threadID+"/runs/wait",
		strings.NewReader(`{"input": {"query": "apple price?"}}`))
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/threads/"+threadID+"/runs/"+resp.RunID+"/resume", nil)
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "event: final")
}
