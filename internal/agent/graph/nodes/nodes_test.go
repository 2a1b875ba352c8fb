package nodes

import (
	"context"
	"fmt"
	"testing"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"github.com/finrag-core/server/internal/agent/graph/conversations"
	"github.com/finrag-core/server/internal/agent/graph/retrieval"
	"github.com/finrag-core/server/internal/agent/model"
)

// scriptedChatModel replays canned completions in order, repeating the last
// one when the script runs out.
type scriptedChatModel struct {
	replies []string
	err     error
	calls   int
	inputs  [][]*schema.Message
}

func (m *scriptedChatModel) Generate(ctx context.Context, input []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	m.inputs = append(m.inputs, input)
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	idx := m.calls - 1
	if idx >= len(m.replies) {
		idx = len(m.replies) - 1
	}
	return schema.AssistantMessage(m.replies[idx], nil), nil
}

func (m *scriptedChatModel) Stream(ctx context.Context, input []*schema.Message, _ ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("stream not supported by fake")
}

type fakeIndex struct {
	docs        map[string]retrieval.Document
	searchDocs  []retrieval.Document
	searchErr   error
	lastExclude []string
	searchCalls int
	exists      bool
}

func (f *fakeIndex) SimilaritySearch(ctx context.Context, query string, k int, exclude []string) ([]retrieval.Document, error) {
	f.searchCalls++
	f.lastExclude = append([]string(nil), exclude...)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var out []retrieval.Document
	for _, d := range f.searchDocs {
		excluded := false
		for _, id := range exclude {
			if id == d.ID {
				excluded = true
				break
			}
		}
		if !excluded && len(out) < k {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeIndex) DocumentsByID(ctx context.Context, ids []string) ([]retrieval.Document, error) {
	var out []retrieval.Document
	for _, id := range ids {
		if d, ok := f.docs[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeIndex) DocumentExists(ctx context.Context, symbol string, docType model.DocumentType, year int, month string) (bool, error) {
	return f.exists, nil
}

func (f *fakeIndex) Ping(ctx context.Context) error { return nil }

type fakePrices struct {
	reports map[string]model.PriceReport
	err     error
	calls   int
}

func (f *fakePrices) FetchPriceReport(ctx context.Context, symbol string, days int) (model.PriceReport, error) {
	f.calls++
	if f.err != nil {
		return model.PriceReport{}, f.err
	}
	r, ok := f.reports[symbol]
	if !ok {
		return model.PriceReport{}, fmt.Errorf("no report for %s", symbol)
	}
	r.WindowDays = days
	return r, nil
}

type memThreads struct {
	history map[string][]model.ChatTurn
}

func newMemThreads() *memThreads { return &memThreads{history: map[string][]model.ChatTurn{}} }

func (m *memThreads) CreateThread(ctx context.Context, threadID string) error { return nil }
func (m *memThreads) ThreadExists(ctx context.Context, threadID string) (bool, error) {
	return true, nil
}
func (m *memThreads) AppendHistory(ctx context.Context, threadID string, turns []model.ChatTurn) error {
	m.history[threadID] = append(m.history[threadID], turns...)
	return nil
}
func (m *memThreads) LoadHistory(ctx context.Context, threadID string) ([]model.ChatTurn, error) {
	return m.history[threadID], nil
}

func testHistory() *conversations.HistoryManager {
	return conversations.NewHistoryManager(newMemThreads(), model.ConversationConfig{HistoryMaxTurns: 5})
}

func chatModels(classifier, synthesizer, sufficiency einomodel.BaseChatModel) *ChatModels {
	return &ChatModels{Classifier: classifier, Synthesizer: synthesizer, Sufficiency: sufficiency}
}

func newState(query string) *model.RunState {
	return model.NewRunState("thread-1", "run-1", model.RunStateInit{Query: query})
}

// ---- classifier ----

func TestClassifierResolvesTickerAndEnhancesQuery(t *testing.T) {
	cm := &scriptedChatModel{replies: []string{
		`("classification"<||>price_data<||>Apple<||>0.9<||>{"days_range": 365})##` +
			`("enhanced_query"<||>Apple stock price over the last 365 days)##<|COMPLETE|>`,
	}}
	node := NewClassifierNode(chatModels(cm, nil, nil), testHistory(), NewTickerResolver())

	delta, err := node.Run(context.Background(), newState("how is apple stock doing?"))
	require.NoError(t, err)
	require.Len(t, delta.Classifications, 1)
	require.Equal(t, "AAPL", delta.Classifications[0].Symbol)
	require.Equal(t, model.DocTypePriceData, delta.Classifications[0].DocumentType)
	require.NotNil(t, delta.Query)
	require.Equal(t, "Apple stock price over the last 365 days", *delta.Query)
}

func TestClassifierUnresolvableFallsBackToUnknown(t *testing.T) {
	cm := &scriptedChatModel{replies: []string{
		`("classification"<||>price_data<||>Fabricated Conglomerate LLC<||>0.9)##<|COMPLETE|>`,
	}}
	node := NewClassifierNode(chatModels(cm, nil, nil), testHistory(), NewTickerResolver())

	delta, err := node.Run(context.Background(), newState("price of fabricated conglomerate?"))
	require.NoError(t, err)
	require.Len(t, delta.Classifications, 1)
	require.Equal(t, model.DocTypeUnknown, delta.Classifications[0].DocumentType)
	require.NotEmpty(t, delta.Diagnostics)
}

func TestClassifierModelErrorIsFatal(t *testing.T) {
	cm := &scriptedChatModel{err: fmt.Errorf("quota exceeded")}
	node := NewClassifierNode(chatModels(cm, nil, nil), testHistory(), NewTickerResolver())

	_, err := node.Run(context.Background(), newState("anything"))
	require.Error(t, err)
}

func TestClassifierKeepsTextClassificationWithoutTicker(t *testing.T) {
	cm := &scriptedChatModel{replies: []string{
		`("classification"<||>annual_report<||>Obscure Regional Bank<||>0.7)##<|COMPLETE|>`,
	}}
	node := NewClassifierNode(chatModels(cm, nil, nil), testHistory(), NewTickerResolver())

	delta, err := node.Run(context.Background(), newState("obscure regional bank results"))
	require.NoError(t, err)
	require.Len(t, delta.Classifications, 1)
	require.Equal(t, model.DocTypeAnnualReport, delta.Classifications[0].DocumentType)
	require.Empty(t, delta.Classifications[0].Symbol)
}

// ---- retriever ----

func TestRetrieverFetchesPriceData(t *testing.T) {
	prices := &fakePrices{reports: map[string]model.PriceReport{
		"AAPL": {Symbol: "AAPL", Currency: "USD", LatestPrice: 198.5},
	}}
	node := NewRetrieverNode(&fakeIndex{}, prices, model.VectorIndexConfig{TopK: 4})

	st := newState("apple price")
	st.Classifications = []model.Classification{{
		DocumentType: model.DocTypePriceData, Company: "Apple", Symbol: "AAPL", DaysRange: 365,
	}}

	delta, err := node.Run(context.Background(), st)
	require.NoError(t, err)
	require.Equal(t, 1, prices.calls)
	require.Contains(t, delta.NewDocuments, "price:AAPL")
	require.Equal(t, 198.5, delta.PriceData["AAPL"].LatestPrice)
	require.Equal(t, 365, delta.PriceData["AAPL"].WindowDays)
	require.NotNil(t, delta.RetrievalEmpty)
	require.False(t, *delta.RetrievalEmpty)
}

func TestRetrieverExcludesDocumentsAlreadyUsed(t *testing.T) {
	index := &fakeIndex{searchDocs: []retrieval.Document{
		{ID: "doc-1", Content: "old"},
		{ID: "doc-2", Content: "new"},
	}}
	node := NewRetrieverNode(index, &fakePrices{}, model.VectorIndexConfig{TopK: 4})

	st := newState("reliance annual report")
	st.Classifications = []model.Classification{{
		DocumentType: model.DocTypeAnnualReport, Company: "Reliance", Symbol: "RELIANCE",
	}}
	st.Apply(model.StateDelta{NewDocuments: []string{"doc-1"}})

	delta, err := node.Run(context.Background(), st)
	require.NoError(t, err)
	require.Equal(t, []string{"doc-1"}, index.lastExclude)
	require.Equal(t, []string{"doc-2"}, delta.NewDocuments)
}

func TestRetrieverEmptyPassIsNotAnError(t *testing.T) {
	index := &fakeIndex{exists: false}
	node := NewRetrieverNode(index, &fakePrices{}, model.VectorIndexConfig{TopK: 4})

	st := newState("tcs transcript")
	st.Classifications = []model.Classification{{
		DocumentType: model.DocTypeCallTranscript, Company: "TCS", Symbol: "TCS",
	}}

	delta, err := node.Run(context.Background(), st)
	require.NoError(t, err)
	require.Empty(t, delta.NewDocuments)
	require.NotNil(t, delta.RetrievalEmpty)
	require.True(t, *delta.RetrievalEmpty)
	require.NotEmpty(t, delta.Diagnostics)
}

func TestRetrieverReusesExistingDataWithoutFetching(t *testing.T) {
	index := &fakeIndex{}
	prices := &fakePrices{}
	node := NewRetrieverNode(index, prices, model.VectorIndexConfig{TopK: 4})

	st := model.NewRunState("t", "r", model.RunStateInit{
		Query:           "follow-up question",
		UseExistingData: true,
		DocumentsUsed:   []string{"doc-1", "doc-2"},
	})
	st.Classifications = []model.Classification{{
		DocumentType: model.DocTypeAnnualReport, Company: "Infosys", Symbol: "INFY",
	}}

	delta, err := node.Run(context.Background(), st)
	require.NoError(t, err)
	require.Zero(t, index.searchCalls)
	require.Zero(t, prices.calls)
	require.Empty(t, delta.NewDocuments)
	require.NotNil(t, delta.RetrievalEmpty)
	require.False(t, *delta.RetrievalEmpty)
}

func TestRetrieverPriceFailureIsRecoverable(t *testing.T) {
	prices := &fakePrices{err: fmt.Errorf("upstream 500")}
	node := NewRetrieverNode(&fakeIndex{}, prices, model.VectorIndexConfig{TopK: 4})

	st := newState("tesla price")
	st.Classifications = []model.Classification{{
		DocumentType: model.DocTypePriceData, Company: "Tesla", Symbol: "TSLA",
	}}

	delta, err := node.Run(context.Background(), st)
	require.NoError(t, err)
	require.NotNil(t, delta.RetrievalEmpty)
	require.True(t, *delta.RetrievalEmpty)
	require.NotEmpty(t, delta.Diagnostics)
}

func TestRetrieverWithoutClassificationsFails(t *testing.T) {
	node := NewRetrieverNode(&fakeIndex{}, &fakePrices{}, model.VectorIndexConfig{TopK: 4})
	_, err := node.Run(context.Background(), newState("q"))
	require.Error(t, err)
}

// ---- synthesizer ----

func TestSynthesizerDraftsGroundedAnswer(t *testing.T) {
	index := &fakeIndex{docs: map[string]retrieval.Document{
		"doc-1": {ID: "doc-1", Company: "Apple", DocType: model.DocTypeAnnualReport, Year: 2023, Content: "Revenue was $383B."},
	}}
	cm := &scriptedChatModel{replies: []string{
		"Apple reported revenue of $383B in FY2023.\nCITATIONS: doc-1, price:AAPL, doc-unrelated",
	}}
	node := NewSynthesizerNode(chatModels(nil, cm, nil), index, testHistory())

	st := newState("apple revenue 2023")
	st.Apply(model.StateDelta{
		NewDocuments: []string{"doc-1", "price:AAPL"},
		PriceData:    map[string]model.PriceReport{"AAPL": {Symbol: "AAPL", Currency: "USD", LatestPrice: 198.5}},
	})

	delta, err := node.Run(context.Background(), st)
	require.NoError(t, err)
	require.NotNil(t, delta.DraftAnswer)
	require.Equal(t, "Apple reported revenue of $383B in FY2023.", delta.DraftAnswer.Text)
	// Citations outside the supplied evidence are dropped.
	require.Equal(t, []string{"doc-1", "price:AAPL"}, delta.DraftAnswer.CitedDocuments)
	require.Greater(t, delta.DraftAnswer.Confidence, 0.5)
}

func TestSynthesizerUncitedDraftGetsFloorConfidence(t *testing.T) {
	index := &fakeIndex{docs: map[string]retrieval.Document{
		"doc-1": {ID: "doc-1", Content: "irrelevant"},
	}}
	cm := &scriptedChatModel{replies: []string{"I cannot tell from the documents.\nCITATIONS: none"}}
	node := NewSynthesizerNode(chatModels(nil, cm, nil), index, testHistory())

	st := newState("q")
	st.Apply(model.StateDelta{NewDocuments: []string{"doc-1"}})

	delta, err := node.Run(context.Background(), st)
	require.NoError(t, err)
	require.Empty(t, delta.DraftAnswer.CitedDocuments)
	require.InDelta(t, 0.2, delta.DraftAnswer.Confidence, 1e-9)
}

func TestSynthesizerModelErrorSurfaces(t *testing.T) {
	cm := &scriptedChatModel{err: fmt.Errorf("deadline exceeded")}
	node := NewSynthesizerNode(chatModels(nil, cm, nil), &fakeIndex{}, testHistory())

	_, err := node.Run(context.Background(), newState("q"))
	require.Error(t, err)
}

// ---- sufficiency ----

func sufficiencyNode(cm *scriptedChatModel) *SufficiencyNode {
	return NewSufficiencyNode(chatModels(nil, nil, cm), testHistory(), model.SufficiencyModelConfig{MinCitations: 1})
}

func TestSufficiencyAcceptsCitedDraft(t *testing.T) {
	cm := &scriptedChatModel{replies: []string{"VERDICT: SUFFICIENT\nREASON: fully answers the question"}}
	node := sufficiencyNode(cm)

	st := newState("q")
	st.DraftAnswer = &model.Answer{Text: "answer", CitedDocuments: []string{"doc-1"}}

	delta, err := node.Run(context.Background(), st)
	require.NoError(t, err)
	require.Equal(t, model.VerdictSufficient, *delta.SufficiencyVerdict)
}

func TestSufficiencyRejectsUncitedDraftWithoutModelCall(t *testing.T) {
	cm := &scriptedChatModel{}
	node := sufficiencyNode(cm)

	st := newState("q")
	st.DraftAnswer = &model.Answer{Text: "ungrounded claim"}

	delta, err := node.Run(context.Background(), st)
	require.NoError(t, err)
	require.Equal(t, model.VerdictInsufficient, *delta.SufficiencyVerdict)
	require.Zero(t, cm.calls)
}

func TestSufficiencyMissingDraftIsInsufficient(t *testing.T) {
	node := sufficiencyNode(&scriptedChatModel{})

	delta, err := node.Run(context.Background(), newState("q"))
	require.NoError(t, err)
	require.Equal(t, model.VerdictInsufficient, *delta.SufficiencyVerdict)
}

func TestSufficiencyCheckerFailureDegradesToUnverified(t *testing.T) {
	cm := &scriptedChatModel{err: fmt.Errorf("model down")}
	node := sufficiencyNode(cm)

	st := newState("q")
	st.DraftAnswer = &model.Answer{Text: "answer", CitedDocuments: []string{"doc-1"}}

	delta, err := node.Run(context.Background(), st)
	require.NoError(t, err)
	require.Equal(t, model.VerdictUnverified, *delta.SufficiencyVerdict)
	require.NotEmpty(t, delta.Diagnostics)
}

func TestSufficiencyRotatesCategoryAfterEmptyRetrieval(t *testing.T) {
	cm := &scriptedChatModel{replies: []string{"VERDICT: INSUFFICIENT\nREASON: nothing relevant retrieved"}}
	node := sufficiencyNode(cm)

	st := newState("q")
	st.DraftAnswer = &model.Answer{Text: "weak", CitedDocuments: []string{"doc-1"}}
	st.RetrievalEmpty = true
	st.Classifications = []model.Classification{{
		DocumentType: model.DocTypeCallTranscript, Company: "TCS", Symbol: "TCS",
	}}

	delta, err := node.Run(context.Background(), st)
	require.NoError(t, err)
	require.Equal(t, model.VerdictInsufficient, *delta.SufficiencyVerdict)
	require.Len(t, delta.Classifications, 1)
	require.Equal(t, model.DocTypeAnnualReport, delta.Classifications[0].DocumentType)
}
