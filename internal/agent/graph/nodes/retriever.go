package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/finrag-core/server/internal/agent/graph/retrieval"
	"github.com/finrag-core/server/internal/agent/model"
	logx "github.com/finrag-core/server/pkg/logger"
)

// RetrieverNode gathers evidence for every classification: price reports
// from the market-data source, filings and transcripts from the vector
// index. Retrieval always excludes documents already used this run, so a
// retry pass pulls fresh evidence or nothing.
type RetrieverNode struct {
	index  retrieval.VectorIndex
	prices retrieval.PriceSource
	topK   int
}

func NewRetrieverNode(index retrieval.VectorIndex, prices retrieval.PriceSource, cfg model.VectorIndexConfig) *RetrieverNode {
	return &RetrieverNode{index: index, prices: prices, topK: cfg.TopK}
}

func (n *RetrieverNode) Name() string { return NodeRetriever }

// priceDocID is the pseudo document identifier a fetched price report
// registers under, so reuse and sufficiency see price data the same way
// they see text evidence.
func priceDocID(symbol string) string { return "price:" + symbol }

func (n *RetrieverNode) Run(ctx context.Context, state *model.RunState) (model.StateDelta, error) {
	if len(state.Classifications) == 0 {
		return model.StateDelta{}, fmt.Errorf("retriever invoked without classifications")
	}

	delta := model.StateDelta{}
	reused := false
	searchedIndex := false
	foundText := false

	for _, c := range state.Classifications {
		switch c.DocumentType {
		case model.DocTypePriceData:
			if n.retrievePrice(ctx, state, c, &delta) {
				reused = true
			}

		case model.DocTypeAnnualReport, model.DocTypeCallTranscript:
			if state.UseExistingData && len(state.DocumentsUsed) > 0 && state.RetryCount == 0 {
				// Caller asked to answer from what was already fetched.
				reused = true
				continue
			}
			searchedIndex = true
			docs, err := n.index.SimilaritySearch(ctx, searchQuery(state.Query, c), n.topK, state.DocumentsUsed)
			if err != nil {
				return model.StateDelta{}, err
			}
			if len(docs) == 0 {
				n.noteMissing(ctx, c, &delta)
				continue
			}
			foundText = true
			for _, d := range docs {
				delta.NewDocuments = append(delta.NewDocuments, d.ID)
			}
		}
	}

	empty := len(delta.NewDocuments) == 0 && len(delta.PriceData) == 0 && !reused
	delta.RetrievalEmpty = boolPtr(empty)
	if searchedIndex {
		delta.VectorStoreUpdated = boolPtr(foundText)
	}

	logx.Debug().
		Str("run_id", state.RunID).
		Int("new_documents", len(delta.NewDocuments)).
		Int("price_reports", len(delta.PriceData)).
		Bool("reused_existing", reused).
		Bool("empty", empty).
		Msg("retrieval pass complete")
	return delta, nil
}

// retrievePrice fetches a price report unless the state already holds one
// for the symbol. Fetch failures are recoverable: the pass continues and the
// sufficiency checker sees the gap. Reports true when an existing report was
// reused.
func (n *RetrieverNode) retrievePrice(ctx context.Context, state *model.RunState, c model.Classification, delta *model.StateDelta) bool {
	if _, ok := state.PriceData[c.Symbol]; ok && state.HasDocument(priceDocID(c.Symbol)) {
		return true
	}
	if _, ok := state.PriceData[c.Symbol]; ok && state.UseExistingData {
		// Seeded price data from the caller; register it for citation.
		delta.NewDocuments = append(delta.NewDocuments, priceDocID(c.Symbol))
		return true
	}

	days := c.DaysRange
	if days <= 0 {
		days = retrieval.NormalizeDaysRange("")
	}

	report, err := n.prices.FetchPriceReport(ctx, c.Symbol, days)
	if err != nil {
		logx.Warn().Err(err).Str("symbol", c.Symbol).Msg("price fetch failed")
		delta.Diagnostics = append(delta.Diagnostics, fmt.Sprintf("retriever: price fetch for %s failed: %v", c.Symbol, err))
		return false
	}

	if delta.PriceData == nil {
		delta.PriceData = map[string]model.PriceReport{}
	}
	delta.PriceData[c.Symbol] = report
	delta.NewDocuments = append(delta.NewDocuments, priceDocID(c.Symbol))
	return false
}

// noteMissing records why a text search came back empty, checking whether
// the index holds the category at all for this company.
func (n *RetrieverNode) noteMissing(ctx context.Context, c model.Classification, delta *model.StateDelta) {
	if c.Symbol != "" {
		exists, err := n.index.DocumentExists(ctx, c.Symbol, c.DocumentType, c.Year, c.Month)
		if err == nil && !exists {
			delta.Diagnostics = append(delta.Diagnostics,
				fmt.Sprintf("retriever: no %s indexed for %s", c.DocumentType, c.Symbol))
			return
		}
	}
	delta.Diagnostics = append(delta.Diagnostics,
		fmt.Sprintf("retriever: no unseen %s matches for %q", c.DocumentType, c.Company))
}

func searchQuery(query string, c model.Classification) string {
	parts := []string{query}
	if c.Company != "" && !strings.Contains(strings.ToLower(query), strings.ToLower(c.Company)) {
		parts = append(parts, c.Company)
	}
	if c.Year > 0 {
		parts = append(parts, fmt.Sprintf("%d", c.Year))
	}
	return strings.Join(parts, " ")
}
