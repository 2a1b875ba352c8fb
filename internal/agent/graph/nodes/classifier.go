package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/finrag-core/server/internal/agent/graph/conversations"
	"github.com/finrag-core/server/internal/agent/graph/parsers"
	"github.com/finrag-core/server/internal/agent/graph/prompts"
	"github.com/finrag-core/server/internal/agent/model"
	logx "github.com/finrag-core/server/pkg/logger"
)

// ClassifierNode infers which document categories a query needs and enhances
// the query with explicit temporal context. A query it cannot place maps to
// an UNKNOWN classification, which routes the run to clarification.
type ClassifierNode struct {
	cm       *ChatModels
	history  *conversations.HistoryManager
	resolver *TickerResolver
}

func NewClassifierNode(cm *ChatModels, history *conversations.HistoryManager, resolver *TickerResolver) *ClassifierNode {
	return &ClassifierNode{cm: cm, history: history, resolver: resolver}
}

func (n *ClassifierNode) Name() string { return NodeClassifier }

func (n *ClassifierNode) Run(ctx context.Context, state *model.RunState) (model.StateDelta, error) {
	systemPrompt, err := prompts.RenderClassifierSystem(ctx, exhaustedCategories(state))
	if err != nil {
		return model.StateDelta{}, err
	}

	userPrompt := fmt.Sprintf("Conversation so far:\n%s\n\nQuery: %s",
		n.history.RenderHistory(state.Messages), state.Query)

	out, err := n.cm.Classifier.Generate(ctx, []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(userPrompt),
	})
	if err != nil {
		logx.Error().Err(err).Str("run_id", state.RunID).Msg("classifier generation failed")
		return model.StateDelta{}, fmt.Errorf("classifier generation: %w", err)
	}

	result, err := parsers.ParseClassifierResponse(out.Content)
	if err != nil {
		return model.StateDelta{}, err
	}

	delta := model.StateDelta{}
	for _, perr := range result.ParsingErrors {
		delta.Diagnostics = append(delta.Diagnostics, "classifier: "+perr)
	}

	classifications := n.resolveSymbols(result.Classifications, &delta)
	if len(classifications) == 0 {
		// Nothing usable came back; force clarification instead of guessing.
		delta.Classifications = []model.Classification{{
			DocumentType: model.DocTypeUnknown,
			Company:      firstCompany(result.Classifications),
		}}
		delta.Diagnostics = append(delta.Diagnostics, "classifier: no resolvable classification")
		return delta, nil
	}
	delta.Classifications = classifications

	if q := strings.TrimSpace(result.EnhancedQuery); q != "" {
		delta.Query = strPtr(q)
	}

	logx.Debug().
		Str("run_id", state.RunID).
		Int("classifications", len(classifications)).
		Str("primary_type", string(classifications[0].DocumentType)).
		Msg("query classified")
	return delta, nil
}

// resolveSymbols fills ticker symbols in. Price lookups are useless without
// a symbol, so those classifications are dropped when the company cannot be
// resolved; text retrieval still works from the company name alone.
func (n *ClassifierNode) resolveSymbols(in []model.Classification, delta *model.StateDelta) []model.Classification {
	var out []model.Classification
	for _, c := range in {
		if c.DocumentType == model.DocTypeUnknown {
			continue
		}
		if sym, ok := n.resolver.Resolve(c.Company); ok {
			c.Symbol = sym
		} else if c.DocumentType == model.DocTypePriceData {
			delta.Diagnostics = append(delta.Diagnostics,
				fmt.Sprintf("classifier: no ticker for %q, dropping price lookup", c.Company))
			continue
		}
		out = append(out, c)
	}
	return out
}

// exhaustedCategories lists document categories already searched without
// yielding evidence, so a re-run steers the model elsewhere.
func exhaustedCategories(state *model.RunState) []model.DocumentType {
	if !state.RetrievalEmpty {
		return nil
	}
	seen := map[model.DocumentType]bool{}
	var out []model.DocumentType
	for _, c := range state.Classifications {
		if c.DocumentType == model.DocTypeUnknown || seen[c.DocumentType] {
			continue
		}
		seen[c.DocumentType] = true
		out = append(out, c.DocumentType)
	}
	return out
}

func firstCompany(in []model.Classification) string {
	for _, c := range in {
		if strings.TrimSpace(c.Company) != "" {
			return c.Company
		}
	}
	return ""
}
