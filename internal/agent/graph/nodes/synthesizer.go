package nodes

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/finrag-core/server/internal/agent/graph/conversations"
	"github.com/finrag-core/server/internal/agent/graph/parsers"
	"github.com/finrag-core/server/internal/agent/graph/prompts"
	"github.com/finrag-core/server/internal/agent/graph/retrieval"
	"github.com/finrag-core/server/internal/agent/model"
	logx "github.com/finrag-core/server/pkg/logger"
)

// SynthesizerNode drafts a grounded answer from the evidence gathered so
// far. It never calls the retrieval backends for new material; it may only
// reload the documents already registered in the state.
type SynthesizerNode struct {
	cm      *ChatModels
	index   retrieval.VectorIndex
	history *conversations.HistoryManager
}

func NewSynthesizerNode(cm *ChatModels, index retrieval.VectorIndex, history *conversations.HistoryManager) *SynthesizerNode {
	return &SynthesizerNode{cm: cm, index: index, history: history}
}

func (n *SynthesizerNode) Name() string { return NodeSynthesizer }

func (n *SynthesizerNode) Run(ctx context.Context, state *model.RunState) (model.StateDelta, error) {
	docContext, supplied, err := n.buildDocContext(ctx, state)
	if err != nil {
		return model.StateDelta{}, err
	}
	priceText := buildPriceContext(state, &supplied)

	msgs, err := prompts.RenderSynthesis(ctx,
		state.Query,
		docContext,
		priceText,
		n.history.RenderHistory(state.Messages),
	)
	if err != nil {
		return model.StateDelta{}, err
	}

	out, err := n.cm.Synthesizer.Generate(ctx, msgs)
	if err != nil {
		logx.Error().Err(err).Str("run_id", state.RunID).Msg("synthesis generation failed")
		return model.StateDelta{}, fmt.Errorf("synthesis generation: %w", err)
	}

	text, citations := parsers.ParseSynthesisResponse(out.Content)
	if strings.TrimSpace(text) == "" {
		return model.StateDelta{}, fmt.Errorf("synthesis produced empty answer")
	}

	// Citations may only reference what was actually supplied.
	cited := intersect(citations, supplied)
	if len(cited) < len(citations) {
		logx.Warn().
			Str("run_id", state.RunID).
			Int("dropped", len(citations)-len(cited)).
			Msg("dropped citations outside supplied evidence")
	}

	answer := &model.Answer{
		Text:           text,
		CitedDocuments: cited,
		Sources:        cited,
		Confidence:     answerConfidence(len(cited), len(supplied)),
	}
	if len(state.PriceData) > 0 {
		answer.SupportingData = map[string]any{"price_data": state.PriceData}
	}

	logx.Debug().
		Str("run_id", state.RunID).
		Int("cited", len(cited)).
		Int("supplied", len(supplied)).
		Float64("confidence", answer.Confidence).
		Msg("draft answer synthesized")
	return model.StateDelta{DraftAnswer: answer}, nil
}

// buildDocContext loads the run's text documents and renders them with
// stable [doc:id] headers the model can cite.
func (n *SynthesizerNode) buildDocContext(ctx context.Context, state *model.RunState) (string, []string, error) {
	var textIDs []string
	for _, id := range state.DocumentsUsed {
		if !strings.HasPrefix(id, "price:") {
			textIDs = append(textIDs, id)
		}
	}

	supplied := append([]string(nil), textIDs...)
	if len(textIDs) == 0 {
		return "No documents available.", supplied, nil
	}

	docs, err := n.index.DocumentsByID(ctx, textIDs)
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder
	for _, d := range docs {
		fmt.Fprintf(&b, "[doc:%s] %s %s", d.ID, d.Company, d.DocType)
		if d.Year > 0 {
			fmt.Fprintf(&b, " %d", d.Year)
		}
		if d.Month != "" {
			fmt.Fprintf(&b, " %s", d.Month)
		}
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(d.Content))
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String()), supplied, nil
}

func buildPriceContext(state *model.RunState, supplied *[]string) string {
	if len(state.PriceData) == 0 {
		return "No price data available."
	}
	symbols := make([]string, 0, len(state.PriceData))
	for sym := range state.PriceData {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var b strings.Builder
	for _, sym := range symbols {
		id := priceDocID(sym)
		*supplied = append(*supplied, id)
		fmt.Fprintf(&b, "[doc:%s]\n%s\n", id, retrieval.FormatReport(state.PriceData[sym]))
	}
	return strings.TrimSpace(b.String())
}

// answerConfidence grades how well the draft is grounded: citing more of the
// supplied evidence raises it, citing nothing floors it.
func answerConfidence(cited, supplied int) float64 {
	if cited == 0 || supplied == 0 {
		return 0.2
	}
	conf := 0.5 + 0.4*float64(cited)/float64(supplied)
	if conf > 0.95 {
		conf = 0.95
	}
	return conf
}

func intersect(citations, supplied []string) []string {
	allowed := make(map[string]bool, len(supplied))
	for _, id := range supplied {
		allowed[id] = true
	}
	var out []string
	for _, id := range citations {
		if allowed[id] {
			out = append(out, id)
		}
	}
	return out
}
