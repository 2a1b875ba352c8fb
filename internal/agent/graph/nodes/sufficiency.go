package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/finrag-core/server/internal/agent/graph/conversations"
	"github.com/finrag-core/server/internal/agent/graph/parsers"
	"github.com/finrag-core/server/internal/agent/graph/prompts"
	"github.com/finrag-core/server/internal/agent/model"
	logx "github.com/finrag-core/server/pkg/logger"
)

// SufficiencyNode judges whether the draft answer is adequately grounded in
// its cited evidence. Deterministic guards run before the model: an uncited
// draft can never be sufficient, and a checker failure never fails the run.
type SufficiencyNode struct {
	cm           *ChatModels
	history      *conversations.HistoryManager
	minCitations int
}

func NewSufficiencyNode(cm *ChatModels, history *conversations.HistoryManager, cfg model.SufficiencyModelConfig) *SufficiencyNode {
	return &SufficiencyNode{cm: cm, history: history, minCitations: cfg.MinCitations}
}

func (n *SufficiencyNode) Name() string { return NodeSufficiency }

func (n *SufficiencyNode) Run(ctx context.Context, state *model.RunState) (model.StateDelta, error) {
	delta := model.StateDelta{}

	if state.DraftAnswer == nil {
		delta.SufficiencyVerdict = verdictPtr(model.VerdictInsufficient)
		delta.Diagnostics = append(delta.Diagnostics, "sufficiency: no draft answer to check")
		n.steerRetry(state, &delta)
		return delta, nil
	}

	if len(state.DraftAnswer.CitedDocuments) < n.minCitations {
		delta.SufficiencyVerdict = verdictPtr(model.VerdictInsufficient)
		delta.Diagnostics = append(delta.Diagnostics,
			fmt.Sprintf("sufficiency: %d citations below floor of %d",
				len(state.DraftAnswer.CitedDocuments), n.minCitations))
		n.steerRetry(state, &delta)
		return delta, nil
	}

	verdict, reason := n.askModel(ctx, state, &delta)
	delta.SufficiencyVerdict = verdictPtr(verdict)

	if verdict == model.VerdictInsufficient {
		if reason != "" {
			delta.Diagnostics = append(delta.Diagnostics, "sufficiency: "+reason)
		}
		n.steerRetry(state, &delta)
	}

	logx.Debug().
		Str("run_id", state.RunID).
		Str("verdict", string(verdict)).
		Int("retry_count", state.RetryCount).
		Msg("sufficiency check complete")
	return delta, nil
}

// askModel runs the checker model. Any failure degrades to UNVERIFIED with a
// diagnostic; the draft is then accepted rather than looping on a broken
// checker.
func (n *SufficiencyNode) askModel(ctx context.Context, state *model.RunState, delta *model.StateDelta) (model.Verdict, string) {
	msgs, err := prompts.RenderSufficiency(ctx,
		state.Query,
		state.DraftAnswer.Text,
		strings.Join(state.DraftAnswer.CitedDocuments, ", "),
		n.history.RenderHistory(state.Messages),
	)
	if err != nil {
		delta.Diagnostics = append(delta.Diagnostics, "sufficiency: prompt render failed: "+err.Error())
		return model.VerdictUnverified, ""
	}

	out, err := n.cm.Sufficiency.Generate(ctx, msgs)
	if err != nil {
		logx.Warn().Err(err).Str("run_id", state.RunID).Msg("sufficiency generation failed")
		delta.Diagnostics = append(delta.Diagnostics, "sufficiency: checker unavailable: "+err.Error())
		return model.VerdictUnverified, ""
	}

	verdict, reason, err := parsers.ParseSufficiencyResponse(out.Content)
	if err != nil {
		delta.Diagnostics = append(delta.Diagnostics, "sufficiency: "+err.Error())
	}
	return verdict, reason
}

// steerRetry updates the classification when the last retrieval pass came
// back empty, rotating the primary document category so the next pass looks
// somewhere new instead of repeating a search that found nothing.
func (n *SufficiencyNode) steerRetry(state *model.RunState, delta *model.StateDelta) {
	if !state.RetrievalEmpty || len(state.Classifications) == 0 {
		return
	}
	primary := state.Classifications[0]
	alt := primary.AlternateDocumentType()
	if alt == model.DocTypeUnknown || alt == primary.DocumentType {
		return
	}

	next := append([]model.Classification(nil), state.Classifications...)
	next[0].DocumentType = alt
	next[0].DaysRange = 0
	delta.Classifications = next
	delta.Diagnostics = append(delta.Diagnostics,
		fmt.Sprintf("sufficiency: rotating category %s -> %s after empty retrieval", primary.DocumentType, alt))
}
