package nodes

import (
	"context"

	"github.com/finrag-core/server/internal/agent/model"
)

// Graph node names. These appear in checkpoints and streamed events, so they
// are part of the wire surface.
const (
	NodeClassifier  = "classifier"
	NodeRetriever   = "retriever"
	NodeSynthesizer = "rag_processor"
	NodeSufficiency = "sufficiency_checker"
)

// Node is one agent in the run graph. Run receives a clone of the current
// run state and returns a partial update; it must never mutate shared state
// directly, so the orchestrator stays the single writer.
type Node interface {
	Name() string
	Run(ctx context.Context, state *model.RunState) (model.StateDelta, error)
}

func boolPtr(b bool) *bool                      { return &b }
func strPtr(s string) *string                   { return &s }
func verdictPtr(v model.Verdict) *model.Verdict { return &v }
