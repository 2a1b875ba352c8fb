package graph

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/finrag-core/server/internal/agent/graph/conversations"
	"github.com/finrag-core/server/internal/agent/graph/nodes"
	"github.com/finrag-core/server/internal/agent/graph/retrieval"
	"github.com/finrag-core/server/internal/agent/model"
	errx "github.com/finrag-core/server/internal/core/error"
	logx "github.com/finrag-core/server/pkg/logger"
	"github.com/google/uuid"
)

// Event is one node-completion notification streamed to the caller. Events
// arrive in strict execution order; the last event of a run has Final set.
// Error events carry the last merged state so failure reports can include
// the run's classification, retry count and retrieved documents.
type Event struct {
	Node  string           `json:"node,omitempty"`
	Step  int              `json:"step_index"`
	Phase model.Phase      `json:"next_phase"`
	Delta model.StateDelta `json:"delta,omitempty"`
	State *model.RunState  `json:"state,omitempty"`
	Final bool             `json:"final,omitempty"`
	Err   error            `json:"-"`
}

// transition is one row of the routing table: from a phase, the first row
// whose predicate matches the merged state decides the next phase. A nil
// predicate always matches, so it terminates each phase's row group.
type transition struct {
	from model.Phase
	when func(*model.RunState) bool
	to   model.Phase
}

// Config holds everything needed to compose the orchestrator end-to-end.
type Config struct {
	APIKey  string
	BaseURL string

	Classifier   model.ClassifierModelConfig
	Synthesizer  model.SynthesizerModelConfig
	Sufficiency  model.SufficiencyModelConfig
	Conversation model.ConversationConfig
	Orchestrator model.OrchestratorConfig
	VectorIndex  model.VectorIndexConfig

	Checkpoints model.CheckpointStore
	Threads     model.ThreadRepository
	Index       retrieval.VectorIndex
	Prices      retrieval.PriceSource
}

// Orchestrator drives one run at a time through the node graph. It is the
// only writer of RunState: nodes hand back deltas, Apply merges them, and a
// checkpoint is persisted after every merge. Instances are safe for
// concurrent use; each run carries its own state.
type Orchestrator struct {
	steps       map[model.Phase]nodes.Node
	table       []transition
	checkpoints model.CheckpointStore
	history     *conversations.HistoryManager
	maxRetries  int
	runTimeout  time.Duration
}

// BuildOrchestrator composes chat models, nodes and the routing table.
func BuildOrchestrator(ctx context.Context, cfg Config) (*Orchestrator, error) {
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is nil")
	}
	if cfg.Threads == nil {
		return nil, fmt.Errorf("thread repository is nil")
	}

	cms, err := nodes.NewChatModels(ctx, nodes.ChatModelConfig{
		APIKey:            cfg.APIKey,
		BaseURL:           cfg.BaseURL,
		ClassifierConfig:  &cfg.Classifier,
		SynthesizerConfig: &cfg.Synthesizer,
		SufficiencyConfig: &cfg.Sufficiency,
	})
	if err != nil {
		return nil, err
	}

	history := conversations.NewHistoryManager(cfg.Threads, cfg.Conversation)

	return NewOrchestrator(
		nodes.NewClassifierNode(cms, history, nodes.NewTickerResolver()),
		nodes.NewRetrieverNode(cfg.Index, cfg.Prices, cfg.VectorIndex),
		nodes.NewSynthesizerNode(cms, cfg.Index, history),
		nodes.NewSufficiencyNode(cms, history, cfg.Sufficiency),
		cfg.Checkpoints,
		history,
		cfg.Orchestrator,
	)
}

// NewOrchestrator wires pre-built nodes into the routing table. Tests use
// this constructor directly with fakes.
func NewOrchestrator(
	classifier, retriever, synthesizer, sufficiency nodes.Node,
	checkpoints model.CheckpointStore,
	history *conversations.HistoryManager,
	cfg model.OrchestratorConfig,
) (*Orchestrator, error) {
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	runTimeout, err := time.ParseDuration(cfg.RunTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse run timeout: %w", err)
	}

	o := &Orchestrator{
		steps: map[model.Phase]nodes.Node{
			model.PhaseClassifying:  classifier,
			model.PhaseRetrieving:   retriever,
			model.PhaseSynthesizing: synthesizer,
			model.PhaseChecking:     sufficiency,
		},
		checkpoints: checkpoints,
		history:     history,
		maxRetries:  maxRetries,
		runTimeout:  runTimeout,
	}
	o.table = []transition{
		{model.PhaseClassifying, needsClarification, model.PhaseClarify},
		{model.PhaseClassifying, nil, model.PhaseRetrieving},
		{model.PhaseRetrieving, nil, model.PhaseSynthesizing},
		{model.PhaseSynthesizing, nil, model.PhaseChecking},
		{model.PhaseChecking, o.canRetry, model.PhaseRetrieving},
		{model.PhaseChecking, nil, model.PhaseDone},
	}
	return o, nil
}

func needsClarification(s *model.RunState) bool {
	return s.PrimaryClassification().DocumentType == model.DocTypeUnknown
}

func (o *Orchestrator) canRetry(s *model.RunState) bool {
	return s.SufficiencyVerdict == model.VerdictInsufficient && s.RetryCount < o.maxRetries
}

func (o *Orchestrator) next(from model.Phase, s *model.RunState) (model.Phase, error) {
	for _, t := range o.table {
		if t.from != from {
			continue
		}
		if t.when == nil || t.when(s) {
			return t.to, nil
		}
	}
	return "", fmt.Errorf("no transition from phase %s", from)
}

// PrepareRun validates the init payload and builds the initial state for a
// new run on the thread, folding in the thread's shared chat history.
func (o *Orchestrator) PrepareRun(ctx context.Context, threadID string, init model.RunStateInit) (*model.RunState, error) {
	if err := init.Validate(); err != nil {
		return nil, errx.New(err, http.StatusBadRequest, err.Error())
	}

	state := model.NewRunState(threadID, uuid.NewString(), init)

	if len(init.ChatHistory) == 0 {
		prior, err := o.history.LoadThreadHistory(ctx, threadID)
		if err != nil {
			return nil, err
		}
		if len(prior) > 0 {
			state.Messages = append(prior, state.Messages...)
		}
	}
	return state, nil
}

// Execute runs the graph from the beginning, streaming one event per node
// transition plus a trailing final event. The channel closes when the run
// terminates, fails, or the context is cancelled; after a failure the last
// persisted checkpoint remains resumable.
func (o *Orchestrator) Execute(ctx context.Context, state *model.RunState) <-chan Event {
	return o.run(ctx, state, model.PhaseClassifying, 0)
}

// Resume continues a run from its newest checkpoint. A run that already
// reached a terminal phase replays only the final event.
func (o *Orchestrator) Resume(ctx context.Context, threadID, runID string) (<-chan Event, error) {
	cp, err := o.checkpoints.Latest(ctx, threadID, runID)
	if err != nil {
		return nil, err
	}
	if cp.NextPhase.Terminal() {
		// Finished run: replay the final event without re-running outcome
		// bookkeeping.
		out := make(chan Event, 1)
		out <- Event{Step: cp.Step + 1, Phase: cp.NextPhase, State: cp.State.Clone(), Final: true}
		close(out)
		return out, nil
	}
	return o.run(ctx, cp.State.Clone(), cp.NextPhase, cp.Step+1), nil
}

// Wait drains Execute and returns the terminal state and phase. On failure
// the state captured by the error event comes back alongside the error, so
// callers can report how far the run got.
func (o *Orchestrator) Wait(ctx context.Context, state *model.RunState) (*model.RunState, model.Phase, error) {
	var final *model.RunState
	var phase model.Phase
	for ev := range o.Execute(ctx, state) {
		if ev.Err != nil {
			return ev.State, ev.Phase, ev.Err
		}
		if ev.Final {
			final = ev.State
			phase = ev.Phase
		}
	}
	if final == nil {
		return nil, "", fmt.Errorf("run %s ended without a terminal state", state.RunID)
	}
	return final, phase, nil
}

func (o *Orchestrator) run(ctx context.Context, state *model.RunState, phase model.Phase, step int) <-chan Event {
	out := make(chan Event, 8)

	runCtx, cancel := context.WithTimeout(ctx, o.runTimeout)
	go func() {
		defer close(out)
		defer cancel()
		o.runFrom(runCtx, state, phase, step, out)
	}()
	return out
}

func (o *Orchestrator) runFrom(ctx context.Context, state *model.RunState, phase model.Phase, step int, out chan<- Event) {
	for !phase.Terminal() {
		// Suspension point: cancellation is honored between nodes only, so
		// the last persisted checkpoint is always a completed step.
		if err := ctx.Err(); err != nil {
			logx.Warn().
				Str("run_id", state.RunID).
				Str("phase", string(phase)).
				Msg("run cancelled between nodes")
			out <- Event{Step: step, Phase: phase, State: state.Clone(), Err: err}
			return
		}

		node, ok := o.steps[phase]
		if !ok {
			out <- Event{Step: step, Phase: phase, State: state.Clone(), Err: fmt.Errorf("no node for phase %s", phase)}
			return
		}

		delta, err := o.runNode(ctx, node, state)
		if err != nil {
			runsTotal.WithLabelValues("error").Inc()
			out <- Event{Node: node.Name(), Step: step, Phase: phase, State: state.Clone(), Err: err}
			return
		}

		state.Apply(delta)

		next, err := o.next(phase, state)
		if err != nil {
			out <- Event{Node: node.Name(), Step: step, Phase: phase, State: state.Clone(), Err: err}
			return
		}

		// The loop-back edge is the only place the retry counter moves, so
		// it advances exactly once per extra retrieval pass.
		if phase == model.PhaseChecking && next == model.PhaseRetrieving {
			rc := state.RetryCount + 1
			state.Apply(model.StateDelta{RetryCount: &rc})
			logx.Info().
				Str("run_id", state.RunID).
				Int("retry_count", rc).
				Msg("insufficient evidence, looping back to retrieval")
		}

		if next.Terminal() {
			state.Apply(o.finalizeDelta(state, next))
		}

		cp := model.Checkpoint{
			ThreadID:  state.ThreadID,
			RunID:     state.RunID,
			Step:      step,
			Node:      node.Name(),
			NextPhase: next,
			State:     state.Clone(),
			CreatedAt: time.Now().UTC(),
		}
		if err := o.checkpoints.Save(ctx, cp); err != nil {
			out <- Event{Node: node.Name(), Step: step, Phase: next, State: state.Clone(), Err: err}
			return
		}

		out <- Event{Node: node.Name(), Step: step, Phase: next, Delta: delta, State: state.Clone()}
		step++
		phase = next
	}

	o.recordOutcome(ctx, state, phase)
	out <- Event{Step: step, Phase: phase, State: state.Clone(), Final: true}
}

// runNode executes one node against a clone of the state. Synthesis gets a
// single retry; every other node failure surfaces immediately.
func (o *Orchestrator) runNode(ctx context.Context, node nodes.Node, state *model.RunState) (model.StateDelta, error) {
	start := time.Now()
	delta, err := node.Run(ctx, state.Clone())
	if err != nil && node.Name() == nodes.NodeSynthesizer && ctx.Err() == nil {
		logx.Warn().Err(err).Str("run_id", state.RunID).Msg("synthesis failed, retrying once")
		delta, err = node.Run(ctx, state.Clone())
	}
	nodeDuration.WithLabelValues(node.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		nodeExecutions.WithLabelValues(node.Name(), "error").Inc()
		logx.Error().Err(err).
			Str("run_id", state.RunID).
			Str("node", node.Name()).
			Msg("node execution failed")
		return model.StateDelta{}, err
	}
	nodeExecutions.WithLabelValues(node.Name(), "ok").Inc()
	return delta, nil
}

// finalizeDelta promotes the draft into the final answer (or builds the
// clarification request) when the run enters a terminal phase.
func (o *Orchestrator) finalizeDelta(state *model.RunState, terminal model.Phase) model.StateDelta {
	delta := model.StateDelta{}

	if terminal == model.PhaseClarify {
		company := state.PrimaryClassification().Company
		text := "I couldn't determine which financial data your question needs. " +
			"Could you rephrase it with the company name and what you want to know " +
			"(share price, annual report figures, or earnings call commentary)?"
		if company != "" {
			text = fmt.Sprintf("I couldn't match %q to a listed company. "+
				"Could you confirm the company name or provide its ticker symbol?", company)
		}
		answer := &model.Answer{Text: text}
		delta.FinalAnswer = answer
		delta.Messages = append(delta.Messages, assistantMessage(answer.Text))
		return delta
	}

	answer := state.DraftAnswer
	if answer == nil {
		answer = &model.Answer{
			Text: "I couldn't find enough information to answer this question from the available financial documents.",
		}
	}
	if state.SufficiencyVerdict == model.VerdictInsufficient {
		delta.InsufficientEvidence = boolPtr(true)
	}
	delta.FinalAnswer = answer
	delta.Messages = append(delta.Messages, assistantMessage(answer.Text))
	return delta
}

// recordOutcome updates run metrics and writes the finished exchange back to
// the thread's shared history. A history write failure never fails the run.
func (o *Orchestrator) recordOutcome(ctx context.Context, state *model.RunState, terminal model.Phase) {
	outcome := "done"
	switch {
	case terminal == model.PhaseClarify:
		outcome = "clarify"
	case state.InsufficientEvidence:
		outcome = "insufficient"
	}
	runsTotal.WithLabelValues(outcome).Inc()
	retryDepth.Observe(float64(state.RetryCount))

	answer := ""
	if state.FinalAnswer != nil {
		answer = state.FinalAnswer.Text
	}
	if err := o.history.SaveExchange(ctx, state.ThreadID, state.OriginalQuery, answer); err != nil {
		logx.Warn().Err(err).Str("thread_id", state.ThreadID).Msg("failed to append thread history")
	}

	logx.Info().
		Str("thread_id", state.ThreadID).
		Str("run_id", state.RunID).
		Str("outcome", outcome).
		Int("retry_count", state.RetryCount).
		Int("documents_used", len(state.DocumentsUsed)).
		Msg("run finished")
}
