package model

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
)

// DocumentType is the inferred category of financial data a query needs.
type DocumentType string

const (
	DocTypePriceData      DocumentType = "price_data"
	DocTypeAnnualReport   DocumentType = "annual_report"
	DocTypeCallTranscript DocumentType = "call_transcript"
	DocTypeUnknown        DocumentType = "unknown"
)

// Verdict is the sufficiency judgement over a draft answer.
type Verdict string

const (
	VerdictSufficient   Verdict = "SUFFICIENT"
	VerdictInsufficient Verdict = "INSUFFICIENT"
	VerdictUnverified   Verdict = "UNVERIFIED"
)

// Phase names a position in the run state machine.
type Phase string

const (
	PhaseClassifying  Phase = "CLASSIFYING"
	PhaseRetrieving   Phase = "RETRIEVING"
	PhaseSynthesizing Phase = "SYNTHESIZING"
	PhaseChecking     Phase = "CHECKING"
	PhaseDone         Phase = "DONE"
	PhaseClarify      Phase = "CLARIFY"
)

// Terminal reports whether the phase ends a run.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseClarify
}

// RunState is the mutable record threaded through the graph for one query.
// Nodes never touch it directly; they return StateDelta values and the
// orchestrator merges them via Apply. One instance exists per in-flight run,
// identified by ThreadID+RunID.
type RunState struct {
	ThreadID string `json:"thread_id"`
	RunID    string `json:"run_id"`

	// Query is the user question. The classifier may replace it with an
	// enhanced variant carrying explicit temporal context; the original is
	// preserved in OriginalQuery.
	Query         string `json:"query"`
	OriginalQuery string `json:"original_query"`

	// Messages is the append-only chat transcript.
	Messages []*schema.Message `json:"messages"`

	// Classifications lists the document needs inferred for the query.
	// Most queries produce exactly one; comparative queries may produce
	// several. Empty until the classifier has run.
	Classifications []Classification `json:"classifications,omitempty"`

	// DocumentsUsed grows monotonically within a run; it is never trimmed so
	// retries can exclude already-fetched documents and sufficiency
	// diagnostics can see the full retrieval history.
	DocumentsUsed []string `json:"documents_used"`

	// PriceData maps ticker symbol to the fetched price report.
	PriceData map[string]PriceReport `json:"price_data,omitempty"`

	VectorStoreUpdated bool `json:"vector_store_updated"`
	UseExistingData    bool `json:"use_existing_data"`

	// RetrievalEmpty records that the most recent retrieval pass found
	// nothing, so the sufficiency checker can steer the retry.
	RetrievalEmpty bool `json:"retrieval_empty,omitempty"`

	SufficiencyVerdict Verdict `json:"sufficiency_verdict"`
	RetryCount         int     `json:"retry_count"`

	// DraftAnswer is the synthesizer output pending sufficiency review.
	// FinalAnswer is set only when the run reaches a terminal phase.
	DraftAnswer *Answer `json:"draft_answer,omitempty"`
	FinalAnswer *Answer `json:"final_answer,omitempty"`

	// InsufficientEvidence flags a forced stop at the retry limit with the
	// verdict still INSUFFICIENT.
	InsufficientEvidence bool `json:"insufficient_evidence,omitempty"`

	// Diagnostics collects node-level notes (recovered errors, empty
	// retrievals) that are persisted with each checkpoint.
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// StateDelta is a partial update computed by a single node. Scalar updates
// use pointers so "unset" and "set to zero value" stay distinguishable, and
// counters carry absolute values so replaying a node against the same input
// state merges to the same result.
type StateDelta struct {
	Query                *string                `json:"query,omitempty"`
	Messages             []*schema.Message      `json:"messages,omitempty"`
	Classifications      []Classification       `json:"classifications,omitempty"`
	NewDocuments         []string               `json:"new_documents,omitempty"`
	PriceData            map[string]PriceReport `json:"price_data,omitempty"`
	VectorStoreUpdated   *bool                  `json:"vector_store_updated,omitempty"`
	RetrievalEmpty       *bool                  `json:"retrieval_empty,omitempty"`
	SufficiencyVerdict   *Verdict               `json:"sufficiency_verdict,omitempty"`
	RetryCount           *int                   `json:"retry_count,omitempty"`
	DraftAnswer          *Answer                `json:"draft_answer,omitempty"`
	FinalAnswer          *Answer                `json:"final_answer,omitempty"`
	InsufficientEvidence *bool                  `json:"insufficient_evidence,omitempty"`
	Diagnostics          []string               `json:"diagnostics,omitempty"`
}

// Apply merges a node delta into the state. DocumentsUsed stays append-only
// and deduplicated, so re-applying an identical delta is a no-op for it.
func (s *RunState) Apply(d StateDelta) {
	if d.Query != nil && strings.TrimSpace(*d.Query) != "" {
		s.Query = *d.Query
	}
	s.Messages = append(s.Messages, d.Messages...)
	if d.Classifications != nil {
		s.Classifications = d.Classifications
	}
	for _, id := range d.NewDocuments {
		if id == "" || s.HasDocument(id) {
			continue
		}
		s.DocumentsUsed = append(s.DocumentsUsed, id)
	}
	if len(d.PriceData) > 0 && s.PriceData == nil {
		s.PriceData = make(map[string]PriceReport, len(d.PriceData))
	}
	for sym, rep := range d.PriceData {
		s.PriceData[sym] = rep
	}
	if d.VectorStoreUpdated != nil {
		s.VectorStoreUpdated = *d.VectorStoreUpdated
	}
	if d.RetrievalEmpty != nil {
		s.RetrievalEmpty = *d.RetrievalEmpty
	}
	if d.SufficiencyVerdict != nil {
		s.SufficiencyVerdict = *d.SufficiencyVerdict
	}
	if d.RetryCount != nil {
		s.RetryCount = *d.RetryCount
	}
	if d.DraftAnswer != nil {
		s.DraftAnswer = d.DraftAnswer
	}
	if d.FinalAnswer != nil {
		s.FinalAnswer = d.FinalAnswer
	}
	if d.InsufficientEvidence != nil {
		s.InsufficientEvidence = *d.InsufficientEvidence
	}
	s.Diagnostics = append(s.Diagnostics, d.Diagnostics...)
}

// HasDocument reports whether the document identifier was already retrieved.
func (s *RunState) HasDocument(id string) bool {
	for _, existing := range s.DocumentsUsed {
		if existing == id {
			return true
		}
	}
	return false
}

// PrimaryClassification returns the first classification, or an UNKNOWN
// placeholder when the classifier has not produced any.
func (s *RunState) PrimaryClassification() Classification {
	if len(s.Classifications) == 0 {
		return Classification{DocumentType: DocTypeUnknown}
	}
	return s.Classifications[0]
}

// Clone returns a deep copy. Nodes receive clones so the canonical state is
// only ever mutated by the orchestrator's Apply.
func (s *RunState) Clone() *RunState {
	cp := *s
	cp.Messages = append([]*schema.Message(nil), s.Messages...)
	cp.Classifications = append([]Classification(nil), s.Classifications...)
	cp.DocumentsUsed = append([]string(nil), s.DocumentsUsed...)
	cp.Diagnostics = append([]string(nil), s.Diagnostics...)
	if s.PriceData != nil {
		cp.PriceData = make(map[string]PriceReport, len(s.PriceData))
		for k, v := range s.PriceData {
			cp.PriceData[k] = v
		}
	}
	if s.DraftAnswer != nil {
		a := *s.DraftAnswer
		cp.DraftAnswer = &a
	}
	if s.FinalAnswer != nil {
		a := *s.FinalAnswer
		cp.FinalAnswer = &a
	}
	return &cp
}

// RunStateInit is the caller-supplied seed for a new run, validated at the
// orchestrator boundary.
type RunStateInit struct {
	Query              string                 `json:"query"`
	Messages           []ChatTurn             `json:"messages"`
	DocumentsUsed      []string               `json:"documents_used"`
	PriceData          map[string]PriceReport `json:"price_data"`
	VectorStoreUpdated bool                   `json:"vector_store_updated"`
	UseExistingData    bool                   `json:"use_existing_data"`
	ChatHistory        []ChatTurn             `json:"chat_history"`
}

// ChatTurn is one role-tagged conversation turn on the wire.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Validate checks the init shape before a run starts.
func (in *RunStateInit) Validate() error {
	if strings.TrimSpace(in.Query) == "" {
		return fmt.Errorf("query is required")
	}
	for i, m := range in.Messages {
		switch m.Role {
		case "user", "assistant", "system":
		default:
			return fmt.Errorf("messages[%d]: unsupported role %q", i, m.Role)
		}
	}
	return nil
}

// NewRunState builds the initial RunState for a thread/run pair.
func NewRunState(threadID, runID string, in RunStateInit) *RunState {
	st := &RunState{
		ThreadID:           threadID,
		RunID:              runID,
		Query:              in.Query,
		OriginalQuery:      in.Query,
		DocumentsUsed:      append([]string(nil), in.DocumentsUsed...),
		VectorStoreUpdated: in.VectorStoreUpdated,
		UseExistingData:    in.UseExistingData,
		SufficiencyVerdict: VerdictUnverified,
	}
	if len(in.PriceData) > 0 {
		st.PriceData = make(map[string]PriceReport, len(in.PriceData))
		for k, v := range in.PriceData {
			st.PriceData[k] = v
		}
	}
	turns := in.ChatHistory
	if len(in.Messages) > 0 {
		turns = append(append([]ChatTurn(nil), in.ChatHistory...), in.Messages...)
	}
	for _, t := range turns {
		st.Messages = append(st.Messages, turnToMessage(t))
	}
	// The transcript always ends with the user question for this run.
	if len(st.Messages) == 0 || st.Messages[len(st.Messages)-1].Content != in.Query {
		st.Messages = append(st.Messages, schema.UserMessage(in.Query))
	}
	return st
}

func turnToMessage(t ChatTurn) *schema.Message {
	switch t.Role {
	case "assistant":
		return schema.AssistantMessage(t.Content, nil)
	case "system":
		return schema.SystemMessage(t.Content)
	default:
		return schema.UserMessage(t.Content)
	}
}
