package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/finrag-core/server/internal/agent/graph"
	"github.com/finrag-core/server/internal/agent/model"
	logx "github.com/finrag-core/server/pkg/logger"
)

// runRequest is the run-creation envelope. AssistantID and StreamMode come
// from SDK-style clients; this server runs a single graph and always streams
// state updates, so both are accepted without changing behavior.
type runRequest struct {
	AssistantID string             `json:"assistant_id"`
	Input       model.RunStateInit `json:"input"`
	StreamMode  string             `json:"stream_mode"`
}

// runResponse is the wire shape of a finished run.
type runResponse struct {
	ThreadID             string        `json:"thread_id"`
	RunID                string        `json:"run_id"`
	Phase                model.Phase   `json:"phase"`
	Answer               *model.Answer `json:"answer,omitempty"`
	InsufficientEvidence bool          `json:"insufficient_evidence,omitempty"`
	DocumentsUsed        []string      `json:"documents_used,omitempty"`
	RetryCount           int           `json:"retry_count"`
	Diagnostics          []string      `json:"diagnostics,omitempty"`
}

func runResponseFrom(state *model.RunState, phase model.Phase) runResponse {
	return runResponse{
		ThreadID:             state.ThreadID,
		RunID:                state.RunID,
		Phase:                phase,
		Answer:               state.FinalAnswer,
		InsufficientEvidence: state.InsufficientEvidence,
		DocumentsUsed:        state.DocumentsUsed,
		RetryCount:           state.RetryCount,
		Diagnostics:          state.Diagnostics,
	}
}

// runFailureResponse is the error body for a failed run. It reports the
// run's last known position so callers can see how far it got before the
// failure.
type runFailureResponse struct {
	Error          string                `json:"error"`
	Classification *model.Classification `json:"classification,omitempty"`
	RetryCount     int                   `json:"retry_count"`
	DocumentsUsed  []string              `json:"documents_used,omitempty"`
}

func writeRunFailure(w http.ResponseWriter, err error, state *model.RunState) {
	status, msg := errorMessage(err)
	resp := runFailureResponse{Error: msg}
	if state != nil {
		if len(state.Classifications) > 0 {
			c := state.PrimaryClassification()
			resp.Classification = &c
		}
		resp.RetryCount = state.RetryCount
		resp.DocumentsUsed = state.DocumentsUsed
	}
	writeJSON(w, status, resp)
}

// streamEvent is one SSE payload.
type streamEvent struct {
	Node  string          `json:"node,omitempty"`
	Step  int             `json:"step_index"`
	Phase model.Phase     `json:"phase"`
	State *model.RunState `json:"state,omitempty"`
	Error string          `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.checkpoints.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "checkpoint_store": err.Error()})
		return
	}
	if err := s.index.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "vector_index": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	threadID := uuid.NewString()
	if err := s.threads.CreateThread(r.Context(), threadID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"thread_id": threadID})
}

// prepare parses the init payload and builds the run state, verifying the
// thread exists first.
func (s *Server) prepare(w http.ResponseWriter, r *http.Request) (*model.RunState, bool) {
	threadID := mux.Vars(r)["thread_id"]

	exists, err := s.threads.ThreadExists(r.Context(), threadID)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if !exists {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("thread %s not found", threadID)})
		return nil, false
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return nil, false
	}

	state, err := s.orch.PrepareRun(r.Context(), threadID, req.Input)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return state, true
}

func (s *Server) handleRunWait(w http.ResponseWriter, r *http.Request) {
	state, ok := s.prepare(w, r)
	if !ok {
		return
	}

	final, phase, err := s.orch.Wait(r.Context(), state)
	if err != nil {
		writeRunFailure(w, err, final)
		return
	}
	writeJSON(w, http.StatusOK, runResponseFrom(final, phase))
}

func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	state, ok := s.prepare(w, r)
	if !ok {
		return
	}
	s.streamEvents(w, r, s.orch.Execute(r.Context(), state))
}

func (s *Server) handleRunResume(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	events, err := s.orch.Resume(r.Context(), vars["thread_id"], vars["run_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	s.streamEvents(w, r, events)
}

// streamEvents forwards orchestrator events as server-sent events. Client
// disconnect cancels the request context, which the orchestrator treats as a
// between-node cancellation; the run stays resumable from its last
// checkpoint.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, events <-chan graph.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		name := "node"
		payload := streamEvent{Node: ev.Node, Step: ev.Step, Phase: ev.Phase, State: ev.State}
		switch {
		case ev.Err != nil:
			name = "error"
			payload.Error = ev.Err.Error()
		case ev.Final:
			name = "final"
		}
		if err := writeSSE(w, name, payload); err != nil {
			logx.Warn().Err(err).Msg("stream write failed, draining run")
			for range events {
			}
			return
		}
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, event string, payload streamEvent) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	cps, err := s.checkpoints.List(r.Context(), vars["thread_id"], vars["run_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if len(cps) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no checkpoints for run"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": cps})
}
