package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/finrag-core/server/internal/agent/graph"
	"github.com/finrag-core/server/internal/agent/graph/retrieval"
	"github.com/finrag-core/server/internal/agent/model"
	errx "github.com/finrag-core/server/internal/core/error"
	logx "github.com/finrag-core/server/pkg/logger"
)

// Config holds the HTTP listener settings.
type Config struct {
	Port            string `envconfig:"PORT" default:"8080"`
	ReadTimeout     string `envconfig:"SERVER_READ_TIMEOUT" default:"30s"`
	ShutdownTimeout string `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"10s"`
}

// Server exposes the run graph over REST: thread management, streaming and
// blocking run execution, checkpoint inspection, health and metrics.
type Server struct {
	orch        *graph.Orchestrator
	threads     model.ThreadRepository
	checkpoints model.CheckpointStore
	index       retrieval.VectorIndex
	cfg         Config

	httpSrv *http.Server
}

func New(orch *graph.Orchestrator, threads model.ThreadRepository, checkpoints model.CheckpointStore, index retrieval.VectorIndex, cfg Config) *Server {
	return &Server{
		orch:        orch,
		threads:     threads,
		checkpoints: checkpoints,
		index:       index,
		cfg:         cfg,
	}
}

// Router builds the route table. Split out so handler tests can hit it with
// httptest without binding a port.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/ok", s.handleHealth).Methods("GET")
	r.HandleFunc("/threads", s.handleCreateThread).Methods("POST")
	r.HandleFunc("/threads/{thread_id}/runs/wait", s.handleRunWait).Methods("POST")
	r.HandleFunc("/threads/{thread_id}/runs/stream", s.handleRunStream).Methods("POST")
	r.HandleFunc("/threads/{thread_id}/runs/{run_id}/resume", s.handleRunResume).Methods("POST")
	r.HandleFunc("/threads/{thread_id}/runs/{run_id}/checkpoints", s.handleListCheckpoints).Methods("GET")
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) ListenAndServe() error {
	readTimeout, err := time.ParseDuration(s.cfg.ReadTimeout)
	if err != nil {
		readTimeout = 30 * time.Second
	}

	s.httpSrv = &http.Server{
		Addr:        ":" + s.cfg.Port,
		Handler:     s.Router(),
		ReadTimeout: readTimeout,
		// No WriteTimeout: streamed runs hold the response open for the full
		// run duration; the orchestrator's run timeout bounds them instead.
	}

	logx.Info().Str("port", s.cfg.Port).Msg("server listening")
	return s.httpSrv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Error().Err(err).Msg("failed to encode response")
	}
}

// errorMessage maps an error chain to its HTTP status and safe message.
func errorMessage(err error) (int, string) {
	status := errx.StatusOf(err)
	msg := err.Error()
	var appErr *errx.AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		msg = appErr.Message
	}
	return status, msg
}

func writeError(w http.ResponseWriter, err error) {
	status, msg := errorMessage(err)
	writeJSON(w, status, map[string]string{"error": msg})
}
