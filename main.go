package main

import (
	"context"
	"database/sql"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"google.golang.org/genai"

	"github.com/finrag-core/server/internal/agent/graph"
	"github.com/finrag-core/server/internal/agent/graph/retrieval"
	"github.com/finrag-core/server/internal/agent/model"
	"github.com/finrag-core/server/internal/agent/repo"
	"github.com/finrag-core/server/internal/core"
	"github.com/finrag-core/server/internal/server"
	logx "github.com/finrag-core/server/pkg/logger"
	pkgredis "github.com/finrag-core/server/pkg/redis"
)

// AppConfig defines all configurable parameters for the service, sourced
// from environment variables (loaded from .env for local runs).
type AppConfig struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	// Infrastructure
	Redis  pkgredis.Config
	Server server.Config

	// LLM provider
	APIKey  string `envconfig:"GEMINI_API_KEY" required:"true"`
	BaseURL string `envconfig:"GEMINI_BASE_URL"`

	// Agent configs
	Classifier   model.ClassifierModelConfig
	Synthesizer  model.SynthesizerModelConfig
	Sufficiency  model.SufficiencyModelConfig
	Conversation model.ConversationConfig
	Orchestrator model.OrchestratorConfig
	VectorIndex  model.VectorIndexConfig
	MarketData   model.MarketDataConfig
}

func main() {
	ctx := context.Background()

	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("Failed to process environment config: %v", err)
	}

	logx.Init(logx.LoggerOpts{Environment: core.ParseEnvironment(cfg.Environment)})

	rdb, err := cfg.Redis.New()
	if err != nil {
		logx.Fatal().Err(err).Msg("failed to initialise Redis client")
	}
	defer rdb.Close()

	db, err := sql.Open("postgres", cfg.VectorIndex.DatabaseURL)
	if err != nil {
		logx.Fatal().Err(err).Msg("failed to open vector database")
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		logx.Fatal().Err(err).Msg("vector database unreachable")
	}

	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		logx.Fatal().Err(err).Msg("failed to create Gemini client")
	}

	checkpointTTL, err := time.ParseDuration(cfg.Orchestrator.CheckpointTTL)
	if err != nil {
		logx.Fatal().Err(err).Str("value", cfg.Orchestrator.CheckpointTTL).Msg("invalid CHECKPOINT_TTL")
	}
	conversationTTL, err := time.ParseDuration(cfg.Conversation.TTL)
	if err != nil {
		logx.Fatal().Err(err).Str("value", cfg.Conversation.TTL).Msg("invalid CONVERSATION_TTL")
	}

	checkpoints := repo.NewRedisCheckpointStore(rdb, checkpointTTL)
	threads := repo.NewRedisThreadRepository(rdb, conversationTTL)

	embedder := retrieval.NewGenaiEmbedder(genaiClient, cfg.VectorIndex.EmbeddingModel)
	index := retrieval.NewPgVectorIndex(db, cfg.VectorIndex.Table, embedder)
	prices := retrieval.NewChartClient(cfg.MarketData)

	orch, err := graph.BuildOrchestrator(ctx, graph.Config{
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		Classifier:   cfg.Classifier,
		Synthesizer:  cfg.Synthesizer,
		Sufficiency:  cfg.Sufficiency,
		Conversation: cfg.Conversation,
		Orchestrator: cfg.Orchestrator,
		VectorIndex:  cfg.VectorIndex,
		Checkpoints:  checkpoints,
		Threads:      threads,
		Index:        index,
		Prices:       prices,
	})
	if err != nil {
		logx.Fatal().Err(err).Msg("failed to build orchestrator")
	}

	srv := server.New(orch, threads, checkpoints, index, cfg.Server)
	if err := srv.ListenAndServe(); err != nil {
		logx.Fatal().Err(err).Msg("server stopped")
	}
}
