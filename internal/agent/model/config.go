package model

// ================ Config ================

// OrchestratorConfig bounds the retry loop and checkpoint retention.
// MaxRetries is a hard cap: once retry_count reaches it the run terminates
// with a best-effort answer instead of looping again.
type OrchestratorConfig struct {
	MaxRetries    int    `envconfig:"ORCHESTRATOR_MAX_RETRIES" default:"2"`
	RunTimeout    string `envconfig:"ORCHESTRATOR_RUN_TIMEOUT" default:"3m"`
	CheckpointTTL string `envconfig:"CHECKPOINT_TTL" default:"24h"`
}

type ClassifierModelConfig struct {
	Model       string  `envconfig:"CLASSIFIER_MODEL" default:"gemini-2.5-flash-lite"`
	MaxTokens   int     `envconfig:"CLASSIFIER_MAX_TOKENS" default:"2000"`
	Temperature float32 `envconfig:"CLASSIFIER_TEMPERATURE" default:"0"`
}

type SynthesizerModelConfig struct {
	Model       string  `envconfig:"SYNTHESIZER_MODEL" default:"gemini-2.5-flash"`
	MaxTokens   int     `envconfig:"SYNTHESIZER_MAX_TOKENS" default:"4000"`
	Temperature float32 `envconfig:"SYNTHESIZER_TEMPERATURE" default:"0.2"`
}

type SufficiencyModelConfig struct {
	Model       string  `envconfig:"SUFFICIENCY_MODEL" default:"gemini-2.5-flash-lite"`
	MaxTokens   int     `envconfig:"SUFFICIENCY_MAX_TOKENS" default:"1000"`
	Temperature float32 `envconfig:"SUFFICIENCY_TEMPERATURE" default:"0"`
	// MinCitations is the floor below which a draft answer is insufficient
	// regardless of what the model says.
	MinCitations int `envconfig:"SUFFICIENCY_MIN_CITATIONS" default:"1"`
}

type ConversationConfig struct {
	// HistoryMaxTurns limits how much shared thread history is rendered
	// into prompts.
	HistoryMaxTurns int    `envconfig:"CONVERSATION_HISTORY_MAX_TURNS" default:"5"`
	TTL             string `envconfig:"CONVERSATION_TTL" default:"24h"`
}

type VectorIndexConfig struct {
	DatabaseURL    string `envconfig:"VECTOR_DATABASE_URL" required:"true"`
	Table          string `envconfig:"VECTOR_TABLE" default:"financial_documents"`
	EmbeddingModel string `envconfig:"EMBEDDING_MODEL" default:"gemini-embedding-001"`
	TopK           int    `envconfig:"VECTOR_TOP_K" default:"8"`
}

type MarketDataConfig struct {
	BaseURL        string `envconfig:"MARKET_DATA_BASE_URL" default:"https://www.screener.in"`
	TimeoutSeconds int    `envconfig:"MARKET_DATA_TIMEOUT" default:"15"`
}
