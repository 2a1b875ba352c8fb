package nodes

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	einomodel "github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"github.com/finrag-core/server/internal/agent/model"
	logx "github.com/finrag-core/server/pkg/logger"
)

// ChatModelConfig holds the configuration for chat model creation
type ChatModelConfig struct {
	APIKey            string
	BaseURL           string
	ClassifierConfig  *model.ClassifierModelConfig
	SynthesizerConfig *model.SynthesizerModelConfig
	SufficiencyConfig *model.SufficiencyModelConfig
}

// ChatModels holds the three chat models used by the run graph. The fields
// are the generic chat-model interface so node tests can swap in fakes.
type ChatModels struct {
	Classifier  einomodel.BaseChatModel
	Synthesizer einomodel.BaseChatModel
	Sufficiency einomodel.BaseChatModel

	ClassifierModelName  string
	SynthesizerModelName string
	SufficiencyModelName string
}

// NewChatModels creates the classifier, synthesizer and sufficiency chat
// models over one shared Gemini client.
func NewChatModels(ctx context.Context, config ChatModelConfig) (*ChatModels, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = config.BaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	classifier, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.ClassifierConfig.Model,
		Temperature: &config.ClassifierConfig.Temperature,
		MaxTokens:   &config.ClassifierConfig.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating classifier model")
		return nil, fmt.Errorf("error creating classifier model: %w", err)
	}

	synthesizer, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.SynthesizerConfig.Model,
		Temperature: &config.SynthesizerConfig.Temperature,
		MaxTokens:   &config.SynthesizerConfig.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating synthesizer model")
		return nil, fmt.Errorf("error creating synthesizer model: %w", err)
	}

	sufficiency, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.SufficiencyConfig.Model,
		Temperature: &config.SufficiencyConfig.Temperature,
		MaxTokens:   &config.SufficiencyConfig.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating sufficiency model")
		return nil, fmt.Errorf("error creating sufficiency model: %w", err)
	}

	return &ChatModels{
		Classifier:           classifier,
		Synthesizer:          synthesizer,
		Sufficiency:          sufficiency,
		ClassifierModelName:  config.ClassifierConfig.Model,
		SynthesizerModelName: config.SynthesizerConfig.Model,
		SufficiencyModelName: config.SufficiencyConfig.Model,
	}, nil
}
