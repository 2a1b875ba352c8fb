package prompts

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

//go:embed template/synthesis_prompt.txt
var synthesisSystemPrompt string

//go:embed template/synthesis_user.txt
var synthesisUserPrompt string

// RenderSynthesis renders the full synthesizer message pair. The system
// prompt is static; the user prompt interpolates the query, the retrieved
// context, formatted price data and the chat history.
func RenderSynthesis(ctx context.Context, question, docContext, priceData, chatHistory string) ([]*schema.Message, error) {
	tpl := prompt.FromMessages(
		schema.GoTemplate,
		schema.SystemMessage(synthesisSystemPrompt),
		schema.UserMessage(synthesisUserPrompt),
	)
	msgs, err := tpl.Format(ctx, map[string]any{
		"Question":    question,
		"Context":     docContext,
		"PriceData":   priceData,
		"ChatHistory": chatHistory,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesis prompt render: %w", err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("synthesis prompt render: empty result")
	}
	return msgs, nil
}
