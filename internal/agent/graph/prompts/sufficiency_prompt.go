package prompts

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

//go:embed template/sufficiency_prompt.txt
var sufficiencySystemPrompt string

//go:embed template/sufficiency_user.txt
var sufficiencyUserPrompt string

// RenderSufficiency renders the sufficiency-check message pair.
func RenderSufficiency(ctx context.Context, question, draftAnswer, citedEvidence, chatHistory string) ([]*schema.Message, error) {
	tpl := prompt.FromMessages(
		schema.GoTemplate,
		schema.SystemMessage(sufficiencySystemPrompt),
		schema.UserMessage(sufficiencyUserPrompt),
	)
	msgs, err := tpl.Format(ctx, map[string]any{
		"Question":      question,
		"DraftAnswer":   draftAnswer,
		"CitedEvidence": citedEvidence,
		"ChatHistory":   chatHistory,
	})
	if err != nil {
		return nil, fmt.Errorf("sufficiency prompt render: %w", err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("sufficiency prompt render: empty result")
	}
	return msgs, nil
}
