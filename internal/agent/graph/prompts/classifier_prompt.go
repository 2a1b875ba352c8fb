package prompts

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/finrag-core/server/internal/agent/model"
)

//go:embed template/classifier_prompt.txt
var classifierSystemPrompt string

// RenderClassifierSystem renders the classifier system prompt via the Eino
// prompt component. exhausted lists categories that already failed to yield
// usable evidence this run; the prompt steers the model away from them.
func RenderClassifierSystem(ctx context.Context, exhausted []model.DocumentType) (string, error) {
	exhaustedNote := ""
	if len(exhausted) > 0 {
		names := make([]string, 0, len(exhausted))
		for _, d := range exhausted {
			names = append(names, string(d))
		}
		exhaustedNote = fmt.Sprintf(
			"RETRY CONTEXT: earlier passes already searched these categories without finding usable evidence: %s. Prefer a different category unless the query can only be answered from one of them.",
			strings.Join(names, ", "))
	}

	// Safely render known tokens only to avoid interfering with JSON braces
	// in the template.
	content := strings.NewReplacer(
		"{TD}", tupDelim,
		"{RD}", recDelim,
		"{CD}", endDelim,
		"{exhausted_note}", exhaustedNote,
	).Replace(classifierSystemPrompt)

	// Wrap via the Eino prompt component using a messages placeholder so
	// prompt callbacks fire.
	tpl := prompt.FromMessages(
		schema.FString,
		schema.MessagesPlaceholder("system_messages", false),
	)
	msgs, err := tpl.Format(ctx, map[string]any{
		"system_messages": []*schema.Message{schema.SystemMessage(content)},
	})
	if err != nil {
		return "", fmt.Errorf("classifier prompt render: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("classifier prompt render: empty result")
	}
	return msgs[0].Content, nil
}

// Delimiters baked into the classifier prompt; the parsers package declares
// the same literals on its side of the wire.
const (
	recDelim = "##"
	tupDelim = "<||>"
	endDelim = "<|COMPLETE|>"
)
