package conversations

import (
	"context"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/finrag-core/server/internal/agent/model"
)

// HistoryManager assembles prompt-ready chat history for a thread and
// records the turns a finished run contributes back to it.
type HistoryManager struct {
	threads  model.ThreadRepository
	maxTurns int
}

func NewHistoryManager(threads model.ThreadRepository, cfg model.ConversationConfig) *HistoryManager {
	return &HistoryManager{
		threads:  threads,
		maxTurns: cfg.HistoryMaxTurns,
	}
}

// RenderHistory formats the transcript for inclusion in a prompt, keeping
// only user and assistant turns from the most recent exchanges.
func (m *HistoryManager) RenderHistory(messages []*schema.Message) string {
	var lines []string
	for _, msg := range messages {
		if msg == nil || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		switch msg.Role {
		case schema.User:
			lines = append(lines, "User: "+msg.Content)
		case schema.Assistant:
			lines = append(lines, "Assistant: "+msg.Content)
		}
	}
	if len(lines) == 0 {
		return "No previous conversation history."
	}
	lines = trimTail(lines, m.maxTurns)
	return strings.Join(lines, "\n\n")
}

// LoadThreadHistory returns the thread's shared history as transcript messages.
func (m *HistoryManager) LoadThreadHistory(ctx context.Context, threadID string) ([]*schema.Message, error) {
	turns, err := m.threads.LoadHistory(ctx, threadID)
	if err != nil {
		return nil, err
	}
	msgs := make([]*schema.Message, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case "assistant":
			msgs = append(msgs, schema.AssistantMessage(t.Content, nil))
		case "user":
			msgs = append(msgs, schema.UserMessage(t.Content))
		}
	}
	return msgs, nil
}

// SaveExchange appends the run's question and final answer to the thread so
// later runs on the same thread see them.
func (m *HistoryManager) SaveExchange(ctx context.Context, threadID, query, answer string) error {
	turns := []model.ChatTurn{{Role: "user", Content: query}}
	if strings.TrimSpace(answer) != "" {
		turns = append(turns, model.ChatTurn{Role: "assistant", Content: answer})
	}
	return m.threads.AppendHistory(ctx, threadID, turns)
}

func trimTail(lines []string, maxTurns int) []string {
	if maxTurns <= 0 || len(lines) <= maxTurns {
		return lines
	}
	return lines[len(lines)-maxTurns:]
}
