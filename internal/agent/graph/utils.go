package graph

import "github.com/cloudwego/eino/schema"

func assistantMessage(text string) *schema.Message {
	return schema.AssistantMessage(text, nil)
}

func boolPtr(b bool) *bool { return &b }
