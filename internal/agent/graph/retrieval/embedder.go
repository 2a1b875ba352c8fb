package retrieval

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenaiEmbedder produces query embeddings with the Gemini embeddings API,
// matching the model the ingestion pipeline indexes documents with.
type GenaiEmbedder struct {
	client *genai.Client
	model  string
}

func NewGenaiEmbedder(client *genai.Client, embedModel string) *GenaiEmbedder {
	return &GenaiEmbedder{client: client, model: embedModel}
}

func (e *GenaiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Models.EmbedContent(ctx, e.model, genai.Text(text), nil)
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	if resp == nil || len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("embedding response is empty")
	}
	return resp.Embeddings[0].Values, nil
}
