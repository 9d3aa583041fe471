package embed

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/toolgate-ai/toolgate/internal/hookerr"
)

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint. A custom
// base URL points it at local model servers that speak the same API.
type OpenAIEmbedder struct {
	client openai.Client
	model  string
	dim    int
}

// NewOpenAIEmbedder builds a remote embedder. dim must match what the model
// emits; the index store refuses mixed-dimension artifacts.
func NewOpenAIEmbedder(apiKey, baseURL, model string, dim int) *OpenAIEmbedder {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(opts...),
		model:  model,
		dim:    dim,
	}
}

func (e *OpenAIEmbedder) Dim() int        { return e.dim }
func (e *OpenAIEmbedder) Available() bool { return e.model != "" }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: []string{text},
		},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, &hookerr.EmbeddingError{Reason: e.model + ": " + err.Error()}
	}
	if len(res.Data) == 0 || len(res.Data[0].Embedding) == 0 {
		return nil, &hookerr.EmbeddingError{Reason: e.model + ": response carried no vector"}
	}
	vec := make([]float32, len(res.Data[0].Embedding))
	for i, v := range res.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
