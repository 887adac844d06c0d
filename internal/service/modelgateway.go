package service

import (
	"context"
	"fmt"
	"log/slog"
)

// StreamClient is the minimal streaming-chat contract a provider adapter
// must satisfy. Implemented by gcpclient.GenAIAdapter (Vertex Gemini) and
// gcpclient.BYOLLMClient's streaming counterpart for BYOLLM overrides.
type StreamClient interface {
	GenerateContentStream(ctx context.Context, systemPrompt, userPrompt string) (<-chan string, <-chan error)
}

// ChatOptions configures one Chat call, including the BYOLLM override (§9
// "polymorphism over capability sets"; grounded on gcpclient/byollm.go).
type ChatOptions struct {
	ModelTag string
	// ProviderOverride, when set, routes this call through a per-request
	// BYOLLM client instead of the default provider. On failure the
	// gateway falls back to the default provider once, logging the
	// fallback, matching chat.go's BYOLLM-failure-to-AEGIS behavior.
	ProviderOverride StreamClient
}

// ChatStats is reported upstream for metering after a stream completes (§4.2).
type ChatStats struct {
	ModelTag     string
	InputTokens  int64
	OutputTokens int64
}

// EmbedTaskType distinguishes document-storage from query-time embedding,
// matching gcpclient.EmbeddingAdapter's asymmetric EmbedTexts vs Embed.
type EmbedTaskType string

const (
	TaskRetrievalDocument EmbedTaskType = "RETRIEVAL_DOCUMENT"
	TaskRetrievalQuery    EmbedTaskType = "RETRIEVAL_QUERY"
)

// EmbedClient abstracts the embedding provider for testability.
type EmbedClient interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// ModelGateway is the uniform interface over text-generation and embedding
// providers (§4.2): Embed, Chat (streaming), Count_tokens. It encapsulates
// per-provider quirks behind modelTag and the BYOLLM override behind
// ChatOptions.
type ModelGateway struct {
	defaultChat  StreamClient
	defaultModel string
	embedder     EmbedClient
}

// NewModelGateway creates a ModelGateway with the given default provider.
func NewModelGateway(defaultChat StreamClient, defaultModel string, embedder EmbedClient) *ModelGateway {
	return &ModelGateway{defaultChat: defaultChat, defaultModel: defaultModel, embedder: embedder}
}

// Chat streams a completion, returning a lazy sequence of deltas and a
// final error channel, plus the model_tag, which is fixed before the stream
// starts: "byollm:"-prefixed whenever ProviderOverride is set, even if the
// stream then falls back to the default provider. Token accounting is approximated from
// the accumulated text via EstimateTokens, since no provider in the pack
// exposes a tokenizer-exact count through this streaming path.
func (g *ModelGateway) Chat(ctx context.Context, systemPrompt, userPrompt string, opts ChatOptions) (<-chan string, <-chan error, string) {
	client := g.defaultChat
	modelTag := g.defaultModel
	if opts.ModelTag != "" {
		modelTag = opts.ModelTag
	}

	if opts.ProviderOverride != nil {
		textCh, errCh := opts.ProviderOverride.GenerateContentStream(ctx, systemPrompt, userPrompt)
		return wrapWithFallback(ctx, textCh, errCh, g.defaultChat, systemPrompt, userPrompt), errCh, "byollm:" + modelTag
	}

	textCh, errCh := client.GenerateContentStream(ctx, systemPrompt, userPrompt)
	return textCh, errCh, modelTag
}

// wrapWithFallback passes through the override's stream unless it fails
// before emitting anything, in which case it retries once against the
// default provider — mirroring chat.go's BYOLLM-failure fallback.
func wrapWithFallback(ctx context.Context, textCh <-chan string, errCh <-chan error, fallback StreamClient, systemPrompt, userPrompt string) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		emitted := false
		for {
			select {
			case t, ok := <-textCh:
				if !ok {
					return
				}
				emitted = true
				select {
				case out <- t:
				case <-ctx.Done():
					return
				}
			case err := <-errCh:
				if err != nil && !emitted && fallback != nil {
					slog.Warn("service.ModelGateway: provider override failed, falling back to default provider", "error", err)
					fbText, _ := fallback.GenerateContentStream(ctx, systemPrompt, userPrompt)
					for t := range fbText {
						select {
						case out <- t:
						case <-ctx.Done():
							return
						}
					}
				}
				return
			}
		}
	}()
	return out
}

// Embed generates embeddings for texts, asymmetrically tagged by task type
// per gcpclient.EmbeddingAdapter's RETRIEVAL_DOCUMENT/RETRIEVAL_QUERY split.
// taskType is accepted for interface parity with that asymmetry even though
// this gateway's single EmbedClient handles both.
func (g *ModelGateway) Embed(ctx context.Context, texts []string, taskType EmbedTaskType) ([][]float32, error) {
	if g.embedder == nil {
		return nil, fmt.Errorf("service.Embed: no embedding provider configured")
	}
	vectors, err := g.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("service.Embed: %w", err)
	}
	return vectors, nil
}

// CountTokens estimates the token count of text for a given model_tag
// (§4.2 "used for pre-flight cost estimation"). Uses the words×1.3
// heuristic already established by EstimateTokens/the chunker, since no
// provider in the pack exposes an exact offline tokenizer.
func (g *ModelGateway) CountTokens(text string, modelTag string) int64 {
	return EstimateTokens(text)
}
